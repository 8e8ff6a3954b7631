package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ivr-tutor/ivr-tutor/internal/application/query"
)

const testCatalog = "../../internal/infrastructure/content/testdata/catalog.yaml"

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("APP_ENV", "development")
	t.Setenv("STORAGE_DRIVER", "memory")

	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestCatalogValidate(t *testing.T) {
	out, err := execute(t, "catalog", "validate", testCatalog)
	require.NoError(t, err)
	assert.Contains(t, out, "ok (version 2026.03-test)")
	assert.Contains(t, out, "subjects: 1")

	out, err = execute(t, "--catalog", testCatalog, "catalog", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, testCatalog+": ok")
}

func TestCatalogValidate_Missing(t *testing.T) {
	_, err := execute(t, "catalog", "validate", "does-not-exist.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid catalog")
}

func TestCatalogList(t *testing.T) {
	out, err := execute(t, "catalog", "list", "--lang", "en", testCatalog)
	require.NoError(t, err)
	assert.Contains(t, out, "math_fractions_1")
	assert.Contains(t, out, "Subject")

	out, err = execute(t, "catalog", "list", "--subject", "physics", testCatalog)
	require.NoError(t, err)
	assert.Equal(t, "no units\n", out)
}

func TestConfigErrorStopsCommand(t *testing.T) {
	t.Setenv("STORAGE_DRIVER", "cassandra")
	cmd := newRootCommand()
	cmd.SetArgs([]string{"catalog", "validate", testCatalog})
	cmd.SetOut(&bytes.Buffer{})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STORAGE_DRIVER")
}

func TestRenderTable(t *testing.T) {
	out := renderTable([]string{"A", "B"}, [][]string{{"x"}, {"y", "z"}}, []columnAlignment{alignLeft, alignRight})
	lines := strings.Split(out, "\n")
	require.Len(t, lines, 6)
	assert.Contains(t, lines[1], "A")
	assert.Empty(t, renderTable(nil, nil, nil))
}

func TestRenderProgress(t *testing.T) {
	avg := 75.0
	last := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	dto := &query.StudentProgressDTO{
		StudentID:  "s1",
		Phone:      "+254712345678",
		Language:   "sw",
		LastCallAt: &last,
		TotalScore: 40,
		Subjects: []query.SubjectProgressDTO{{
			Subject: "math", Name: "Hisabati", Enrolled: true, Score: 40, Streak: 2,
			CompletedUnits: 2, TotalUnits: 5, CompletionPercent: 40, RecentAverage: &avg,
			InProgressUnitID: "unit_3",
		}},
	}

	out := renderProgress(dto)
	assert.Contains(t, out, "student s1 (+254712345678, sw) total score 40, last call 2026-03-02 09:30")
	assert.Contains(t, out, "Hisabati")
	assert.Contains(t, out, "2/5")
	assert.Contains(t, out, "75%")

	assert.Equal(t, "student s2 (+254700000000, en) total score 0\nno subjects",
		renderProgress(&query.StudentProgressDTO{StudentID: "s2", Phone: "+254700000000", Language: "en"}))
}
