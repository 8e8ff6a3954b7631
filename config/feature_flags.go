package config

import (
	"hash/fnv"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// FeatureFlags manages runtime toggles for notification kinds and optional
// call-flow behaviour. Flags can be rolled out to a percentage of students.
type FeatureFlags struct {
	mu sync.RWMutex

	features map[string]*Feature

	// studentID -> feature -> enabled
	overrides map[string]map[string]bool
}

// Feature represents a single feature flag.
type Feature struct {
	Name        string
	Description string
	Enabled     bool

	// 0-100; students are bucketed by a hash of their id.
	RolloutPercent int
}

// Predefined feature flag names.
const (
	FeatureNotifySessionSummary = "notify.session_summary" // SMS recap after each call
	FeatureNotifyProgressUpdate = "notify.progress_update" // SMS when a subject is completed
	FeatureNotifyReminder       = "notify.reminder"        // inactivity reminders

	FeatureRecommendRemedial = "recommend.remedial"  // remedial units below the proficiency threshold
	FeatureSessionCheckpoint = "session.checkpoint" // persist call-session checkpoints
)

// LoadFeatureFlags builds the defaults and applies FEATURE_* environment overrides.
func LoadFeatureFlags() *FeatureFlags {
	ff := NewFeatureFlags()
	ff.loadFromEnvironment(os.Getenv)
	return ff
}

// NewFeatureFlags returns the defaults without reading the environment.
func NewFeatureFlags() *FeatureFlags {
	ff := &FeatureFlags{
		features:  make(map[string]*Feature),
		overrides: make(map[string]map[string]bool),
	}
	ff.initializeDefaults()
	return ff
}

func (ff *FeatureFlags) initializeDefaults() {
	defaults := []Feature{
		{FeatureNotifySessionSummary, "Send an SMS recap after every call", true, 100},
		{FeatureNotifyProgressUpdate, "Send an SMS when a subject is completed", true, 100},
		{FeatureNotifyReminder, "Remind inactive students to call in", true, 100},
		{FeatureRecommendRemedial, "Offer remedial units after weak quiz results", true, 100},
		{FeatureSessionCheckpoint, "Checkpoint call sessions for crash recovery", true, 100},
	}
	for i := range defaults {
		f := defaults[i]
		ff.features[f.Name] = &f
	}
}

// loadFromEnvironment accepts true/false or a rollout percentage:
// FEATURE_NOTIFY_REMINDER=false, FEATURE_RECOMMEND_REMEDIAL=25.
func (ff *FeatureFlags) loadFromEnvironment(getenv func(string) string) {
	for name, feature := range ff.features {
		val := strings.TrimSpace(getenv(featureNameToEnvKey(name)))
		if val == "" {
			continue
		}
		if b, err := strconv.ParseBool(val); err == nil {
			feature.Enabled = b
			if b {
				feature.RolloutPercent = 100
			} else {
				feature.RolloutPercent = 0
			}
			continue
		}
		if p, err := strconv.Atoi(val); err == nil && p >= 0 && p <= 100 {
			feature.Enabled = p > 0
			feature.RolloutPercent = p
		}
	}
}

// "notify.session_summary" -> "FEATURE_NOTIFY_SESSION_SUMMARY"
func featureNameToEnvKey(name string) string {
	return "FEATURE_" + strings.ReplaceAll(strings.ToUpper(name), ".", "_")
}

// IsEnabled checks a flag for a student. An empty studentID evaluates the
// flag globally (enabled only at 100%).
func (ff *FeatureFlags) IsEnabled(name, studentID string) bool {
	if ff == nil {
		return true
	}
	ff.mu.RLock()
	defer ff.mu.RUnlock()

	if studentID != "" {
		if o, ok := ff.overrides[studentID]; ok {
			if enabled, ok := o[name]; ok {
				return enabled
			}
		}
	}

	feature, ok := ff.features[name]
	if !ok || !feature.Enabled {
		return false
	}
	if feature.RolloutPercent >= 100 {
		return true
	}
	if studentID == "" {
		return false
	}
	return inRollout(studentID, name, feature.RolloutPercent)
}

func inRollout(studentID, name string, percent int) bool {
	h := fnv.New32a()
	h.Write([]byte(name))
	h.Write([]byte(studentID))
	return int(h.Sum32()%100) < percent
}

// SetOverride forces a flag for one student.
func (ff *FeatureFlags) SetOverride(studentID, name string, enabled bool) {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	if _, ok := ff.overrides[studentID]; !ok {
		ff.overrides[studentID] = make(map[string]bool)
	}
	ff.overrides[studentID][name] = enabled
}

// SetRolloutPercent updates a flag at runtime.
func (ff *FeatureFlags) SetRolloutPercent(name string, percent int) error {
	ff.mu.Lock()
	defer ff.mu.Unlock()

	feature, ok := ff.features[name]
	if !ok {
		return ErrFeatureNotFound
	}
	if percent < 0 || percent > 100 {
		return ErrInvalidRolloutPercent
	}
	feature.RolloutPercent = percent
	feature.Enabled = percent > 0
	return nil
}

// Enable turns a flag on for everyone.
func (ff *FeatureFlags) Enable(name string) error { return ff.SetRolloutPercent(name, 100) }

// Disable turns a flag off for everyone.
func (ff *FeatureFlags) Disable(name string) error { return ff.SetRolloutPercent(name, 0) }

// All returns copies of every flag sorted by name.
func (ff *FeatureFlags) All() []Feature {
	ff.mu.RLock()
	defer ff.mu.RUnlock()

	out := make([]Feature, 0, len(ff.features))
	for _, f := range ff.features {
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

var (
	ErrFeatureNotFound       = &FeatureFlagError{Message: "feature not found"}
	ErrInvalidRolloutPercent = &FeatureFlagError{Message: "rollout percent must be 0-100"}
)

// FeatureFlagError represents a feature flag error.
type FeatureFlagError struct {
	Message string
}

func (e *FeatureFlagError) Error() string {
	return e.Message
}
