package main

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/ivr-tutor/ivr-tutor/internal/app"
	"github.com/ivr-tutor/ivr-tutor/internal/application/query"
)

func newProgressCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "progress",
		Short: "Inspect student progress",
	}
	cmd.AddCommand(newProgressShowCommand(ctx))
	return cmd
}

func newProgressShowCommand(ctx *commandContext) *cobra.Command {
	var attempts int
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "show <phone>",
		Short: "Print a student's progress per subject",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			snap, err := app.LoadCatalog(cfg)
			if err != nil {
				return err
			}
			stores, err := app.OpenStores(cmd.Context(), cfg, ctx.log())
			if err != nil {
				return err
			}
			defer stores.Close()

			h := query.NewGetStudentProgressHandler(stores.Students, stores.Progress, snap,
				cfg.Recommend.RecentWindow, cfg.App.DefaultCountryCode)
			dto, err := h.Handle(cmd.Context(), query.GetStudentProgressQuery{Phone: args[0], AttemptsLimit: attempts})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(dto)
			}
			fmt.Fprintln(out, renderProgress(dto))
			return nil
		},
	}
	cmd.Flags().IntVar(&attempts, "attempts", 0, "Include up to N recent attempts per subject")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func renderProgress(dto *query.StudentProgressDTO) string {
	head := fmt.Sprintf("student %s (%s, %s) total score %d", dto.StudentID, dto.Phone, dto.Language, dto.TotalScore)
	if dto.LastCallAt != nil {
		head += ", last call " + dto.LastCallAt.Format("2006-01-02 15:04")
	}
	if len(dto.Subjects) == 0 {
		return head + "\nno subjects"
	}

	rows := make([][]string, 0, len(dto.Subjects))
	for _, s := range dto.Subjects {
		avg := "-"
		if s.RecentAverage != nil {
			avg = strconv.FormatFloat(*s.RecentAverage, 'f', 0, 64) + "%"
		}
		enrolled := ""
		if s.Enrolled {
			enrolled = "yes"
		}
		rows = append(rows, []string{
			s.Name,
			enrolled,
			strconv.Itoa(s.Score),
			strconv.Itoa(s.Streak),
			fmt.Sprintf("%d/%d", s.CompletedUnits, s.TotalUnits),
			strconv.Itoa(s.CompletionPercent) + "%",
			avg,
			s.InProgressUnitID,
		})
	}
	return head + "\n" + renderTable(
		[]string{"Subject", "Enrolled", "Score", "Streak", "Units", "Done", "Recent", "In progress"}, rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignRight, alignRight, alignRight, alignLeft},
	)
}
