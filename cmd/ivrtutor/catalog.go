package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ivr-tutor/ivr-tutor/internal/domain/catalog"
	"github.com/ivr-tutor/ivr-tutor/internal/domain/shared"
	"github.com/ivr-tutor/ivr-tutor/internal/infrastructure/content"
)

func newCatalogCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect content catalog files",
	}
	cmd.AddCommand(newCatalogValidateCommand(ctx), newCatalogListCommand(ctx))
	return cmd
}

// loadCatalog reads the file given as argument, or CATALOG_PATH.
func loadCatalog(ctx *commandContext, args []string) (*catalog.Snapshot, string, error) {
	cfg, err := ctx.ensureConfig()
	if err != nil {
		return nil, "", err
	}
	path := cfg.Catalog.Path
	if len(args) > 0 {
		path = args[0]
	}
	snap, err := content.LoadFile(path, content.WithDefaultLanguage(cfg.Catalog.DefaultLanguage))
	if err != nil {
		return nil, path, err
	}
	return snap, path, nil
}

func newCatalogValidateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [file]",
		Short: "Parse and validate a catalog file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, path, err := loadCatalog(ctx, args)
			if err != nil {
				return fmt.Errorf("%s: invalid catalog: %w", path, err)
			}
			st := snap.Stats()
			langs := make([]string, 0, len(snap.Languages()))
			for _, l := range snap.Languages() {
				langs = append(langs, l.String())
			}
			fmt.Fprintf(cmd.OutOrStdout(),
				"%s: ok (version %s)\n  subjects: %d\n  languages: %s\n  units: %d (%d remedial, %d deprecated)\n  quiz items: %d\n",
				path, snap.Version(), st.Subjects, strings.Join(langs, ", "),
				st.Units, st.Remedial, st.Deprecated, st.Quizzes,
			)
			return nil
		},
	}
}

func newCatalogListCommand(ctx *commandContext) *cobra.Command {
	var subject, lang string

	cmd := &cobra.Command{
		Use:   "list [file]",
		Short: "List the units of a catalog",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, path, err := loadCatalog(ctx, args)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}

			var rows [][]string
			for _, u := range snap.AllUnits() {
				if subject != "" && u.Subject != subject {
					continue
				}
				if lang != "" && u.Language != shared.Language(lang) {
					continue
				}
				rows = append(rows, []string{
					u.Subject,
					u.Language.String(),
					strconv.Itoa(u.Ordinal),
					u.ID,
					u.Topic,
					strconv.Itoa(len(u.Quiz)),
					unitFlags(u),
				})
			}
			if len(rows) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no units")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"Subject", "Lang", "#", "Unit", "Topic", "Quiz", "Flags"}, rows,
				[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft, alignLeft, alignRight, alignLeft},
			))
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "Only this subject")
	cmd.Flags().StringVar(&lang, "lang", "", "Only this language")
	return cmd
}

func unitFlags(u catalog.ContentUnit) string {
	var flags []string
	if u.Remedial {
		flags = append(flags, "remedial")
	}
	if u.Deprecated {
		flags = append(flags, "deprecated")
	}
	return strings.Join(flags, ",")
}
