package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/vellum-app/vellum/internal/draft"
	"github.com/vellum-app/vellum/internal/engine"
	"github.com/vellum-app/vellum/internal/journal"
	"github.com/vellum-app/vellum/internal/store"
	"github.com/vellum-app/vellum/internal/ui"
)

var (
	initName string
	initSoft float64
	initHard float64
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a new project in the project directory",
	Long: `Create a new vellum project: project.json with a name and budget
limits, plus the drafts/ and history/ directories.`,
	Run: func(cmd *cobra.Command, args []string) {
		s, err := store.New(projectDir)
		if err != nil {
			fatal("%v", err)
		}

		if s.Exists(draft.ManifestPath) {
			fatal("project already exists at %s", projectDir)
		}
		if initName == "" {
			fatal("--name is required")
		}

		manifest := &draft.Manifest{
			Name:         initName,
			SoftLimitUSD: initSoft,
			HardLimitUSD: initHard,
		}
		manifest.SetDefaults()

		if err := draft.SaveManifest(s, manifest); err != nil {
			fatal("%v", err)
		}

		ui.Success(fmt.Sprintf("Created project %q", initName))
		ui.Detail("soft limit", fmt.Sprintf("$%.2f", initSoft))
		ui.Detail("hard limit", fmt.Sprintf("$%.2f", initHard))
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show project state: units, budget, recovery",
	Run: func(cmd *cobra.Command, args []string) {
		sess, err := engine.Open(projectDir, nil, &engine.Config{
			Logger: newLogger("engine"),
		})
		if err != nil {
			fatal("%v", err)
		}

		ui.Banner(sess.Manifest().Name, "")

		units, err := sess.Units()
		if err != nil {
			fatal("%v", err)
		}

		ui.SectionHeader("Units")
		if len(units) == 0 {
			ui.EmptyState("no draft units yet")
		} else {
			rows := make([][]string, 0, len(units))
			for _, u := range units {
				rows = append(rows, []string{
					u.ID,
					u.Title,
					u.UpdatedAt.Local().Format("2006-01-02 15:04"),
					u.Checksum().String()[:12],
				})
			}
			ui.Table([]string{"ID", "TITLE", "UPDATED", "CHECKSUM"}, rows)
		}

		state := sess.Ledger().State()
		ui.SectionHeader("Budget")
		fmt.Println(ui.BudgetBar(state.SpentUSD, state.SoftLimitUSD, state.HardLimitUSD))

		recovery, err := sess.Recovery(time.Now())
		if err != nil {
			fatal("%v", err)
		}
		if recovery.State == journal.StatePromptRestore {
			ui.Warning("unclean shutdown detected; run 'vellum open' to recover")
		}
	},
}

func init() {
	initCmd.Flags().StringVar(&initName, "name", "", "project name")
	initCmd.Flags().Float64Var(&initSoft, "soft-limit", 5.00, "soft budget limit in USD")
	initCmd.Flags().Float64Var(&initHard, "hard-limit", 10.00, "hard budget limit in USD")
}
