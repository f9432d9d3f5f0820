package main

import (
	"fmt"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/vellum-app/vellum/internal/engine"
	"github.com/vellum-app/vellum/internal/journal"
	"github.com/vellum-app/vellum/internal/ui"
)

var openCmd = &cobra.Command{
	Use:   "open",
	Short: "Open the project and resolve any unclean shutdown",
	Long: `Inspect the recovery journal. A clean project opens silently; a
fresh journal from a dead session prompts to restore the last snapshot or
keep the drafts as they are on disk.`,
	Run: func(cmd *cobra.Command, args []string) {
		sess, err := engine.Open(projectDir, nil, &engine.Config{
			Logger: newLogger("engine"),
		})
		if err != nil {
			fatal("%v", err)
		}

		status, err := sess.Recovery(time.Now())
		if err != nil {
			fatal("%v", err)
		}

		switch status.State {
		case journal.StateClean:
			ui.Success(fmt.Sprintf("Project %q is clean", sess.Manifest().Name))
			return

		case journal.StatePromptRestore:
			if err := promptRestore(sess, status.Entry); err != nil {
				fatal("%v", err)
			}
		}
	},
}

// promptRestore walks the operator through the post-crash choice.
func promptRestore(sess *engine.Session, entry *journal.Entry) error {
	ui.Warning(fmt.Sprintf("The last session (started %s) did not shut down cleanly.",
		entry.StartedAt.Local().Format("2006-01-02 15:04")))
	if entry.PendingUnitID != "" {
		ui.Detail("pending unit", entry.PendingUnitID)
	}
	if entry.LastSnapshotID != "" {
		ui.Detail("last snapshot", entry.LastSnapshotID)
	}

	restore := false
	form := huh.NewForm(huh.NewGroup(
		huh.NewConfirm().
			Title("Restore the last snapshot?").
			Description("Restoring replaces the working drafts with the last snapshot. Declining keeps the drafts exactly as they are on disk.").
			Affirmative("Restore").
			Negative("Keep drafts").
			Value(&restore),
	))
	if err := form.Run(); err != nil {
		return fmt.Errorf("recovery prompt failed: %w", err)
	}

	if !restore {
		if err := sess.DiscardRecovery(); err != nil {
			return err
		}
		ui.Info("Kept drafts as-is; journal discarded")
		return nil
	}

	result, err := sess.Restore(entry.LastSnapshotID)
	if err != nil {
		return err
	}
	if err := sess.DiscardRecovery(); err != nil {
		return err
	}

	ui.Success(fmt.Sprintf("Restored %d units from %s", result.RestoredUnits, result.SnapshotID))
	for _, u := range result.Units {
		if u.Warning != "" {
			ui.Warning(fmt.Sprintf("%s: %s", u.UnitID, u.Warning))
		}
	}
	return nil
}
