package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vellum-app/vellum/internal/engine"
	"github.com/vellum-app/vellum/internal/snapshot"
	"github.com/vellum-app/vellum/internal/ui"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Create, list, verify, and restore snapshots",
}

var snapshotLabel string
var snapshotReason string

var snapshotCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Capture a snapshot of all current units",
	Run: func(cmd *cobra.Command, args []string) {
		sess := mustOpenSession()

		snap, err := sess.Snapshots().Create(snapshotLabel, snapshotReason)
		if err != nil {
			fatal("%v", err)
		}
		if err := sess.Snapshots().Prune(); err != nil {
			ui.Warning(fmt.Sprintf("prune failed: %v", err))
		}

		ui.Success(fmt.Sprintf("Created snapshot %s (%d units)", snap.ID, len(snap.Units)))
	},
}

var snapshotListCmd = &cobra.Command{
	Use:   "list",
	Short: "List snapshots, newest first",
	Run: func(cmd *cobra.Command, args []string) {
		sess := mustOpenSession()

		snaps, err := sess.Snapshots().List()
		if err != nil {
			fatal("%v", err)
		}
		if len(snaps) == 0 {
			ui.EmptyState("no snapshots yet")
			return
		}

		rows := make([][]string, 0, len(snaps))
		for _, s := range snaps {
			rows = append(rows, []string{
				s.ID,
				s.Label,
				s.CreatedAt.Local().Format("2006-01-02 15:04:05"),
				fmt.Sprintf("%d", len(s.Units)),
			})
		}
		ui.Table([]string{"ID", "LABEL", "CREATED", "UNITS"}, rows)
	},
}

var snapshotVerifyCmd = &cobra.Command{
	Use:   "verify <snapshot-id>",
	Short: "Re-hash a snapshot's archives against its manifest",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		sess := mustOpenSession()

		results, err := sess.Snapshots().Verify(args[0])
		if err != nil {
			fatal("%v", err)
		}

		bad := 0
		for _, r := range results {
			switch r.Status {
			case snapshot.UnitOK:
				ui.Success(r.UnitID)
			case snapshot.UnitMismatch:
				ui.Error(fmt.Sprintf("%s: archive does not match manifest checksum", r.UnitID))
				bad++
			case snapshot.UnitMissing:
				ui.Error(fmt.Sprintf("%s: archive missing", r.UnitID))
				bad++
			}
		}
		if bad > 0 {
			fatal("%d of %d units failed verification", bad, len(results))
		}
	},
}

var snapshotRestoreCmd = &cobra.Command{
	Use:   "restore [snapshot-id]",
	Short: "Restore a snapshot over the working drafts (default: latest)",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		sess := mustOpenSession()

		id := ""
		if len(args) > 0 {
			id = args[0]
		}

		result, err := sess.Restore(id)
		if err != nil {
			fatal("%v", err)
		}

		ui.Success(fmt.Sprintf("Restored %d units from %s", result.RestoredUnits, result.SnapshotID))
		for _, u := range result.Units {
			if u.Warning != "" {
				ui.Warning(fmt.Sprintf("%s: %s", u.UnitID, u.Warning))
			}
		}
	},
}

// mustOpenSession opens the engine session for one-shot commands.
func mustOpenSession() *engine.Session {
	sess, err := engine.Open(projectDir, nil, &engine.Config{
		Logger: newLogger("engine"),
	})
	if err != nil {
		fatal("%v", err)
	}
	return sess
}

func init() {
	snapshotCreateCmd.Flags().StringVar(&snapshotLabel, "label", snapshot.LabelChapterSave, "snapshot label")
	snapshotCreateCmd.Flags().StringVar(&snapshotReason, "reason", "", "free-form reason recorded in the manifest")

	snapshotCmd.AddCommand(snapshotCreateCmd)
	snapshotCmd.AddCommand(snapshotListCmd)
	snapshotCmd.AddCommand(snapshotVerifyCmd)
	snapshotCmd.AddCommand(snapshotRestoreCmd)
}
