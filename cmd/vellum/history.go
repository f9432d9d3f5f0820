package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/vellum-app/vellum/internal/histcache"
	"github.com/vellum-app/vellum/internal/ui"
)

var budgetCmd = &cobra.Command{
	Use:   "budget",
	Short: "Show spend against the project's limits",
	Run: func(cmd *cobra.Command, args []string) {
		sess := mustOpenSession()
		state := sess.Ledger().State()

		ui.SectionHeader("Budget")
		fmt.Println(ui.BudgetBar(state.SpentUSD, state.SoftLimitUSD, state.HardLimitUSD))
		ui.Detail("spent", fmt.Sprintf("$%.4f", state.SpentUSD))
		ui.Detail("soft limit", fmt.Sprintf("$%.2f", state.SoftLimitUSD))
		ui.Detail("hard limit", fmt.Sprintf("$%.2f", state.HardLimitUSD))
	},
}

var historyCmd = &cobra.Command{
	Use:   "history [unit-id]",
	Short: "Show snapshot history, or the distinct versions of one unit",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		sess := mustOpenSession()
		ctx := context.Background()

		cache, err := histcache.Open(filepath.Join(projectDir, histcache.CachePath))
		if err != nil {
			fatal("%v", err)
		}
		defer cache.Close()

		// Files are the truth; re-sync before querying
		snaps, err := sess.Snapshots().List()
		if err != nil {
			fatal("%v", err)
		}
		entries, err := sess.Ledger().Entries()
		if err != nil {
			fatal("%v", err)
		}
		if err := cache.FullSync(ctx, snaps, entries); err != nil {
			fatal("%v", err)
		}

		var rows []histcache.SnapshotRow
		if len(args) == 1 {
			rows, err = cache.UnitHistory(ctx, args[0])
		} else {
			rows, err = cache.ListSnapshots(ctx, "", 50)
		}
		if err != nil {
			fatal("%v", err)
		}

		if len(rows) == 0 {
			ui.EmptyState("no history yet")
			return
		}

		table := make([][]string, 0, len(rows))
		for _, r := range rows {
			table = append(table, []string{
				r.ID,
				r.Label,
				r.CreatedAt.Local().Format("2006-01-02 15:04:05"),
				fmt.Sprintf("%d", r.UnitCount),
			})
		}
		ui.Table([]string{"SNAPSHOT", "LABEL", "CREATED", "UNITS"}, table)

		spend, err := cache.Spend(ctx)
		if err == nil && spend.EntryCount > 0 {
			ui.Detail("total spend", fmt.Sprintf("$%.4f across %d calls", spend.TotalUSD, spend.EntryCount))
		}
	},
}
