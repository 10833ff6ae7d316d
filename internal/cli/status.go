package cli

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/vietddude/keyproxy/internal/core/domain"
	"github.com/vietddude/keyproxy/internal/core/pool"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show how many keys are in each status",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run pool maintenance once: reclaim cooled keys, recover stale locks, reset daily quotas, probe disabled keys",
	Args:  cobra.NoArgs,
	RunE:  runSweep,
}

func init() {
	rootCmd.AddCommand(statusCmd, sweepCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	svc, err := openService(cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	counts, err := svc.Pool().Counts(cmd.Context())
	if err != nil {
		return err
	}

	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Status", "Keys", "Meaning"})
	total := 0
	for _, status := range domain.AllStatuses {
		total += counts[status]
		t.AppendRow(table.Row{string(status), counts[status], pool.StateDescription(status)})
	}
	t.AppendFooter(table.Row{"total", total, ""})
	fmt.Fprintln(cmd.OutOrStdout(), t.Render())
	return nil
}

func runSweep(cmd *cobra.Command, args []string) error {
	svc, err := openService(cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	report, err := svc.Sweeper().Sweep(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), renderSweep(report))
	return nil
}

func renderSweep(r pool.SweepReport) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Step", "Keys"})
	t.AppendRows([]table.Row{
		{"cooldowns reclaimed", r.Reclaimed},
		{"stale locks recovered", r.RecoveredLocks},
		{"daily quotas reset", r.DailyReset},
		{"disabled keys probed", r.Probed},
		{"probed keys reactivated", r.Reactivated},
	})
	return t.Render()
}
