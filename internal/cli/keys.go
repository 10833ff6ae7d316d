package cli

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/vietddude/keyproxy/internal/core/domain"
	"github.com/vietddude/keyproxy/internal/core/pool"
)

var showRaw bool

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage pooled API keys",
}

var keysAddCmd = &cobra.Command{
	Use:   "add KEY...",
	Short: "Add one or more keys",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return bulkAdd(cmd, args)
	},
}

var keysImportCmd = &cobra.Command{
	Use:   "import FILE",
	Short: "Import keys from a file of comma or newline separated keys (- for stdin)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			data []byte
			err  error
		)
		if args[0] == "-" {
			data, err = io.ReadAll(cmd.InOrStdin())
		} else {
			data, err = os.ReadFile(args[0])
		}
		if err != nil {
			return fmt.Errorf("read key list: %w", err)
		}
		return bulkAdd(cmd, pool.ParseKeyList(string(data)))
	},
}

var keysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List keys with their status and health",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openService(cmd)
		if err != nil {
			return err
		}
		defer svc.Close()

		creds, err := svc.Pool().List(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), renderKeys(creds, time.Now(), showRaw))
		return nil
	},
}

var keysDeleteCmd = &cobra.Command{
	Use:   "delete KEY",
	Short: "Remove a key from the pool",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openService(cmd)
		if err != nil {
			return err
		}
		defer svc.Close()

		if err := svc.Pool().Delete(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", domain.MaskKey(args[0]))
		return nil
	},
}

var keysReactivateCmd = &cobra.Command{
	Use:   "reactivate KEY",
	Short: "Return a cooling, disabled or expired key to the pool",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openService(cmd)
		if err != nil {
			return err
		}
		defer svc.Close()

		if err := svc.Pool().Reactivate(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Reactivated %s\n", domain.MaskKey(args[0]))
		return nil
	},
}

func init() {
	keysListCmd.Flags().BoolVar(&showRaw, "raw", false, "show full keys instead of masked ones")
	keysCmd.AddCommand(keysAddCmd, keysImportCmd, keysListCmd, keysDeleteCmd, keysReactivateCmd)
	rootCmd.AddCommand(keysCmd)
}

func bulkAdd(cmd *cobra.Command, keys []string) error {
	svc, err := openService(cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	res, err := svc.Pool().BulkAdd(cmd.Context(), keys)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Added %d, duplicate %d, invalid %d\n", res.Added, res.Duplicate, res.Invalid)
	return nil
}

func renderKeys(creds []*domain.Credential, now time.Time, raw bool) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Key", "Status", "Reason", "Health", "Uses", "Errors", "RPM", "Today", "Last Used"})

	counts := make(map[domain.Status]int)
	for _, c := range creds {
		s := c.Summarize(now, raw)
		counts[s.Status]++
		t.AppendRow(table.Row{
			s.Key,
			string(s.Status),
			s.Reason,
			fmt.Sprintf("%.2f", s.HealthScore),
			s.TotalUses,
			fmt.Sprintf("%.0f%%", s.ErrorRate*100),
			s.RequestsThisMinute,
			s.RequestsToday,
			lastUsed(s.LastUsedAt, now),
		})
	}

	summary := fmt.Sprintf("%d keys", len(creds))
	for _, status := range domain.AllStatuses {
		if n := counts[status]; n > 0 {
			summary += fmt.Sprintf(", %d %s", n, status)
		}
	}
	t.AppendFooter(table.Row{summary})
	return t.Render()
}

func lastUsed(at *time.Time, now time.Time) string {
	if at == nil {
		return "never"
	}
	return now.Sub(*at).Truncate(time.Second).String() + " ago"
}
