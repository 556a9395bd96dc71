package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/warp/points-ledger/points"
)

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Expire every grant past its expiry and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			ledger, closeStore, err := openLedger(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer closeStore()

			now := ledger.Now()
			if at, _ := cmd.Flags().GetString("at"); at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("invalid --at: %w", err)
				}
				now = t.UTC()
			}

			report, err := ledger.SweepExpired(cmd.Context(), now)
			if err != nil {
				return err
			}
			return printJSON(cmd, report)
		},
	}
	cmd.Flags().String("at", "", "sweep as of this past RFC 3339 instant instead of now")
	return cmd
}

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit [member...]",
		Short: "Compare account summaries with the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			ledger, closeStore, err := openLedger(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer closeStore()

			members := make([]points.MemberID, len(args))
			for i, a := range args {
				members[i] = points.MemberID(a)
			}

			report, err := ledger.Audit(cmd.Context(), members...)
			if err != nil {
				return err
			}
			if err := printJSON(cmd, report); err != nil {
				return err
			}
			if !report.OK() {
				return fmt.Errorf("%d of %d accounts disagree with the ledger", len(report.Violations), report.Checked)
			}
			return nil
		},
	}
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
