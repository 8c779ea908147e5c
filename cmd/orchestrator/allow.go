package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func newAllowCmd(opts *rootOptions) *cobra.Command {
	var admin string
	cmd := &cobra.Command{
		Use:   "allow <scan-id>",
		Short: "Record an admin decision allowing a quarantined scan and activate the extension",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scanID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || scanID <= 0 {
				return fmt.Errorf("invalid scan id %q", args[0])
			}

			ctx := cmd.Context()
			_, cfg, err := loadConfig(ctx, opts)
			if err != nil {
				return err
			}
			log := newLogger(cfg.Service.Name, cfg.Service.LogLevel)

			a, err := newApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			details, err := a.svc.Orchestrator.AdminAllowScan(ctx, scanID, admin)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"scan_id":          details.Scan.ID(),
				"extension":        details.Scan.Extension().String(),
				"status":           details.Scan.Status().String(),
				"effective_status": details.EffectiveStatus.String(),
				"admin_decisions":  details.AdminDecisions,
			})
		},
	}
	cmd.Flags().StringVar(&admin, "admin", "", "login name of the admin allowing the scan")
	_ = cmd.MarkFlagRequired("admin")
	return cmd
}
