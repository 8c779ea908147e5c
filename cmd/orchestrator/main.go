// Command orchestrator runs the extension scan orchestrator: the HTTP API,
// queue workers, and the leader-only recovery and watchdog passes.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/eclipse/openvsx-scan-orchestrator/pkg/common/logger"
	"github.com/eclipse/openvsx-scan-orchestrator/pkg/common/otel"
)

var build = "develop"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	envFile    string
}

func newRootCmd() *cobra.Command {
	opts := new(rootOptions)
	cmd := &cobra.Command{
		Use:           "orchestrator",
		Short:         "Scans published extension packages before they are activated",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", os.Getenv("OVSX_SCAN_CONFIG"), "path to the YAML configuration file")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before the configuration")

	cmd.AddCommand(
		newServeCmd(opts),
		newMigrateCmd(opts),
		newAllowCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), build)
		},
	}
}

// newLogger builds the process logger. Error records are mirrored to stderr
// as JSON events.
func newLogger(serviceName, level string) *logger.Logger {
	hostname, _ := os.Hostname()

	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}
			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}
			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n", r.Message, errorAttrsJSON)
		},
	}

	metadata := map[string]string{
		"service":   serviceName,
		"hostname":  hostname,
		"pod":       os.Getenv("POD_NAME"),
		"namespace": os.Getenv("POD_NAMESPACE"),
		"version":   build,
	}

	return logger.NewWithMetadata(os.Stdout, logger.ParseLevel(level), serviceName,
		func(ctx context.Context) string { return otel.GetTraceID(ctx) }, logEvents, metadata)
}
