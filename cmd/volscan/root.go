package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ahrav/volscan/internal/config"
	"github.com/ahrav/volscan/pkg/common/logger"
	"github.com/ahrav/volscan/pkg/common/otel"
)

// rootOptions carries the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "volscan",
		Short: "Measure Docker volume sizes",
		Long: `volscan measures the on-disk size of Docker volumes. It picks the fastest
available measurement method, caches results, and streams scan lifecycle
events to websocket subscribers.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "",
		"config file (default is ./volscan.yaml or /etc/volscan/volscan.yaml)")
	cmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn or error")
	cmd.PersistentFlags().String("volumes-root", "", "directory holding one subdirectory per volume")

	cmd.AddCommand(
		newServeCmd(opts),
		newScanCmd(opts),
		newMethodsCmd(opts),
		newConfigCmd(opts),
		newWatchCmd(opts),
	)
	return cmd
}

// load reads the configuration with cmd's flags layered on top of file and
// environment values.
func (o *rootOptions) load(cmd *cobra.Command) (*config.Config, error) {
	loader := config.NewViperLoader(o.configPath)
	v := loader.Viper()

	flags := map[string]string{
		"log.level":    "log-level",
		"volumes.root": "volumes-root",
	}
	for key, name := range flags {
		f := cmd.Flags().Lookup(name)
		if f == nil || !f.Changed {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return nil, fmt.Errorf("binding flag %s: %w", name, err)
		}
	}

	return loader.Load(cmd.Context())
}

// newLogger builds the process logger. Error records are also reported to
// stderr as a JSON event carrying the trace id.
func newLogger(w io.Writer, cfg *config.Config, app string) *logger.Logger {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

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
		"hostname": hostname,
		"app":      app,
		"build":    build,
	}

	return logger.NewWithMetadata(w, logger.ParseLevel(cfg.Log.Level), cfg.Telemetry.ServiceName,
		otel.GetTraceID, logEvents, metadata)
}
