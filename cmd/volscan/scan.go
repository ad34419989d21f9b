package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"slices"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/volscan/internal/app/broadcast"
	appscanning "github.com/ahrav/volscan/internal/app/scanning"
	"github.com/ahrav/volscan/internal/domain/events"
	"github.com/ahrav/volscan/internal/domain/scanning"
	"github.com/ahrav/volscan/internal/infra/eventbus/memory"
	"github.com/ahrav/volscan/pkg/common/otel"
)

type scanOptions struct {
	json     bool
	progress bool
}

func newScanCmd(root *rootOptions) *cobra.Command {
	opts := &scanOptions{}

	cmd := &cobra.Command{
		Use:   "scan <volume>...",
		Short: "Measure one or more volumes and print their sizes",
		Long: `Measure the given volumes concurrently and print a summary table. The
command exits non-zero when any volume fails.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load(cmd)
			if err != nil {
				return err
			}
			log := newLogger(cmd.ErrOrStderr(), cfg, "scan")

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			tracer := noop.NewTracerProvider().Tracer(cfg.Telemetry.ServiceName)
			mp, err := otel.NewMeterProvider(cfg.Telemetry.ServiceName)
			if err != nil {
				return err
			}

			var broadcaster scanning.EventBroadcaster
			if opts.progress {
				hubMetrics, err := broadcast.NewHubMetrics(mp)
				if err != nil {
					return err
				}

				sink := memory.NewSink(0)
				if err := sink.Subscribe(ctx, progressPrinter(cmd.ErrOrStderr())); err != nil {
					return err
				}

				hub := broadcast.NewHub(hubConfig(cfg), hubMetrics, tracer, log, broadcast.WithSinks(sink))
				hub.Start(ctx)
				defer hub.Close(context.Background())
				broadcaster = hub
			}

			eng, err := newEngine(ctx, cfg, broadcaster, appscanning.NewCounterMetrics(log), tracer, log)
			if err != nil {
				return err
			}
			defer eng.scheduler.Close(context.Background())

			ctx, span := otel.AddSpan(ctx, tracer, "volscan.scan", attribute.Int("volumes", len(args)))
			res := eng.scheduler.BulkScan(ctx, args, false)
			span.End()

			out := cmd.OutOrStdout()
			if opts.json {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(res); err != nil {
					return err
				}
			} else {
				printResults(out, args, res)
			}

			if n := len(res.Failed); n > 0 {
				return fmt.Errorf("%d of %d volumes failed", n, len(res.Failed)+len(res.Succeeded))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&opts.json, "json", false, "print results as JSON")
	cmd.Flags().BoolVar(&opts.progress, "progress", false, "report scan progress on stderr")
	return cmd
}

// printResults writes a table of successes in argument order followed by one
// line per failure.
func printResults(w io.Writer, order []string, res appscanning.BulkResult) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "VOLUME\tSIZE\tFILES\tDIRS\tMETHOD\tDURATION\tCACHED")

	seen := make(map[string]bool, len(order))
	for _, id := range order {
		if seen[id] {
			continue
		}
		seen[id] = true

		r, ok := res.Succeeded[id]
		if !ok {
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%t\n",
			id,
			humanize.IBytes(uint64(max(r.TotalSize, 0))),
			humanize.Comma(r.FileCount),
			humanize.Comma(r.DirectoryCount),
			r.Method,
			r.Duration.Round(time.Millisecond),
			r.CacheHit,
		)
	}
	tw.Flush()

	failed := make([]string, 0, len(res.Failed))
	for id := range res.Failed {
		failed = append(failed, id)
	}
	slices.Sort(failed)
	for _, id := range failed {
		fmt.Fprintf(w, "%s: %v\n", id, res.Failed[id])
	}
}

// progressPrinter renders scan lifecycle events as single status lines.
func progressPrinter(w io.Writer) memory.HandlerFunc {
	return func(_ context.Context, evt events.Event, _ events.PublishParams) error {
		switch evt.Type {
		case events.EventTypeScanProgress:
			var p events.ScanProgressPayload
			if err := evt.Decode(&p); err != nil {
				return err
			}
			fmt.Fprintf(w, "%s: %s %.0f%% (%s files)\n",
				evt.VolumeID, p.Status, p.Progress*100, humanize.Comma(p.FilesScanned))
		case events.EventTypeScanComplete:
			var p events.ScanCompletePayload
			if err := evt.Decode(&p); err != nil {
				return err
			}
			fmt.Fprintf(w, "%s: done, %s via %s\n", evt.VolumeID, p.HumanSize, p.Method)
		case events.EventTypeScanError:
			var p events.ScanErrorPayload
			if err := evt.Decode(&p); err != nil {
				return err
			}
			fmt.Fprintf(w, "%s: failed (%s) %s\n", evt.VolumeID, p.Code, p.Message)
		}
		return nil
	}
}
