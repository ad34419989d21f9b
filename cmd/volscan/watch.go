package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/volscan/internal/config"
	"github.com/ahrav/volscan/internal/domain/events"
	dispatcher "github.com/ahrav/volscan/internal/infra/event_dispatcher"
	"github.com/ahrav/volscan/pkg/common/logger"
	"github.com/ahrav/volscan/pkg/wsclient"
)

type watchOptions struct {
	url         string
	volumes     []string
	maxAttempts int
}

func newWatchCmd(root *rootOptions) *cobra.Command {
	opts := &watchOptions{}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream scan events from a running server",
		Long: `Subscribe to a server's event stream and print scan lifecycle events as
they arrive. The connection is re-established with backoff when it drops.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load(cmd)
			if err != nil {
				return err
			}
			log := newLogger(cmd.ErrOrStderr(), cfg, "watch")

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			url := opts.url
			if url == "" {
				url = streamURL(cfg)
			}

			d := newEventPrinter(ctx, cmd.OutOrStdout(), log)
			client := wsclient.New(wsclient.Config{
				URL:         url,
				Volumes:     opts.volumes,
				MaxAttempts: opts.maxAttempts,
			}, log,
				wsclient.WithEventHandler(func(ctx context.Context, evt events.Event) {
					var notFound *dispatcher.HandlerNotFoundError
					if err := d.Dispatch(ctx, evt); err != nil && !errors.As(err, &notFound) {
						log.Warn(ctx, "failed to print event", "event_type", evt.Type, "error", err)
					}
				}),
				wsclient.WithStateHandler(func(ch wsclient.StateChange) {
					switch ch.State {
					case wsclient.StateOpen:
						fmt.Fprintf(cmd.ErrOrStderr(), "connected to %s\n", url)
					case wsclient.StateReconnecting:
						fmt.Fprintf(cmd.ErrOrStderr(), "connection lost, reconnecting (attempt %d)\n", ch.Attempt)
					}
				}),
			)

			return client.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&opts.url, "url", "", "event stream URL (default derived from server.addr)")
	cmd.Flags().StringSliceVar(&opts.volumes, "volume", nil, "only stream events for these volumes")
	cmd.Flags().IntVar(&opts.maxAttempts, "max-attempts", 5, "reconnection attempts before giving up")
	return cmd
}

// streamURL points at the local server's websocket endpoint.
func streamURL(cfg *config.Config) string {
	host, port, err := net.SplitHostPort(cfg.Server.Addr)
	if err != nil {
		return "ws://" + cfg.Server.Addr + "/v1/ws"
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "ws://" + net.JoinHostPort(host, port) + "/v1/ws"
}

// newEventPrinter routes each event type to a line printer on w.
func newEventPrinter(ctx context.Context, w io.Writer, log *logger.Logger) *dispatcher.Dispatcher {
	d := dispatcher.New(noop.NewTracerProvider().Tracer("volscan"), log)

	d.RegisterHandler(ctx, events.EventTypeScanProgress, func(_ context.Context, evt events.Event) error {
		var p events.ScanProgressPayload
		if err := evt.Decode(&p); err != nil {
			return err
		}
		_, err := fmt.Fprintf(w, "%s  %-10s %s %s %.0f%% %s files\n",
			evt.Timestamp.Format("15:04:05"), "progress", evt.VolumeID, p.Status,
			p.Progress*100, humanize.Comma(p.FilesScanned))
		return err
	})

	d.RegisterHandler(ctx, events.EventTypeScanComplete, func(_ context.Context, evt events.Event) error {
		var p events.ScanCompletePayload
		if err := evt.Decode(&p); err != nil {
			return err
		}
		_, err := fmt.Fprintf(w, "%s  %-10s %s %s (%s files, %s)\n",
			evt.Timestamp.Format("15:04:05"), "complete", evt.VolumeID, p.HumanSize,
			humanize.Comma(p.FileCount), p.Method)
		return err
	})

	d.RegisterHandler(ctx, events.EventTypeScanError, func(_ context.Context, evt events.Event) error {
		var p events.ScanErrorPayload
		if err := evt.Decode(&p); err != nil {
			return err
		}
		_, err := fmt.Fprintf(w, "%s  %-10s %s %s: %s\n",
			evt.Timestamp.Format("15:04:05"), "error", evt.VolumeID, p.Code, p.Message)
		return err
	})

	d.RegisterHandler(ctx, events.EventTypeVolumeUpdate, func(_ context.Context, evt events.Event) error {
		var p events.VolumeUpdatePayload
		if err := evt.Decode(&p); err != nil {
			return err
		}
		_, err := fmt.Fprintf(w, "%s  %-10s %d volumes\n",
			evt.Timestamp.Format("15:04:05"), "inventory", len(p.Volumes))
		return err
	})

	return d
}
