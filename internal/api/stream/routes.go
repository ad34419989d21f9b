package stream

import (
	"context"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ahrav/volscan/internal/infra/messaging/connections"
	"github.com/ahrav/volscan/pkg/common/logger"
)

// Hub accepts subscriber streams.
type Hub interface {
	Connect(ctx context.Context, stream connections.Stream, volumes []string) (*connections.SubscriberConnection, error)
	Serve(ctx context.Context, conn *connections.SubscriberConnection) error
}

// Config contains the dependencies needed by the websocket handler.
type Config struct {
	Log *logger.Logger
	Hub Hub
	// AllowedOrigins lists the origins permitted to subscribe. Empty means
	// same-origin only; "*" allows any origin.
	AllowedOrigins []string
	// ReadLimit bounds a single inbound message.
	ReadLimit int64
}

// Routes binds the subscriber endpoint.
func Routes(r chi.Router, cfg Config) {
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = 4096
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     checkOrigin(cfg.AllowedOrigins),
	}
	r.Get("/ws", subscribe(cfg, upgrader))
}

// subscribe upgrades the request and serves the subscriber until it leaves.
// Repeated ?volume= parameters scope the subscription.
func subscribe(cfg Config, upgrader websocket.Upgrader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		volumes := r.URL.Query()["volume"]

		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade already replied to the client.
			cfg.Log.Debug(r.Context(), "websocket upgrade failed", "error", err)
			return
		}

		// Hijacked connections are not tracked by http.Server.Shutdown; the
		// hub closes them when it shuts down.
		ctx := r.Context()
		conn, err := cfg.Hub.Connect(ctx, newWSStream(ws, cfg.ReadLimit), volumes)
		if err != nil {
			cfg.Log.Warn(ctx, "failed to register subscriber", "error", err)
			return
		}

		if err := cfg.Hub.Serve(ctx, conn); err != nil {
			cfg.Log.Debug(ctx, "subscriber disconnected", "subscriber_id", conn.ID, "error", err)
		}
	}
}

func checkOrigin(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	if slices.Contains(allowed, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return slices.ContainsFunc(allowed, func(a string) bool {
			return strings.EqualFold(a, origin) || strings.EqualFold(a, u.Host)
		})
	}
}
