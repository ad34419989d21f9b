// Package scanning binds the scan, job, cache and method endpoints.
package scanning

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ahrav/volscan/internal/api/web"
	appscanning "github.com/ahrav/volscan/internal/app/scanning"
	"github.com/ahrav/volscan/internal/domain/scanning"
	"github.com/ahrav/volscan/pkg/common/logger"
)

// Service is the scan scheduler as seen by the handlers.
type Service interface {
	ScanSync(ctx context.Context, volumeID string) (scanning.ScanResult, error)
	ScanAsync(ctx context.Context, volumeID string) (uuid.UUID, error)
	BulkScan(ctx context.Context, volumeIDs []string, async bool) appscanning.BulkResult
	GetProgress(ctx context.Context, scanID uuid.UUID) (scanning.ScanJob, error)
	GetProgressByVolume(ctx context.Context, volumeID string) (scanning.ScanJob, error)
	CancelScan(ctx context.Context, scanID uuid.UUID) error
	ClearCache(ctx context.Context, volumeID string) error
	GetAvailableMethods() []scanning.MethodInfo
	Stats() appscanning.Stats
}

// Metrics records scan request outcomes.
type Metrics interface {
	IncScanRequestsTotal(ctx context.Context, mode string)
	IncScanRequestErrors(ctx context.Context, code string)
}

// Config contains the dependencies needed by the scan handlers.
type Config struct {
	Log     *logger.Logger
	Service Service
	History scanning.HistoryReader
	Metrics Metrics
	// RetryAfter is advertised on retryable failures.
	RetryAfter time.Duration
	// HistoryLimit is the default and maximum number of history records returned.
	HistoryLimit int
}

// Routes binds all the scan endpoints.
func Routes(r chi.Router, cfg Config) {
	h := handlers{cfg: cfg}

	r.Route("/volumes/{id}", func(r chi.Router) {
		r.Post("/scan", h.scanVolume)
		r.Get("/progress", h.volumeProgress)
		r.Delete("/cache", h.clearCache)
		r.Get("/history", h.history)
	})
	r.Post("/scans/bulk", h.bulkScan)
	r.Get("/scans/{scanID}", h.getScan)
	r.Delete("/scans/{scanID}", h.cancelScan)
	r.Get("/methods", h.methods)
	r.Get("/stats", h.stats)
}

type handlers struct {
	cfg Config
}

func (h handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	e := web.RespondError(w, err, h.cfg.RetryAfter)
	if e.Status >= http.StatusInternalServerError {
		h.cfg.Log.Warn(r.Context(), "request failed", "path", r.URL.Path, "code", e.Body.Code, "error", err)
	}
}

// asyncResponse acknowledges an accepted asynchronous scan.
type asyncResponse struct {
	ScanID    string `json:"scan_id"`
	VolumeID  string `json:"volume_id"`
	StatusURL string `json:"status_url"`
}

func (h handlers) scanVolume(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	volumeID := chi.URLParam(r, "id")

	async, err := parseBool(r.URL.Query().Get("async"))
	if err != nil {
		h.fail(w, r, web.InvalidArgument(fmt.Errorf("async: %w", err)))
		return
	}

	if async {
		h.cfg.Metrics.IncScanRequestsTotal(ctx, "async")
		// The scan outlives the request.
		scanID, err := h.cfg.Service.ScanAsync(context.WithoutCancel(ctx), volumeID)
		if err != nil {
			h.cfg.Metrics.IncScanRequestErrors(ctx, scanning.CodeOf(err).String())
			h.fail(w, r, err)
			return
		}
		web.Respond(w, http.StatusAccepted, asyncResponse{
			ScanID:    scanID.String(),
			VolumeID:  volumeID,
			StatusURL: "/v1/scans/" + scanID.String(),
		})
		return
	}

	h.cfg.Metrics.IncScanRequestsTotal(ctx, "sync")
	res, err := h.cfg.Service.ScanSync(ctx, volumeID)
	if err != nil {
		h.cfg.Metrics.IncScanRequestErrors(ctx, scanning.CodeOf(err).String())
		h.fail(w, r, err)
		return
	}
	web.Respond(w, http.StatusOK, res)
}

func (h handlers) volumeProgress(w http.ResponseWriter, r *http.Request) {
	job, err := h.cfg.Service.GetProgressByVolume(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	web.Respond(w, http.StatusOK, job)
}

func (h handlers) clearCache(w http.ResponseWriter, r *http.Request) {
	if err := h.cfg.Service.ClearCache(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, err)
		return
	}
	web.Respond(w, http.StatusNoContent, nil)
}

func (h handlers) history(w http.ResponseWriter, r *http.Request) {
	limit := h.cfg.HistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			h.fail(w, r, web.InvalidArgument(fmt.Errorf("limit must be a positive integer")))
			return
		}
		limit = min(n, h.cfg.HistoryLimit)
	}

	records, err := h.cfg.History.RecentScans(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if records == nil {
		records = []scanning.HistoryRecord{}
	}
	web.Respond(w, http.StatusOK, records)
}

func (h handlers) getScan(w http.ResponseWriter, r *http.Request) {
	scanID, ok := h.scanID(w, r)
	if !ok {
		return
	}

	job, err := h.cfg.Service.GetProgress(r.Context(), scanID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	web.Respond(w, http.StatusOK, job)
}

// cancelResponse acknowledges a cancellation request.
type cancelResponse struct {
	ScanID string `json:"scan_id"`
	Status string `json:"status"`
}

func (h handlers) cancelScan(w http.ResponseWriter, r *http.Request) {
	scanID, ok := h.scanID(w, r)
	if !ok {
		return
	}

	if err := h.cfg.Service.CancelScan(r.Context(), scanID); err != nil {
		h.fail(w, r, err)
		return
	}
	web.Respond(w, http.StatusAccepted, cancelResponse{ScanID: scanID.String(), Status: "cancelling"})
}

func (h handlers) scanID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "scanID"))
	if err != nil {
		h.fail(w, r, web.InvalidArgument(fmt.Errorf("scan id: %w", err)))
		return uuid.Nil, false
	}
	return id, true
}

// bulkRequest asks for several volumes at once.
type bulkRequest struct {
	VolumeIDs []string `json:"volume_ids" validate:"required,min=1,max=256,dive,required"`
	Async     bool     `json:"async"`
}

// bulkResponse reports each volume under exactly one of its maps.
type bulkResponse struct {
	Succeeded map[string]scanning.ScanResult `json:"succeeded"`
	ScanIDs   map[string]string              `json:"scan_ids,omitempty"`
	Failed    map[string]web.ErrorResponse   `json:"failed"`
}

func (h handlers) bulkScan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req bulkRequest
	if err := web.Decode(r, &req); err != nil {
		h.fail(w, r, web.InvalidArgument(err))
		return
	}

	mode := "bulk_sync"
	scanCtx := ctx
	if req.Async {
		mode = "bulk_async"
		scanCtx = context.WithoutCancel(ctx)
	}
	h.cfg.Metrics.IncScanRequestsTotal(ctx, mode)

	res := h.cfg.Service.BulkScan(scanCtx, req.VolumeIDs, req.Async)

	resp := bulkResponse{
		Succeeded: res.Succeeded,
		ScanIDs:   res.ScanIDs,
		Failed:    make(map[string]web.ErrorResponse, len(res.Failed)),
	}
	if resp.Succeeded == nil {
		resp.Succeeded = map[string]scanning.ScanResult{}
	}
	for id, se := range res.Failed {
		h.cfg.Metrics.IncScanRequestErrors(ctx, se.Code.String())
		resp.Failed[id] = web.FromError(se, h.cfg.RetryAfter).Body
	}
	web.Respond(w, http.StatusOK, resp)
}

func (h handlers) methods(w http.ResponseWriter, r *http.Request) {
	web.Respond(w, http.StatusOK, h.cfg.Service.GetAvailableMethods())
}

func (h handlers) stats(w http.ResponseWriter, r *http.Request) {
	web.Respond(w, http.StatusOK, h.cfg.Service.Stats())
}

func parseBool(v string) (bool, error) {
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, errors.New("must be a boolean")
	}
	return b, nil
}
