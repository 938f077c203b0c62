package handler

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/sentinel-honeypot/relay/internal/breaker"
	"github.com/sentinel-honeypot/relay/internal/domain"
	"github.com/sentinel-honeypot/relay/internal/events"
	"github.com/sentinel-honeypot/relay/internal/filequeue"
	"github.com/sentinel-honeypot/relay/internal/postgres"
)

const exportPageSize = 1000

// CallbackQueue is the admin view of the persistent callback queue.
type CallbackQueue interface {
	DrainOnce(ctx context.Context) (filequeue.DrainResult, error)
	Depth() (int, error)
}

// BreakerView exposes the callback breaker state.
type BreakerView interface {
	Snapshot() breaker.Snapshot
}

// RecentEvents reads the latest audit events.
type RecentEvents interface {
	Recent(ctx context.Context, n int) ([]events.Event, error)
}

// ReadyCheck reports whether a dependency is usable.
type ReadyCheck func(ctx context.Context) error

// REST serves the relay admin API.
type REST struct {
	repo    postgres.OutgoingRepository // nil when no database is configured
	queue   CallbackQueue
	breaker BreakerView
	recent  RecentEvents // nil when Redis is disabled
	events  events.Emitter
	ready   []ReadyCheck
	logger  *slog.Logger
}

// Option configures REST.
type Option func(*REST)

func WithRecentEvents(r RecentEvents) Option { return func(h *REST) { h.recent = r } }
func WithReadyCheck(c ReadyCheck) Option     { return func(h *REST) { h.ready = append(h.ready, c) } }
func WithLogger(l *slog.Logger) Option       { return func(h *REST) { h.logger = l } }

// NewREST creates a new REST handler.
func NewREST(repo postgres.OutgoingRepository, queue CallbackQueue, br BreakerView, emitter events.Emitter, opts ...Option) *REST {
	if emitter == nil {
		emitter = events.Discard
	}
	h := &REST{repo: repo, queue: queue, breaker: br, events: emitter, logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// OutgoingListResponse is the GET /admin/outgoing response body.
type OutgoingListResponse struct {
	Items    []*domain.OutgoingMessage `json:"items"`
	Total    int                       `json:"total"`
	Page     int                       `json:"page"`
	PageSize int                       `json:"page_size"`
}

// QueueStatusResponse is the GET /admin/callback-queue response body.
type QueueStatusResponse struct {
	Depth int `json:"depth"`
}

// Routes mounts the admin endpoints on r.
func (h *REST) Routes(r chi.Router) {
	r.Route("/outgoing", func(r chi.Router) {
		r.Get("/", h.ListOutgoing)
		r.Get("/export.csv", h.ExportOutgoingCSV)
		r.Get("/{id}", h.GetOutgoing)
		r.Post("/{id}/retry", h.RetryOutgoing)
		r.Delete("/{id}", h.DeleteOutgoing)
	})
	r.Get("/callback-queue", h.QueueStatus)
	r.Post("/callback-queue/drain", h.DrainQueue)
	r.Get("/breaker", h.BreakerState)
	r.Get("/events/recent", h.ListRecentEvents)
}

// ListOutgoing handles GET /admin/outgoing?status=&q=&page=&page_size=.
func (h *REST) ListOutgoing(w http.ResponseWriter, r *http.Request) {
	if !h.requireRepo(w) {
		return
	}
	filter, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	items, total, err := h.repo.List(r.Context(), filter)
	if err != nil {
		h.logger.Error("list outgoing failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list outgoing messages")
		return
	}
	if items == nil {
		items = []*domain.OutgoingMessage{}
	}
	writeJSON(w, http.StatusOK, OutgoingListResponse{
		Items:    items,
		Total:    total,
		Page:     filter.Page,
		PageSize: filter.PageSize,
	})
}

// ExportOutgoingCSV handles GET /admin/outgoing/export.csv with the same filters as the listing.
func (h *REST) ExportOutgoingCSV(w http.ResponseWriter, r *http.Request) {
	if !h.requireRepo(w) {
		return
	}
	filter, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter.PageSize = exportPageSize

	first, total, err := h.repo.List(r.Context(), filter)
	if err != nil {
		h.logger.Error("export outgoing failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to export outgoing messages")
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="outgoing_messages.csv"`)
	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"id", "session_id", "content", "status", "created_at", "updated_at"})

	page, written := first, 0
	for {
		for _, m := range page {
			updated := ""
			if m.UpdatedAt != nil {
				updated = m.UpdatedAt.UTC().Format(time.RFC3339)
			}
			_ = cw.Write([]string{
				strconv.FormatInt(m.ID, 10),
				m.SessionID,
				m.Content,
				string(m.Status),
				m.CreatedAt.UTC().Format(time.RFC3339),
				updated,
			})
		}
		written += len(page)
		if len(page) == 0 || written >= total {
			break
		}
		filter.Page++
		page, _, err = h.repo.List(r.Context(), filter)
		if err != nil {
			// Headers are already sent; truncate the export.
			h.logger.Error("export outgoing page failed", slog.Int("page", filter.Page), slog.String("error", err.Error()))
			break
		}
	}
	cw.Flush()
}

// GetOutgoing handles GET /admin/outgoing/{id}.
func (h *REST) GetOutgoing(w http.ResponseWriter, r *http.Request) {
	if !h.requireRepo(w) {
		return
	}
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	msg, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		h.writeRepoError(w, err, "failed to retrieve outgoing message")
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

// RetryOutgoing handles POST /admin/outgoing/{id}/retry: the row goes back to
// queued and is picked up by the next worker pass.
func (h *REST) RetryOutgoing(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("admin").Start(r.Context(), "admin.retry_outgoing")
	defer span.End()

	if !h.requireRepo(w) {
		return
	}
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	span.SetAttributes(attribute.Int64("outgoing.id", id))

	if err := h.repo.Requeue(ctx, id); err != nil {
		h.writeRepoError(w, err, "failed to requeue outgoing message")
		return
	}
	h.events.Emit(ctx, events.OutgoingRetry, map[string]any{"id": id})
	h.logger.Info("outgoing message requeued", slog.Int64("id", id))
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": domain.StatusQueued})
}

// DeleteOutgoing handles DELETE /admin/outgoing/{id}.
func (h *REST) DeleteOutgoing(w http.ResponseWriter, r *http.Request) {
	if !h.requireRepo(w) {
		return
	}
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	if err := h.repo.Delete(r.Context(), id); err != nil {
		h.writeRepoError(w, err, "failed to delete outgoing message")
		return
	}
	h.events.Emit(r.Context(), events.OutgoingDeleted, map[string]any{"id": id})
	h.logger.Info("outgoing message deleted", slog.Int64("id", id))
	w.WriteHeader(http.StatusNoContent)
}

// QueueStatus handles GET /admin/callback-queue.
func (h *REST) QueueStatus(w http.ResponseWriter, _ *http.Request) {
	depth, err := h.queue.Depth()
	if err != nil {
		h.logger.Error("read callback queue failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to read callback queue")
		return
	}
	writeJSON(w, http.StatusOK, QueueStatusResponse{Depth: depth})
}

// DrainQueue handles POST /admin/callback-queue/drain: one synchronous drain pass.
func (h *REST) DrainQueue(w http.ResponseWriter, r *http.Request) {
	res, err := h.queue.DrainOnce(r.Context())
	if err != nil {
		h.logger.Error("manual drain failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "drain failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// BreakerState handles GET /admin/breaker.
func (h *REST) BreakerState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.breaker.Snapshot())
}

// ListRecentEvents handles GET /admin/events/recent?limit=.
func (h *REST) ListRecentEvents(w http.ResponseWriter, r *http.Request) {
	if h.recent == nil {
		writeError(w, http.StatusServiceUnavailable, "recent events require redis")
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	evs, err := h.recent.Recent(r.Context(), limit)
	if err != nil {
		h.logger.Error("read recent events failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to read recent events")
		return
	}
	if evs == nil {
		evs = []events.Event{}
	}
	writeJSON(w, http.StatusOK, evs)
}

// Healthz handles GET /healthz.
func (h *REST) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz handles GET /readyz and runs every registered ready check.
func (h *REST) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	for _, check := range h.ready {
		if err := check(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *REST) requireRepo(w http.ResponseWriter) bool {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "outgoing store is not configured")
		return false
	}
	return true
}

func (h *REST) writeRepoError(w http.ResponseWriter, err error, msg string) {
	var notFound *domain.OutgoingNotFoundError
	if errors.As(err, &notFound) {
		writeError(w, http.StatusNotFound, "outgoing message not found")
		return
	}
	h.logger.Error(msg, slog.String("error", err.Error()))
	writeError(w, http.StatusInternalServerError, msg)
}

func parseID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "id must be a positive integer")
		return 0, false
	}
	return id, true
}

func parseFilter(r *http.Request) (domain.OutgoingFilter, error) {
	q := r.URL.Query()
	var f domain.OutgoingFilter
	if raw := q.Get("status"); raw != "" {
		s, err := domain.ParseOutgoingStatus(raw)
		if err != nil {
			return f, err
		}
		f.Status = s
	}
	f.Query = q.Get("q")
	if raw := q.Get("page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return f, errors.New("page must be an integer")
		}
		f.Page = n
	}
	if raw := q.Get("page_size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return f, errors.New("page_size must be an integer")
		}
		f.PageSize = n
	}
	return f.Normalize(), nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
