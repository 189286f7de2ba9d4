package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/unrolled/render"

	"portreg/internal/allocator"
	"portreg/internal/errdefs"
	"portreg/internal/logger"
	"portreg/internal/metrics"
	"portreg/internal/models"
	"portreg/internal/routing"
	"portreg/internal/store"
)

const (
	maxRequestBody = 64 << 10
	healthTimeout  = 2 * time.Second
)

// Handler serves the registration and routing API.
type Handler struct {
	engine    *allocator.Engine
	generator *routing.Generator
	reader    store.Reader
	domain    string
	metrics   *metrics.Metrics
	render    *render.Render
	log       zerolog.Logger

	backupEnabled bool
}

// New creates the API handler. reader backs the health check, the exports
// and, when it can snapshot itself, the backup download.
func New(engine *allocator.Engine, generator *routing.Generator, reader store.Reader, domain string, m *metrics.Metrics, log zerolog.Logger) *Handler {
	return &Handler{
		engine:    engine,
		generator: generator,
		reader:    reader,
		domain:    domain,
		metrics:   m,
		render:    render.New(),
		log:       logger.WithComponent(log, "http"),
	}
}

// EnableBackup exposes GET /api/admin/backup.
func (h *Handler) EnableBackup() *Handler {
	h.backupEnabled = true
	return h
}

// Routes wires every endpoint behind the access log.
func (h *Handler) Routes() http.Handler {
	r := mux.NewRouter()

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/register", h.RegisterHandler).Methods(http.MethodGet, http.MethodPost)
	api.HandleFunc("/ports", h.PortsHandler).Methods(http.MethodGet)
	api.HandleFunc("/ports/export/csv", h.ExportCSVHandler).Methods(http.MethodGet)
	api.HandleFunc("/ports/export/excel", h.ExportExcelHandler).Methods(http.MethodGet)
	api.HandleFunc("/devices/{mac}/ports", h.DevicePortsHandler).Methods(http.MethodGet)
	api.HandleFunc("/traefik", h.TraefikHandler).Methods(http.MethodGet)
	if h.backupEnabled {
		api.HandleFunc("/admin/backup", h.BackupDBHandler).Methods(http.MethodGet)
	}

	r.HandleFunc("/health", h.HealthHandler).Methods(http.MethodGet)
	r.Handle("/metrics", h.metrics.Handler()).Methods(http.MethodGet)

	var handler http.Handler = r
	handler = hlog.AccessHandler(func(req *http.Request, status, size int, duration time.Duration) {
		level := zerolog.InfoLevel
		if status >= http.StatusInternalServerError {
			level = zerolog.WarnLevel
		}
		hlog.FromRequest(req).WithLevel(level).
			Str("method", req.Method).
			Str("path", req.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("request")
	})(handler)
	handler = hlog.NewHandler(h.log)(handler)
	return handler
}

// RegisterHandler assigns ports to the device in the request body and
// responds with the port numbers. The body is accepted on GET as well as
// POST, as existing devices send it on GET.
func (h *Handler) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	var req models.RegisterRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(&req); err != nil {
		if err == io.EOF {
			h.error(w, r, errdefs.InvalidInput("request body is required"))
			return
		}
		h.error(w, r, errdefs.InvalidInput("malformed request body: %v", err))
		return
	}

	assigned, err := h.engine.RegisterRequest(r.Context(), req)
	if err != nil {
		h.error(w, r, err)
		return
	}
	h.render.JSON(w, http.StatusOK, models.PortNumbers(assigned))
}

// PortsHandler lists every used port.
func (h *Handler) PortsHandler(w http.ResponseWriter, r *http.Request) {
	used, err := h.engine.UsedPorts(r.Context())
	if err != nil {
		h.error(w, r, err)
		return
	}
	h.render.JSON(w, http.StatusOK, used)
}

// DevicePortsHandler lists one device's port/protocol pairs.
func (h *Handler) DevicePortsHandler(w http.ResponseWriter, r *http.Request) {
	ports, err := h.engine.DevicePorts(r.Context(), mux.Vars(r)["mac"])
	if err != nil {
		h.error(w, r, err)
		return
	}
	h.render.JSON(w, http.StatusOK, ports)
}

// TraefikHandler serves the proxy's dynamic configuration.
func (h *Handler) TraefikHandler(w http.ResponseWriter, r *http.Request) {
	format, err := routing.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		h.error(w, r, err)
		return
	}
	if h.domain == "" {
		h.error(w, r, errdefs.Internal(nil, "DOMAIN_NAME not set"))
		return
	}

	doc, err := h.generator.GenerateFormat(r.Context(), h.domain, format)
	if err != nil {
		h.error(w, r, err)
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(doc); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("writing routing document")
	}
}

// HealthHandler reports whether the store answers.
func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	if _, err := h.reader.ListUsedPorts(ctx); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("health check failed")
		h.render.JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	h.render.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// error writes err as a JSON body with the status of its kind.
func (h *Handler) error(w http.ResponseWriter, r *http.Request, err error) {
	status := errdefs.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		hlog.FromRequest(r).Error().Err(err).Int("status", status).Msg("request failed")
	} else {
		hlog.FromRequest(r).Debug().Err(err).Int("status", status).Msg("request rejected")
	}
	h.render.JSON(w, status, map[string]string{"error": err.Error()})
}
