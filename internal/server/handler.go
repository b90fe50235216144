package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/malbeclabs/servicegraph/internal/engine"
	"github.com/malbeclabs/servicegraph/internal/params"
)

const (
	HealthPath      = "/health"
	ReadyzPath      = "/readyz"
	SubmitPath      = "/submit"
	QueryPath       = "/query"
	ActiveNodesPath = "/active-nodes"
	ServiceMapPath  = "/service-map"
	HistogramPath   = "/histogram"
)

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

type Handler struct {
	log *slog.Logger
	cfg Config
}

func NewHandler(log *slog.Logger, cfg Config) (*Handler, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("handler config validation failed: %w", err)
	}
	return &Handler{log: log, cfg: cfg}, nil
}

func (h *Handler) Register(r chi.Router) {
	r.Get(HealthPath, h.healthHandler)
	r.Get(ReadyzPath, h.readyzHandler)
	r.Post(SubmitPath, h.submitHandler)
	r.Post(SubmitPath+"/", h.submitHandler)
	r.Post(QueryPath, h.queryHandler)
	r.Post(ActiveNodesPath, h.activeNodesHandler)
	r.Post(ServiceMapPath, h.serviceMapHandler)
	r.Post(HistogramPath, h.histogramHandler)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeJSONError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, ErrorResponse{Error: msg, Code: status})
}

// decode reads a JSON request body into v, writing the error response itself on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var mbe *http.MaxBytesError
		switch {
		case errors.As(err, &mbe):
			h.writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		case errors.Is(err, io.EOF):
			h.writeJSONError(w, http.StatusBadRequest, "empty request body")
		default:
			h.writeJSONError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		}
		return false
	}
	return true
}

// writeResult maps an operation outcome to a response. Validation failures are reported to the
// client; every other failure is logged and reported generically.
func (h *Handler) writeResult(w http.ResponseWriter, r *http.Request, op string, v any, err error) {
	switch {
	case err == nil:
		h.writeJSON(w, http.StatusOK, v)
	case errors.Is(err, engine.ErrInvalidRequest):
		h.writeJSONError(w, http.StatusBadRequest, err.Error())
	default:
		h.log.Error("request failed", "op", op, "path", r.URL.Path, "error", err)
		h.writeJSONError(w, http.StatusInternalServerError, op+" failed")
	}
}

func (h *Handler) submitHandler(w http.ResponseWriter, r *http.Request) {
	var req engine.SubmitRequest
	if !h.decode(w, r, &req) {
		return
	}
	err := h.cfg.Service.Submit(r.Context(), req)
	h.writeResult(w, r, "submit", struct{}{}, err)
}

func (h *Handler) queryHandler(w http.ResponseWriter, r *http.Request) {
	var req params.GraphRequest
	if !h.decode(w, r, &req) {
		return
	}
	g, err := h.cfg.Service.QueryGraph(r.Context(), req)
	h.writeResult(w, r, "query", g, err)
}

func (h *Handler) activeNodesHandler(w http.ResponseWriter, r *http.Request) {
	var req params.ActiveNodesRequest
	if !h.decode(w, r, &req) {
		return
	}
	nodes, err := h.cfg.Service.QueryActiveNodes(r.Context(), req)
	h.writeResult(w, r, "active nodes", nodes, err)
}

func (h *Handler) serviceMapHandler(w http.ResponseWriter, r *http.Request) {
	var req params.ServiceMapRequest
	if !h.decode(w, r, &req) {
		return
	}
	sm, err := h.cfg.Service.QueryServiceMap(r.Context(), req)
	h.writeResult(w, r, "service map", sm, err)
}

func (h *Handler) histogramHandler(w http.ResponseWriter, r *http.Request) {
	var req params.HistogramRequest
	if !h.decode(w, r, &req) {
		return
	}
	hist, err := h.cfg.Service.QueryHistogram(r.Context(), req)
	h.writeResult(w, r, "histogram", hist, err)
}

func (h *Handler) healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, h.cfg.Service.Health())
}

func (h *Handler) readyzHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.cfg.Service.Ready(r.Context()); err != nil {
		h.log.Warn("readiness check failed", "error", err)
		h.writeJSONError(w, http.StatusServiceUnavailable, "not ready")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}
