package runtime

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/drblury/ticketbus/internal/runtime/breaker"
	"github.com/drblury/ticketbus/internal/runtime/deadletter"
	errspkg "github.com/drblury/ticketbus/internal/runtime/errors"
	"github.com/drblury/ticketbus/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/ticketbus/internal/runtime/logging"
)

type breakerView struct {
	Status  breaker.Status  `json:"status"`
	Metrics breaker.Metrics `json:"metrics"`
}

type retryResult struct {
	ID      string `json:"id"`
	Retried bool   `json:"retried"`
	Error   string `json:"error,omitempty"`
}

// registerAdminAPI mounts the read and maintenance endpoints on AdminPort.
func (s *Service) registerAdminAPI() {
	port := s.Conf.AdminPort
	routes := map[string]http.HandlerFunc{
		"GET /api/handlers":                  s.handleGetHandlers,
		"GET /api/breakers":                  s.handleGetBreakers,
		"POST /api/breakers/{service}/reset": s.handleResetBreaker,
		"GET /api/deadletters":               s.handleGetDeadLetters,
		"GET /api/deadletters/metrics":       s.handleGetDeadLetterMetrics,
		"POST /api/deadletters/{id}/retry":   s.handleRetryDeadLetter,
		"POST /api/deadletters/{id}/archive": s.handleArchiveDeadLetter,
		"DELETE /api/deadletters/{id}":       s.handleRemoveDeadLetter,
		"POST /api/deadletters/purge":        s.handlePurgeDeadLetters,
		"GET /api/services":                  s.handleGetServices,
		"GET /api/transform/rules":           s.handleGetRules,
		"GET /api/transform/metrics":         s.handleGetTransformMetrics,
		"OPTIONS /api/":                      s.handlePreflight,
	}
	for pattern, h := range routes {
		s.RegisterHTTPHandler(port, pattern, s.withCORS(h))
	}
}

func (s *Service) withCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if len(s.Conf.AdminCORSAllowedOrigins) > 0 {
			if allowed := s.allowedCORSOrigin(r.Header.Get("Origin")); allowed != "" {
				w.Header().Set("Access-Control-Allow-Origin", allowed)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			}
		}
		next(w, r)
	}
}

// allowedCORSOrigin returns the Access-Control-Allow-Origin value for
// requestOrigin, or "" when the origin is not allowed.
func (s *Service) allowedCORSOrigin(requestOrigin string) string {
	for _, allowed := range s.Conf.AdminCORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}

func (s *Service) handlePreflight(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleGetHandlers(w http.ResponseWriter, _ *http.Request) {
	type handlerView struct {
		Types []string       `json:"types"`
		Stats []HandlerStats `json:"stats"`
	}
	s.writeJSON(w, http.StatusOK, handlerView{Types: s.handlers.Types(), Stats: s.HandlerStats()})
}

func (s *Service) handleGetBreakers(w http.ResponseWriter, _ *http.Request) {
	cb := s.bus.Breaker()
	statuses := cb.Statuses()
	views := make([]breakerView, 0, len(statuses))
	for _, st := range statuses {
		views = append(views, breakerView{Status: st, Metrics: cb.Metrics(st.Service)})
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Service) handleResetBreaker(w http.ResponseWriter, r *http.Request) {
	service := r.PathValue("service")
	s.bus.Breaker().Reset(service)
	s.Logger.Info("Circuit breaker reset via admin API", loggingpkg.LogFields{"service": service})
	s.writeJSON(w, http.StatusOK, s.bus.Status(service))
}

func (s *Service) handleGetDeadLetters(w http.ResponseWriter, r *http.Request) {
	service := r.URL.Query().Get("service")
	archived, _ := strconv.ParseBool(r.URL.Query().Get("archived"))
	store := s.bus.DeadLetters()

	var entries []deadletter.Entry
	if service != "" {
		entries = store.Entries(service, archived)
	} else {
		for _, svc := range store.Services() {
			entries = append(entries, store.Entries(svc, archived)...)
		}
	}
	if entries == nil {
		entries = []deadletter.Entry{}
	}
	s.writeJSON(w, http.StatusOK, entries)
}

func (s *Service) handleGetDeadLetterMetrics(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.bus.DeadLetters().Metrics().Snapshot())
}

func (s *Service) handleRetryDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ok, err := s.bus.RetryDeadLetter(r.Context(), id)
	result := retryResult{ID: id, Retried: ok}
	if err != nil {
		result.Error = err.Error()
	}
	s.writeJSON(w, statusFor(err), result)
}

func (s *Service) handleArchiveDeadLetter(w http.ResponseWriter, r *http.Request) {
	if err := s.bus.DeadLetters().Archive(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleRemoveDeadLetter(w http.ResponseWriter, r *http.Request) {
	if err := s.bus.DeadLetters().Remove(r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handlePurgeDeadLetters removes entries of ?service= older than ?older_than=
// (a Go duration).
func (s *Service) handlePurgeDeadLetters(w http.ResponseWriter, r *http.Request) {
	service := r.URL.Query().Get("service")
	age, err := time.ParseDuration(r.URL.Query().Get("older_than"))
	if service == "" || err != nil || age < 0 {
		http.Error(w, "service and a non-negative older_than duration are required", http.StatusBadRequest)
		return
	}
	n, err := s.bus.DeadLetters().Purge(r.Context(), service, time.Now().Add(-age))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"purged": n})
}

func (s *Service) handleGetServices(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.bus.Registry().GetAll())
}

func (s *Service) handleGetRules(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.bus.Transformer().Rules())
}

func (s *Service) handleGetTransformMetrics(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.bus.Transformer().Metrics())
}

func (s *Service) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := jsoncodec.Encode(w, v); err != nil {
		s.Logger.Error("Failed to encode admin response", err, nil)
	}
}

func (s *Service) writeError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), statusFor(err))
}

func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, errspkg.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errspkg.ErrRetryExhausted), errors.Is(err, deadletter.ErrRetryInProgress):
		return http.StatusConflict
	case errors.Is(err, errspkg.ErrDeliveryFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
