// Package chi is the HTTP transport: a thin JSON layer over the query
// parser and the retrieval engine.
package chi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kailas-cloud/trialmatch/internal/domain"
	"github.com/kailas-cloud/trialmatch/internal/metrics"
	"github.com/kailas-cloud/trialmatch/internal/queryparse"
	"github.com/kailas-cloud/trialmatch/internal/retrieval"
)

const maxRequestBody = 1 << 20

// Retriever runs one ranked search. Satisfied by *retrieval.Engine.
type Retriever interface {
	Retrieve(ctx context.Context, q domain.StructuredQuery, topK int) (domain.RetrievalResult, error)
}

// HealthChecker reports backend readiness. Satisfied by db.Store.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// errorHandler tries to handle a domain error. Returns true if handled.
type errorHandler func(w http.ResponseWriter, err error) bool

// Server exposes the matcher over HTTP.
type Server struct {
	parser        queryparse.Parser
	retriever     Retriever
	health        HealthChecker
	logger        *zap.Logger
	errorHandlers []errorHandler
}

// NewServer creates the API server.
func NewServer(parser queryparse.Parser, retriever Retriever, health HealthChecker, logger *zap.Logger) *Server {
	s := &Server{
		parser:    parser,
		retriever: retriever,
		health:    health,
		logger:    logger,
	}
	s.errorHandlers = []errorHandler{
		sentinelHandler(domain.ErrRetrievalUnavailable, http.StatusServiceUnavailable, "retrieval_unavailable"),
		sentinelHandler(domain.ErrEmbeddingFailed, http.StatusServiceUnavailable, "embedding_unavailable"),
	}
	return s
}

// Router assembles the route tree with the standard middleware chain.
func (s *Server) Router(apiKeys []string) http.Handler {
	r := chi.NewRouter()
	r.Use(jsonRecoverer(s.logger))
	r.Use(chiMiddleware.RequestID)
	r.Use(BearerAuthMiddleware(apiKeys))
	r.Use(metrics.Middleware())

	r.Post("/v1/match", s.MatchTrials)
	r.Get("/healthz", s.HealthCheck)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	return r
}

// MatchRequest is the POST /v1/match body.
type MatchRequest struct {
	Text  string `json:"text"`
	Limit int    `json:"limit,omitempty"`
}

// MatchResult is one candidate trial in the response.
type MatchResult struct {
	NCTID             string   `json:"nct_id"`
	Title             string   `json:"title"`
	Score             float64  `json:"score"`
	Excluded          bool     `json:"excluded"`
	MatchedExclusions []string `json:"matched_exclusions,omitempty"`
	Status            string   `json:"status"`
	Sex               string   `json:"sex"`
	MinAge            *int     `json:"min_age"`
	MaxAge            *int     `json:"max_age"`
	Conditions        []string `json:"conditions"`
	URL               string   `json:"url"`
}

// MatchResponse is the POST /v1/match response.
type MatchResponse struct {
	Query    domain.StructuredQuery `json:"query"`
	Degraded bool                   `json:"degraded"`
	Results  []MatchResult          `json:"results"`
}

// MatchTrials handles POST /v1/match.
func (s *Server) MatchTrials(w http.ResponseWriter, r *http.Request) {
	var req MatchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body: "+err.Error())
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "validation_failed", "text is required")
		return
	}
	if req.Limit < 0 || req.Limit > retrieval.MaxTopK {
		writeError(w, http.StatusBadRequest, "validation_failed", "limit out of range")
		return
	}

	q, err := s.parser.Parse(r.Context(), req.Text)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	if q.Degraded {
		metrics.RecordParseFallback()
	}

	res, err := s.retriever.Retrieve(r.Context(), q, req.Limit)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	results := make([]MatchResult, len(res.Matches))
	for i := range res.Matches {
		results[i] = matchToResult(&res.Matches[i])
	}
	writeJSON(w, http.StatusOK, MatchResponse{
		Query:    res.Query,
		Degraded: res.Query.Degraded,
		Results:  results,
	})
}

// HealthCheck handles GET /healthz.
func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.health.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  "index unreachable",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func matchToResult(m *domain.Match) MatchResult {
	return MatchResult{
		NCTID:             m.Trial.NCTID,
		Title:             m.Trial.Title,
		Score:             m.Score,
		Excluded:          m.Excluded,
		MatchedExclusions: m.MatchedExclusions,
		Status:            m.Trial.Status,
		Sex:               string(m.Trial.Sex),
		MinAge:            m.Trial.MinAge,
		MaxAge:            m.Trial.MaxAge,
		Conditions:        m.Trial.Conditions,
		URL:               m.Trial.URL,
	}
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Code: code, Message: message})
}

// sentinelHandler returns an errorHandler that matches a single sentinel error.
func sentinelHandler(sentinel error, status int, code string) errorHandler {
	return func(w http.ResponseWriter, err error) bool {
		if !errors.Is(err, sentinel) {
			return false
		}
		writeError(w, status, code, sentinel.Error())
		return true
	}
}

func (s *Server) handleDomainError(w http.ResponseWriter, err error) {
	s.logger.Warn("domain error", zap.Error(err))
	for _, h := range s.errorHandlers {
		if h(w, err) {
			return
		}
	}
	s.logger.Error("internal error", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
}

// jsonRecoverer is a recovery middleware that returns JSON instead of a plain
// text stacktrace.
func jsonRecoverer(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rvr := recover(); rvr != nil {
					logger.Error("panic recovered",
						zap.Any("panic", rvr),
						zap.Stack("stacktrace"),
					)
					writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
