package main

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Sternrassler/gridfetch/internal/config"
	"github.com/Sternrassler/gridfetch/pkg/batch"
	"github.com/Sternrassler/gridfetch/pkg/grid"
	"github.com/Sternrassler/gridfetch/pkg/imaging"
	"github.com/Sternrassler/gridfetch/pkg/metrics"
	"github.com/Sternrassler/gridfetch/pkg/source"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// batchRequest is the body of POST /v1/batches. Exactly one of Identifiers
// or SearchURL is used; Identifiers wins when both are set.
type batchRequest struct {
	Identifiers    []string `json:"identifiers" validate:"required_without=SearchURL"`
	SearchURL      string   `json:"search_url" validate:"omitempty,http_url"`
	Variant        string   `json:"variant" validate:"omitempty,oneof=small raw"`
	TimeoutMS      int      `json:"timeout_ms" validate:"gte=0"`
	IncludePayload bool     `json:"include_payload"`
}

type batchItem struct {
	Index       int    `json:"index"`
	Identifier  string `json:"identifier"`
	Format      string `json:"format,omitempty"`
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Size        int    `json:"size"`
	Data        string `json:"data,omitempty"`
}

type batchFailure struct {
	Index      int    `json:"index"`
	Identifier string `json:"identifier"`
	Kind       string `json:"kind"`
	StatusCode int    `json:"status_code,omitempty"`
	Error      string `json:"error"`
}

type batchResponse struct {
	BatchID    string         `json:"batch_id"`
	Total      int            `json:"total"`
	Succeeded  int            `json:"succeeded"`
	Failed     int            `json:"failed"`
	TimedOut   bool           `json:"timed_out"`
	DurationMS int64          `json:"duration_ms"`
	Items      []batchItem    `json:"items"`
	Failures   []batchFailure `json:"failures"`
	Alert      string         `json:"alert,omitempty"`
}

// server holds the dependencies of the HTTP handlers.
type server struct {
	cfg          *config.Config
	fetcher      batch.Fetcher
	searchClient source.Doer
	redis        *redis.Client
	policy       grid.FailurePolicy
	validate     *validator.Validate
	logger       zerolog.Logger
}

// newServer wires the handlers. fetcher doubles as the search client when
// it can execute plain HTTP requests.
func newServer(cfg *config.Config, fetcher batch.Fetcher, redisClient *redis.Client, logger zerolog.Logger) *server {
	// Validated by config.Load.
	policy, _ := grid.ParseFailurePolicy(cfg.FailurePolicy)

	s := &server{
		cfg:      cfg,
		policy:   policy,
		fetcher:  fetcher,
		redis:    redisClient,
		validate: validator.New(),
		logger:   logger.With().Str("component", "server").Logger(),
	}
	if doer, ok := fetcher.(source.Doer); ok {
		s.searchClient = doer
	}
	return s
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)

	r.Get("/health", healthHandler)
	r.Get("/ready", readyHandler(s.redis))
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/batches", s.createBatch)
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

// readyHandler reports whether Redis is reachable. Without Redis the
// service has no dependencies and is always ready.
func readyHandler(redisClient *redis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if redisClient != nil {
			if err := redisClient.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "OK")
	}
}

// createBatch runs one batch and answers with its aggregated result.
// A client that disconnects cancels the batch.
func (s *server) createBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var provider source.Provider = source.Static(req.Identifiers)
	if req.Identifiers == nil {
		variant, _ := source.ParseVariant(req.Variant)
		provider = source.NewSearch(req.SearchURL, variant, s.searchClient, s.logger)
	}

	ids, err := provider.Identifiers(ctx)
	switch {
	case errors.Is(err, source.ErrBadURL):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.logger.Warn().Err(err).Msg("Failed to resolve identifiers")
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	if len(ids) > s.cfg.MaxBatchSize {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("batch of %d exceeds limit of %d", len(ids), s.cfg.MaxBatchSize))
		return
	}

	timeout := s.cfg.BatchTimeout
	if req.TimeoutMS > 0 {
		timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}

	coord := batch.NewCoordinator(s.fetcher, batch.Config{
		MaxConcurrency: s.cfg.BatchMaxConcurrency,
		Timeout:        timeout,
	}, s.logger)

	results := make(chan batch.Result, 1)
	handle, err := coord.Run(ctx, ids, func(res batch.Result) { results <- res })
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	select {
	case res := <-results:
		writeJSON(w, http.StatusOK, s.toResponse(ids, res, req.IncludePayload))
	case <-ctx.Done():
		handle.Cancel()
		s.logger.Info().Str("batch_id", handle.ID()).Msg("Client went away, batch cancelled")
	}
}

func (s *server) toResponse(ids []string, res batch.Result, includePayload bool) batchResponse {
	resp := batchResponse{
		BatchID:    res.BatchID,
		Total:      res.Total,
		Succeeded:  res.Len(),
		Failed:     res.FailureCount(),
		TimedOut:   res.TimedOut,
		DurationMS: res.Duration.Milliseconds(),
		Items:      make([]batchItem, 0, res.Len()),
		Failures:   make([]batchFailure, 0, res.FailureCount()),
	}

	if alert := grid.AlertFor(s.policy, res); alert != nil {
		resp.Alert = alert.Message
	}

	for i, payload := range res.Payloads {
		idx := res.Indices[i]
		item := batchItem{Index: idx, Identifier: ids[idx], Size: len(payload)}
		if info, err := imaging.Inspect(payload); err == nil {
			item.Format = info.Format
			item.Width = info.Width
			item.Height = info.Height
			item.ContentType = info.ContentType
		}
		if includePayload {
			item.Data = base64.StdEncoding.EncodeToString(payload)
		}
		resp.Items = append(resp.Items, item)
	}

	for _, f := range res.Failures {
		failure := batchFailure{
			Index:      f.Index,
			Identifier: f.Identifier,
			Kind:       string(f.Kind),
		}
		if f.Err != nil {
			failure.Error = f.Err.Error()
		}
		var fe *batch.FetchError
		if errors.As(f.Err, &fe) {
			failure.StatusCode = fe.StatusCode
		}
		resp.Failures = append(resp.Failures, failure)
	}

	return resp
}

// accessLog logs every request with zerolog.
func (s *server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("request_id", middleware.GetReqID(r.Context())).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
