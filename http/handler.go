// Copyright 2021 Molecula Corp. All rights reserved.
//
// Package http exposes query intake, status and the worker invocation
// endpoint over HTTP.
package http

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/molecula/filtermerge"
	"github.com/molecula/filtermerge/errors"
	"github.com/molecula/filtermerge/logger"
	"github.com/molecula/filtermerge/pipeline"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config holds what Handler serves. A nil Driver disables the query
// endpoints; a nil Worker disables the invoke endpoint.
type Config struct {
	Driver *pipeline.Driver

	// Worker runs invocations received on /invoke/{stage}. It must not
	// block on the invocation, since the caller only waits for acceptance.
	Worker filtermerge.Invoker

	Logger logger.Logger
}

func Handler(cfg Config) http.Handler {
	s := &server{
		driver: cfg.Driver,
		worker: cfg.Worker,
		logger: logger.NopLogger,
	}
	if cfg.Logger != nil {
		s.logger = cfg.Logger
	}

	router := mux.NewRouter()
	router.HandleFunc("/health", s.getHealth).Methods("GET").Name("GetHealth")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET").Name("GetMetrics")

	if s.driver != nil {
		router.HandleFunc("/query", s.postQuery).Methods("POST").Name("PostQuery")
		router.HandleFunc("/query/{id}", s.getQuery).Methods("GET").Name("GetQuery")
		router.HandleFunc("/debug/requests", s.getDebugRequests).Methods("GET").Name("GetDebugRequests")
	}
	if s.worker != nil {
		router.HandleFunc("/invoke/{stage}", s.postInvoke).Methods("POST").Name("PostInvoke")
	}

	return router
}

type server struct {
	driver *pipeline.Driver
	worker filtermerge.Invoker
	logger logger.Logger
}

// statusOf maps a coded error to an HTTP status.
func statusOf(err error) int {
	switch errors.CodeOf(err) {
	case filtermerge.ErrFieldMissing,
		filtermerge.ErrFormatUnknown,
		filtermerge.ErrFilterExpression:
		return http.StatusBadRequest
	case filtermerge.ErrRequestDoesNotExist,
		filtermerge.ErrStageUnknown:
		return http.StatusNotFound
	}
	if errors.IsFatal(err) {
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func (s *server) writeError(w http.ResponseWriter, err error) {
	code := statusOf(err)
	if code == http.StatusInternalServerError {
		s.logger.Errorf("http: %v", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = io.WriteString(w, errors.MarshalJSON(err))
}

func (s *server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Errorf("http: encoding response: %v", err)
	}
}

// GET /health
func (s *server) getHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// POST /query
func (s *server) postQuery(w http.ResponseWriter, r *http.Request) {
	body := r.Body
	defer body.Close()

	q := filtermerge.Query{}
	if err := json.NewDecoder(body).Decode(&q); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	id, err := s.driver.Submit(r.Context(), q)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, filtermerge.SubmitResponse{RequestID: id})
}

// GET /query/{id}
func (s *server) getQuery(w http.ResponseWriter, r *http.Request) {
	id := filtermerge.RequestID(mux.Vars(r)["id"])

	st, err := s.driver.Status(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

// GET /debug/requests
func (s *server) getDebugRequests(w http.ResponseWriter, r *http.Request) {
	reqs, err := s.driver.Requests.Requests(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, reqs)
}

// POST /invoke/{stage}
//
// The body is the stage's payload. The invocation runs after the response
// is written.
func (s *server) postInvoke(w http.ResponseWriter, r *http.Request) {
	body := r.Body
	defer body.Close()

	stage, err := filtermerge.ParseStage(mux.Vars(r)["stage"])
	if err != nil {
		s.writeError(w, err)
		return
	}

	payload, err := io.ReadAll(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !json.Valid(payload) {
		s.writeError(w, errors.Fatal(errors.Errorf("%s payload is not valid JSON", stage)))
		return
	}

	if err := s.worker.Invoke(r.Context(), filtermerge.Invocation{Stage: stage, Payload: payload}); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
