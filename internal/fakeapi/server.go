// Package fakeapi serves an in-process imitation of the remote imagery API: three
// initiate/retrieve endpoint families plus the shared tasking status endpoint.
// Integration tests script each family's status sequence and result document.
package fakeapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/go-chi/chi/v5"
)

// Endpoint paths mirroring the production API.
const (
	SearchPath  = "/imagery/search"
	ImageryPath = "/kraken/release/imagery/geojson"
	CarsPath    = "/kraken/release/cars/geojson"
	StatusPath  = "/tasking/get-status"
)

// Script describes how pipelines of one family behave.
type Script struct {
	// Statuses are returned by successive polls; the last one repeats.
	Statuses []string
	// NextTry is advertised on initiate and on every unresolved poll (seconds).
	NextTry float64
	// Result is the JSON document returned by retrieve.
	Result string
	// InitiateStatus and InitiateError, when set, reject every initiate call.
	InitiateStatus int
	InitiateError  string
}

type job struct {
	family   string
	statuses []string
	resolved bool
}

// Server is the fake remote API.
type Server struct {
	mu       sync.Mutex
	token    string
	scripts  map[string]Script
	jobs     map[string]*job
	requests map[string][]json.RawMessage
	seq      int
	router   chi.Router
}

// New builds a Server accepting only the given bearer token.
func New(token string) *Server {
	s := &Server{
		token:    token,
		scripts:  make(map[string]Script),
		jobs:     make(map[string]*job),
		requests: make(map[string][]json.RawMessage),
	}
	r := chi.NewRouter()
	r.Use(s.record)
	r.Use(s.authenticate)
	for _, family := range []string{SearchPath, ImageryPath, CarsPath} {
		r.Post(family+"/initiate", s.initiate(family))
		r.Post(family+"/retrieve", s.retrieve(family))
	}
	r.Post(StatusPath, s.status)
	s.router = r
	return s
}

// Script sets the behaviour for pipelines initiated on the family path.
func (s *Server) Script(family string, script Script) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[family] = script
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves the fake on a local listener; close the returned server when done.
func (s *Server) Start() *httptest.Server {
	return httptest.NewServer(s.router)
}

// Requests returns the request bodies received on path, in arrival order.
func (s *Server) Requests(path string) []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]json.RawMessage, len(s.requests[path]))
	copy(out, s.requests[path])
	return out
}

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID-JSON", "request body is not JSON")
			return
		}
		s.mu.Lock()
		s.requests[r.URL.Path] = append(s.requests[r.URL.Path], body)
		s.mu.Unlock()

		r.Body = http.NoBody
		next.ServeHTTP(w, r.WithContext(withBody(r.Context(), body)))
	})
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" || r.Header.Get("Authorization") != "Bearer "+s.token {
			writeError(w, http.StatusUnauthorized, "INVALID-AUTHORIZATION-HEADER", "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) initiate(family string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		s.mu.Lock()
		script, ok := s.scripts[family]
		if !ok {
			s.mu.Unlock()
			writeError(w, http.StatusNotFound, "UNKNOWN-ENDPOINT", "no script for "+family)
			return
		}
		if script.InitiateStatus != 0 {
			s.mu.Unlock()
			writeError(w, script.InitiateStatus, script.InitiateError, "initiate rejected")
			return
		}
		s.seq++
		id := fmt.Sprintf("pipeline-%d", s.seq)
		statuses := append([]string(nil), script.Statuses...)
		if len(statuses) == 0 {
			statuses = []string{"RESOLVED"}
		}
		s.jobs[id] = &job{family: family, statuses: statuses}
		s.mu.Unlock()

		writeJSON(w, http.StatusOK, map[string]any{"pipelineId": id, "nextTry": script.NextTry})
	}
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	id := pipelineID(r)
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "PIPELINE-NOT-FOUND", "unknown pipeline "+id)
		return
	}
	current := j.statuses[0]
	if len(j.statuses) > 1 {
		j.statuses = j.statuses[1:]
	}
	if current == "RESOLVED" {
		j.resolved = true
	}
	nextTry := s.scripts[j.family].NextTry
	s.mu.Unlock()

	resp := map[string]any{"status": current}
	if current != "RESOLVED" && current != "FAILED" {
		resp["nextTry"] = nextTry
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) retrieve(family string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := pipelineID(r)
		s.mu.Lock()
		j, ok := s.jobs[id]
		known := ok && j.family == family
		resolved := known && j.resolved
		result := s.scripts[family].Result
		s.mu.Unlock()

		switch {
		case !known:
			writeError(w, http.StatusNotFound, "PIPELINE-NOT-FOUND", "unknown pipeline "+id)
		case !resolved:
			writeError(w, http.StatusConflict, "PIPELINE-NOT-RESOLVED", "pipeline "+id+" is not resolved")
		default:
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(result))
		}
	}
}

type bodyKey struct{}

func withBody(ctx context.Context, body json.RawMessage) context.Context {
	return context.WithValue(ctx, bodyKey{}, body)
}

func pipelineID(r *http.Request) string {
	body, _ := r.Context().Value(bodyKey{}).(json.RawMessage)
	var ref struct {
		PipelineID string `json:"pipelineId"`
	}
	_ = json.Unmarshal(body, &ref)
	return ref.PipelineID
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"error": code, "errorMessage": msg})
}
