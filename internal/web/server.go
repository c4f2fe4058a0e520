// Package web provides an HTTP status server for the tank-sensor daemon.
package web

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/sweeney/tank-sensor/internal/history"
	"github.com/sweeney/tank-sensor/internal/log"
	"github.com/sweeney/tank-sensor/internal/monitor"
	"github.com/sweeney/tank-sensor/internal/status"
	"github.com/sweeney/tank-sensor/internal/telemetry"
)

// HistorySource returns stored telemetry, newest first.
type HistorySource interface {
	Recent(n int) ([]history.Entry, error)
}

// Options enables the optional endpoints.
type Options struct {
	// History backs /history.json; nil disables it.
	History HistorySource
	// HistoryLimit caps the rows returned by /history.json.
	HistoryLimit int
	// Commands receives height commands from POST /height; nil disables it.
	Commands chan<- monitor.Command
	// CommandTimeout bounds how long POST /height waits for the loop.
	CommandTimeout time.Duration
}

// Server serves the status page over HTTP.
type Server struct {
	httpServer *http.Server
	tracker    *status.Tracker
	opts       Options
}

// New creates a Server that reads state from the given tracker.
func New(addr string, tracker *status.Tracker, opts Options) *Server {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 100
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 2 * time.Second
	}
	s := &Server{tracker: tracker, opts: opts}

	r := mux.NewRouter()
	r.HandleFunc("/", s.handleIndex).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/index.html", s.handleIndex).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/index.json", s.handleJSON).Methods(http.MethodGet)
	r.HandleFunc("/history.json", s.handleHistory).Methods(http.MethodGet)
	r.HandleFunc("/height", s.handleHeight).Methods(http.MethodPost)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// ListenAndServe starts listening. It blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on the given listener. Useful for tests.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	renderHTML(w, snap)
}

func (s *Server) handleJSON(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	w.Write(status.FormatJSON(snap))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.opts.History == nil {
		http.Error(w, "history disabled", http.StatusNotFound)
		return
	}
	n := s.opts.HistoryLimit
	if q := r.URL.Query().Get("n"); q != "" {
		v, err := strconv.Atoi(q)
		if err != nil || v < 1 {
			http.Error(w, "bad n", http.StatusBadRequest)
			return
		}
		if v < n {
			n = v
		}
	}

	entries, err := s.opts.History.Recent(n)
	if err != nil {
		log.Errorf("history query error: %v", err)
		http.Error(w, "history unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(struct {
		History []history.Entry `json:"history"`
	}{entries})
}

// handleHeight takes the new tank height as the plain-text request body and
// replies with the ACK or ERR line the serial link would have sent.
func (s *Server) handleHeight(w http.ResponseWriter, r *http.Request) {
	if s.opts.Commands == nil {
		http.Error(w, "commands disabled", http.StatusNotFound)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 64))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.opts.CommandTimeout)
	defer cancel()

	reply := make(chan string, 1)
	select {
	case s.opts.Commands <- monitor.Command{Raw: string(body), Reply: reply}:
	case <-ctx.Done():
		http.Error(w, "loop busy", http.StatusServiceUnavailable)
		return
	}

	var line string
	select {
	case line = <-reply:
	case <-ctx.Done():
		http.Error(w, "no reply from loop", http.StatusServiceUnavailable)
		return
	}

	code := http.StatusOK
	if rep, err := telemetry.ParseReply(line); err != nil || !rep.Accepted {
		code = http.StatusBadRequest
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	io.WriteString(w, line+"\n")
}
