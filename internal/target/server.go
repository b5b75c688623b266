// Package target is a configurable HTTP server to point load runs at.
package target

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ShutdownTimeout bounds how long Stop waits for open requests
const ShutdownTimeout = 5 * time.Second

type compiledRoute struct {
	Route
	key   string
	re    *regexp.Regexp
	body  []byte
	count atomic.Int64
}

// Server represents the target HTTP server
type Server struct {
	config     *Config
	routes     []*compiledRoute
	httpServer *http.Server
	logger     *slog.Logger

	mu       sync.Mutex
	listener net.Listener

	requests  atomic.Int64
	injected  atomic.Int64
	unmatched atomic.Int64
}

// NewServer creates a new target server. Body files are read once here,
// relative to workdir. Port 0 picks a free port on Start.
func NewServer(config *Config, workdir string, logger *slog.Logger) (*Server, error) {
	if config.Host == "" {
		config.Host = "localhost"
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	s := &Server{config: config, logger: logger}
	for _, route := range config.Routes {
		cr := &compiledRoute{Route: route, body: []byte(route.Body)}
		cr.key = route.Name
		if cr.key == "" {
			cr.key = fmt.Sprintf("%s %s", route.Method, route.Path)
		}
		if route.PathType == "regex" {
			cr.re = regexp.MustCompile(route.Path)
		}
		if route.BodyFile != "" {
			filePath := route.BodyFile
			if !filepath.IsAbs(filePath) {
				filePath = filepath.Join(workdir, filePath)
			}
			data, err := os.ReadFile(filePath)
			if err != nil {
				return nil, fmt.Errorf("failed to read body file %s: %w", route.BodyFile, err)
			}
			cr.body = data
		}
		s.routes = append(s.routes, cr)
	}

	return s, nil
}

// Handler returns the request handler without starting a listener
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleRequest)
}

// Start listens on the configured address and serves in the background
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", net.JoinHostPort(s.config.Host, fmt.Sprint(s.config.Port)))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	s.mu.Lock()
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.httpServer
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("target server error", "error", err)
		}
	}()

	return nil
}

// Run serves until ctx is cancelled, then shuts down
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	s.logger.Info("target server listening", "address", s.Address(), "routes", len(s.routes))
	<-ctx.Done()
	return s.Stop()
}

// Stop stops the target server
func (s *Server) Stop() error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	return srv.Shutdown(ctx)
}

// Address returns the base URL of the server. Once started it reflects the
// bound port, so port 0 works.
func (s *Server) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return "http://" + s.listener.Addr().String()
	}
	return fmt.Sprintf("http://%s", net.JoinHostPort(s.config.Host, fmt.Sprint(s.config.Port)))
}

// Stats returns the request counters
func (s *Server) Stats() Stats {
	st := Stats{
		Requests:  s.requests.Load(),
		Injected:  s.injected.Load(),
		Unmatched: s.unmatched.Load(),
		ByRoute:   make(map[string]int64, len(s.routes)),
	}
	for _, r := range s.routes {
		st.ByRoute[r.key] = r.count.Load()
	}
	return st
}

func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	s.requests.Add(1)

	// Drain the body so the connection can be reused
	io.Copy(io.Discard, r.Body)
	r.Body.Close()

	route := s.findMatchingRoute(r.Method, r.URL.Path)
	if route == nil {
		s.unmatched.Add(1)
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprintf(w, "No route configured for %s %s", r.Method, r.URL.Path)
		return
	}
	route.count.Add(1)

	delay := time.Duration(route.Delay) * time.Millisecond
	if route.Jitter > 0 {
		delay += time.Duration(rand.IntN(route.Jitter+1)) * time.Millisecond
	}
	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-r.Context().Done():
			timer.Stop()
			return
		}
	}

	status := route.Status
	if status == 0 {
		status = http.StatusOK
	}
	body := route.body
	if route.ErrorRate > 0 && rand.Float64() < route.ErrorRate {
		s.injected.Add(1)
		status = route.ErrorStatus
		if status == 0 {
			status = http.StatusServiceUnavailable
		}
		body = []byte(http.StatusText(status))
	}

	for key, value := range route.Headers {
		w.Header().Set(key, value)
	}
	w.WriteHeader(status)
	w.Write(body)

	if s.config.Logging {
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"route", route.key,
			"status", status,
			"duration", time.Since(start),
		)
	}
}

// findMatchingRoute finds the first route that matches the method and path
func (s *Server) findMatchingRoute(method, path string) *compiledRoute {
	for _, route := range s.routes {
		if route.Method != "*" && !strings.EqualFold(route.Method, method) {
			continue
		}

		matched := false
		switch route.PathType {
		case "", "exact":
			matched = route.Path == path
		case "prefix":
			matched = strings.HasPrefix(path, route.Path)
		case "regex":
			matched = route.re.MatchString(path)
		}

		if matched {
			return route
		}
	}

	return nil
}
