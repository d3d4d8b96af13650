// Package api serves a finished confusion run to an external renderer: the
// matrix, per-class metrics and the instance rows behind each cell.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/banshee-data/reis/internal/confusion"
	"github.com/banshee-data/reis/internal/db"
	"github.com/banshee-data/reis/internal/httputil"
	"github.com/banshee-data/reis/internal/monitoring"
	"github.com/banshee-data/reis/internal/version"
)

// RunLister lists cached runs. *db.CacheStore implements it.
type RunLister interface {
	List(ctx context.Context) ([]*db.CachedRun, error)
}

type Server struct {
	mu      sync.RWMutex
	summary *confusion.Summary
	runs    RunLister
}

// NewServer creates a Server. runs may be nil when caching is disabled.
func NewServer(runs RunLister) *Server {
	return &Server{runs: runs}
}

// SetSummary replaces the summary being served.
func (s *Server) SetSummary(summary *confusion.Summary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summary = summary
}

func (s *Server) current() *confusion.Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.summary
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/confusion", s.showSummary)
	mux.HandleFunc("/api/confusion/cell", s.showCell)
	mux.HandleFunc("/api/confusion/metrics", s.showMetrics)
	mux.HandleFunc("/api/cache/runs", s.listRuns)
	mux.HandleFunc("/api/version", s.showVersion)
	return mux
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func statusCodeColor(statusCode int) string {
	code := strconv.Itoa(statusCode)
	switch {
	case statusCode >= 200 && statusCode < 300:
		return color.New(color.FgGreen, color.Bold).Sprint(code)
	case statusCode >= 300 && statusCode < 400:
		return color.YellowString(code)
	case statusCode >= 400:
		return color.New(color.FgRed, color.Bold).Sprint(code)
	default:
		return code
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			color.CyanString(r.RequestURI),
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) requireSummary(w http.ResponseWriter, r *http.Request) *confusion.Summary {
	if !httputil.RequireGET(w, r) {
		return nil
	}
	summary := s.current()
	if summary == nil {
		httputil.ServiceUnavailable(w, "no confusion result loaded")
	}
	return summary
}

func (s *Server) showSummary(w http.ResponseWriter, r *http.Request) {
	if summary := s.requireSummary(w, r); summary != nil {
		httputil.WriteJSONOK(w, summary)
	}
}

func (s *Server) showMetrics(w http.ResponseWriter, r *http.Request) {
	if summary := s.requireSummary(w, r); summary != nil {
		httputil.WriteJSONOK(w, summary.ClassMetrics())
	}
}

// CellResponse is the drill-down of one confusion cell.
type CellResponse struct {
	True    string                   `json:"true"`
	Pred    string                   `json:"pred"`
	Column  confusion.LabelColumn    `json:"column"`
	Matches []confusion.LabeledMatch `json:"matches"`
}

// showCell lists the instance rows of the cell named by the true and pred
// query parameters. column picks the preferred instance column to crop by.
func (s *Server) showCell(w http.ResponseWriter, r *http.Request) {
	summary := s.requireSummary(w, r)
	if summary == nil {
		return
	}

	q := r.URL.Query()
	trueName, predName := q.Get("true"), q.Get("pred")
	if trueName == "" || predName == "" {
		httputil.BadRequest(w, "true and pred are required")
		return
	}
	if !hasLabel(summary.RowLabels(), trueName) {
		httputil.NotFound(w, "unknown true class "+strconv.Quote(trueName))
		return
	}
	if !hasLabel(summary.ColumnLabels(), predName) {
		httputil.NotFound(w, "unknown predicted class "+strconv.Quote(predName))
		return
	}

	preferred := confusion.ColumnInstanceGT
	switch col := confusion.LabelColumn(q.Get("column")); col {
	case "":
	case confusion.ColumnInstanceGT, confusion.ColumnInstancePred:
		preferred = col
	default:
		httputil.BadRequest(w, "column must be instance_gt or instance_pred")
		return
	}

	matches := summary.Cell(trueName, predName)
	if matches == nil {
		matches = []confusion.LabeledMatch{}
	}
	httputil.WriteJSONOK(w, CellResponse{
		True:    trueName,
		Pred:    predName,
		Column:  confusion.DrillDownColumn(trueName, predName, preferred),
		Matches: matches,
	})
}

func hasLabel(labels []string, name string) bool {
	for _, l := range labels {
		if l == name {
			return true
		}
	}
	return false
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireGET(w, r) {
		return
	}
	if s.runs == nil {
		httputil.NotFound(w, "result cache is disabled")
		return
	}
	runs, err := s.runs.List(r.Context())
	if err != nil {
		monitoring.Logf("list cached runs: %v", err)
		httputil.InternalServerError(w, "failed to list cached runs")
		return
	}
	if runs == nil {
		runs = []*db.CachedRun{}
	}
	httputil.WriteJSONOK(w, runs)
}

func (s *Server) showVersion(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireGET(w, r) {
		return
	}
	httputil.WriteJSONOK(w, map[string]string{
		"version":    version.Version,
		"git_sha":    version.GitSHA,
		"build_time": version.BuildTime,
	})
}

// ListenAndServe serves the API on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           LoggingMiddleware(s.ServeMux()),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	monitoring.Logf("serving confusion results on %s", addr)

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
