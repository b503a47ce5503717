package server

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"html/template"
	"io/fs"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/TobiSchelling/phasestat/internal/database"
	"github.com/TobiSchelling/phasestat/internal/report"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static/*
var staticFS embed.FS

var md = goldmark.New(goldmark.WithExtensions(extension.Table))

// Server serves stored analysis reports.
type Server struct {
	db     *database.DB
	pages  map[string]*template.Template
	router *chi.Mux
}

// New creates a new Server.
func New(db *database.DB) (*Server, error) {
	funcMap := template.FuncMap{
		"markdown":   renderMarkdown,
		"formatDate": database.FormatDateDisplay,
		"deref": func(s *string) string {
			if s == nil {
				return ""
			}
			return *s
		},
		"stat": func(f *float64) string {
			if f == nil {
				return "n/a"
			}
			return fmt.Sprintf("%.2f", *f)
		},
		"pvalue": func(f *float64) string {
			if f == nil {
				return "n/a"
			}
			return report.FormatP(*f)
		},
	}

	base, err := template.New("base.html").Funcs(funcMap).ParseFS(templateFS, "templates/base.html")
	if err != nil {
		return nil, fmt.Errorf("parsing base template: %w", err)
	}

	// Each page gets its own clone so {{define "content"}} does not collide.
	pageNames := []string{"index.html", "run.html"}
	pages := make(map[string]*template.Template, len(pageNames))
	for _, name := range pageNames {
		clone, err := base.Clone()
		if err != nil {
			return nil, fmt.Errorf("cloning base for %s: %w", name, err)
		}
		if _, err := clone.ParseFS(templateFS, "templates/"+name); err != nil {
			return nil, fmt.Errorf("parsing template %s: %w", name, err)
		}
		pages[name] = clone
	}

	s := &Server{db: db, pages: pages, router: chi.NewRouter()}
	s.routes()
	return s, nil
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	s.router.Use(middleware.Recoverer)

	staticSub, _ := fs.Sub(staticFS, "static")
	s.router.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.FS(staticSub))))

	s.router.Get("/", s.handleIndex)
	s.router.Get("/runs/{id}", s.handleRun)
	s.router.Get("/api/runs/{id}", s.handleRunJSON)
	s.router.Get("/api/batches", s.handleBatches)
}

type indexData struct {
	Runs    []database.AnalysisRun
	Batches []database.Batch
	Stats   *database.Stats
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	runs, err := s.db.GetAllAnalysisRuns()
	if err != nil {
		s.serverError(w, "listing runs", err)
		return
	}
	batches, err := s.db.GetAllBatches()
	if err != nil {
		s.serverError(w, "listing batches", err)
		return
	}
	stats, err := s.db.GetStats()
	if err != nil {
		s.serverError(w, "reading stats", err)
		return
	}
	s.render(w, "index.html", indexData{Runs: runs, Batches: batches, Stats: stats})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	s.render(w, "run.html", run)
}

func (s *Server) handleRunJSON(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(run.ReportJSON))
}

type batchJSON struct {
	ID            int64   `json:"id"`
	Name          string  `json:"name"`
	CollectedOn   *string `json:"collected_on,omitempty"`
	Source        *string `json:"source,omitempty"`
	ResponseCount int     `json:"responses"`
}

func (s *Server) handleBatches(w http.ResponseWriter, r *http.Request) {
	batches, err := s.db.GetAllBatches()
	if err != nil {
		s.serverError(w, "listing batches", err)
		return
	}
	out := make([]batchJSON, 0, len(batches))
	for _, b := range batches {
		out = append(out, batchJSON{
			ID:            b.ID,
			Name:          b.Name,
			CollectedOn:   b.CollectedOn,
			Source:        b.Source,
			ResponseCount: b.ResponseCount,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

func (s *Server) lookupRun(w http.ResponseWriter, r *http.Request) (*database.AnalysisRun, bool) {
	id := chi.URLParam(r, "id")
	run, err := s.db.GetAnalysisRun(id)
	if err != nil {
		s.serverError(w, "loading run "+id, err)
		return nil, false
	}
	if run == nil {
		http.NotFound(w, r)
		return nil, false
	}
	return run, true
}

func (s *Server) serverError(w http.ResponseWriter, what string, err error) {
	log.Printf("Error %s: %v", what, err)
	http.Error(w, "Internal server error", http.StatusInternalServerError)
}

func (s *Server) render(w http.ResponseWriter, name string, data any) {
	tmpl, ok := s.pages[name]
	if !ok {
		log.Printf("Template %s not found", name)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, "base.html", data); err != nil {
		s.serverError(w, "rendering template "+name, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	buf.WriteTo(w)
}

func renderMarkdown(text string) template.HTML {
	var buf bytes.Buffer
	if err := md.Convert([]byte(text), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(text))
	}
	return template.HTML(buf.String()) //nolint: gosec
}

// Serve starts the HTTP server on the given port.
func Serve(db *database.DB, port int) error {
	srv, err := New(db)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	log.Printf("Server listening on http://%s", addr)
	return http.ListenAndServe(addr, srv.Handler())
}
