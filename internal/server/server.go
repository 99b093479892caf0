package server

import (
	"embed"
	"encoding/json"
	"html/template"
	"net/http"

	"fortio.org/log"
	"github.com/go-chi/chi/v5"
	"github.com/klt/dashboard/internal/app"
	"github.com/klt/dashboard/internal/charts"
	"github.com/klt/dashboard/internal/lifecycle"
	"github.com/klt/dashboard/internal/registry"
	"github.com/pkg/errors"
)

//go:embed templates/*.html
var templateFS embed.FS

type Server struct {
	engine    *lifecycle.Engine
	reg       *registry.Manager
	charts    *charts.Generator
	templates map[string]*template.Template
}

func NewServer(engine *lifecycle.Engine, reg *registry.Manager, gen *charts.Generator) *Server {
	templates := make(map[string]*template.Template)

	// Each page defines "content" and is rendered inside the layout.
	pages := []string{
		"dashboards.html",
		"dashboard.html",
	}
	for _, page := range pages {
		t := template.Must(template.ParseFS(templateFS, "templates/layout.html", "templates/"+page))
		templates[page] = t
	}

	return &Server{
		engine:    engine,
		reg:       reg,
		charts:    gen,
		templates: templates,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	// UI routes
	r.Get("/", s.handleDashboardList)
	r.Get("/dashboards/{id}", s.handleDashboard)
	r.Get("/dashboards/{id}/chart", s.handleChart)

	// API routes
	r.Route("/api/v1/dashboards", func(r chi.Router) {
		r.Get("/", s.handleListDashboardsAPI)
		r.Post("/", s.handleCreateDashboardAPI)
		r.Delete("/{id}", s.handleDeleteDashboardAPI)
		r.Post("/{id}/activate", s.handleActivateAPI)
		r.Post("/{id}/deactivate", s.handleDeactivateAPI)
		r.Post("/{id}/hide", s.handleHideAPI)
		r.Get("/{id}/status", s.handleStatusAPI)
		r.Get("/{id}/history", s.handleHistoryAPI)
		r.Get("/{id}/totals", s.handleTotalsAPI)
		r.Get("/{id}/security", s.handleSecurityAPI)
	})

	return r
}

type dashboardRow struct {
	Target    app.DashboardTarget
	Status    lifecycle.Status
	Sparkline template.HTML
}

func (s *Server) handleDashboardList(w http.ResponseWriter, r *http.Request) {
	var rows []dashboardRow
	for _, d := range s.reg.List() {
		status, err := s.engine.Status(d.ID)
		if err != nil {
			log.Warnf("Error getting status of %s: %v", d.ID, err)
			continue
		}
		h, err := s.engine.ChartHistory(d.ID)
		if err != nil {
			log.Warnf("Error getting history of %s: %v", d.ID, err)
			continue
		}
		rows = append(rows, dashboardRow{
			Target:    d,
			Status:    status,
			Sparkline: template.HTML(s.charts.Sparkline(h)),
		})
	}

	s.render(w, "dashboards.html", map[string]interface{}{
		"Dashboards": rows,
		"Active":     s.engine.Active(),
	})
}

// handleDashboard selects the dashboard, as opening it in the UI does.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	d, err := s.reg.Get(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.engine.Activate(id); err != nil {
		s.writeError(w, err)
		return
	}
	status, err := s.engine.Status(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	table, err := s.engine.Table(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	h, err := s.engine.ChartHistory(id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.render(w, "dashboard.html", map[string]interface{}{
		"Dashboard":    d,
		"Status":       status,
		"Table":        table,
		"OverallChart": template.HTML(s.charts.OverallChart(h)),
		"StepChart":    template.HTML(s.charts.PerStepChart(h)),
		"VUChart":      template.HTML(s.charts.PerVUChart(h)),
	})
}

func (s *Server) handleChart(w http.ResponseWriter, r *http.Request) {
	view, err := charts.ParseView(r.URL.Query().Get("view"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h, err := s.engine.ChartHistory(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	w.Write([]byte(s.charts.Chart(h, view)))
}

func (s *Server) handleListDashboardsAPI(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.reg.List())
}

func (s *Server) handleCreateDashboardAPI(w http.ResponseWriter, r *http.Request) {
	var req registry.CreateDashboardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	d, err := s.reg.Create(r.Context(), req)
	if err != nil {
		if errors.Is(err, registry.ErrExists) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (s *Server) handleDeleteDashboardAPI(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleActivateAPI(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.engine.Activate(id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeStatus(w, id)
}

func (s *Server) handleDeactivateAPI(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.engine.Deactivate(id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeStatus(w, id)
}

// handleHideAPI returns only after the close-time snapshot is stored, so a
// page can call it while unloading.
func (s *Server) handleHideAPI(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Hide(chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStatusAPI(w http.ResponseWriter, r *http.Request) {
	s.writeStatus(w, chi.URLParam(r, "id"))
}

func (s *Server) handleHistoryAPI(w http.ResponseWriter, r *http.Request) {
	h, err := s.engine.ChartHistory(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) handleTotalsAPI(w http.ResponseWriter, r *http.Request) {
	table, err := s.engine.Table(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, table)
}

func (s *Server) handleSecurityAPI(w http.ResponseWriter, r *http.Request) {
	d, err := s.reg.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if d.SecurityReport == nil {
		http.Error(w, "No security report for this dashboard", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, d.SecurityReport)
}

func (s *Server) writeStatus(w http.ResponseWriter, id string) {
	status, err := s.engine.Status(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, registry.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	log.Errf("Request failed: %v", err)
	http.Error(w, "Internal server error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warnf("Failed to encode response: %v", err)
	}
}

func (s *Server) render(w http.ResponseWriter, page string, data interface{}) {
	t, ok := s.templates[page]
	if !ok {
		log.Errf("Template not found: %s", page)
		http.Error(w, "Page not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	if err := t.ExecuteTemplate(w, "layout", data); err != nil {
		log.Errf("Template error: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}
