// Package handler exposes the coordinator's admin and metrics HTTP surface.
package handler

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/warmfleet/coordinator/internal/manager"
	"github.com/warmfleet/coordinator/pkg/logger"
)

// AdminHandler serves cluster status, node and cache registry views
type AdminHandler struct {
	manager *manager.Manager
	logger  *logger.Logger
}

// NewAdminHandler creates an admin handler backed by the cluster manager
func NewAdminHandler(m *manager.Manager, log *logger.Logger) *AdminHandler {
	return &AdminHandler{
		manager: m,
		logger:  log.WithField("component", "admin"),
	}
}

// RegisterRoutes attaches all admin endpoints to the router
func (h *AdminHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/admin/status", h.StatusHandler).Methods(http.MethodGet)
	r.HandleFunc("/admin/nodes", h.NodesHandler).Methods(http.MethodGet)
	r.HandleFunc("/admin/cache", h.CacheHandler).Methods(http.MethodGet)
	r.Handle("/metrics", h.manager.MetricsHandler()).Methods(http.MethodGet)
}

// StatusHandler returns the aggregated cluster status
func (h *AdminHandler) StatusHandler(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.manager.GetStatus())
}

// NodesHandler returns per-node health and cache summaries
func (h *AdminHandler) NodesHandler(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.manager.GetStatus().Nodes)
}

// cacheEntryView flattens a registry entry for JSON output
type cacheEntryView struct {
	PromptHash string   `json:"prompt_hash"`
	ToolsHash  string   `json:"tools_hash,omitempty"`
	NodeIDs    []string `json:"node_ids"`
}

// CacheHandler returns the cluster-wide cache registry
func (h *AdminHandler) CacheHandler(w http.ResponseWriter, r *http.Request) {
	entries := h.manager.CacheEntries()

	views := make([]cacheEntryView, 0, len(entries))
	for key, nodeIDs := range entries {
		views = append(views, cacheEntryView{
			PromptHash: key.PromptHash,
			ToolsHash:  key.ToolsHash,
			NodeIDs:    nodeIDs,
		})
	}
	h.writeJSON(w, http.StatusOK, views)
}

// writeJSON writes a JSON response
func (h *AdminHandler) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.WithError(err).Error("Failed to encode admin response")
	}
}
