// Package api provides a read-only HTTP API over a running node, for the
// external GUI and for diagnostics.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/beamlab/mapsync/internal/node"
)

// Server is the HTTP API server.
type Server struct {
	node *node.Node
	mux  *http.ServeMux
}

// New creates an API server over a node.
func New(n *node.Node) *Server {
	s := &Server{node: n, mux: http.NewServeMux()}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/status", s.handleStatus)
	s.mux.HandleFunc("/peers", s.handlePeers)
	s.mux.HandleFunc("/document", s.handleDocument)
	s.mux.HandleFunc("/catalog", s.handleCatalog)
	s.mux.HandleFunc("/search", s.handleSearch)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// CORS headers so a browser-hosted GUI can poll.
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "read-only API", http.StatusMethodNotAllowed)
		return
	}

	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	peers := s.node.Peers()
	var syncing bool
	for _, p := range peers {
		if p.IsSelf {
			syncing = p.IsSyncing
		}
	}
	writeJSON(w, map[string]interface{}{
		"id":         s.node.ID(),
		"role":       s.node.Role().String(),
		"peer_count": len(peers) - 1,
		"catalog":    len(s.node.ContentSet()),
		"is_syncing": syncing,
		"time":       time.Now().UTC(),
	})
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	type peerView struct {
		ID        string  `json:"id"`
		Addr      string  `json:"addr"`
		IsSelf    bool    `json:"is_self"`
		IsMaster  bool    `json:"is_master"`
		LastSeen  int64   `json:"last_seen_ms"`
		IsSyncing bool    `json:"is_syncing"`
		Progress  float32 `json:"progress"`
		Filename  string  `json:"filename,omitempty"`
	}

	now := time.Now()
	peers := s.node.Peers()
	views := make([]peerView, 0, len(peers))
	for _, p := range peers {
		views = append(views, peerView{
			ID:        p.ID,
			Addr:      p.Key(),
			IsSelf:    p.IsSelf,
			IsMaster:  p.IsMaster,
			LastSeen:  now.Sub(p.LastSeen).Milliseconds(),
			IsSyncing: p.IsSyncing,
			Progress:  p.Progress,
			Filename:  p.Filename,
		})
	}
	writeJSON(w, views)
}

func (s *Server) handleDocument(w http.ResponseWriter, r *http.Request) {
	data, err := s.node.Document().Serialize()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.node.ContentSet())
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		http.Error(w, "missing q parameter", http.StatusBadRequest)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	results, err := s.node.Search(q, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, results)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
