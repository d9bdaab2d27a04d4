package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/arohanajit/simplecql/internal/cluster"
	"github.com/arohanajit/simplecql/internal/cql"
)

// Topology is the part of the topology tracker the cluster endpoints drive
type Topology interface {
	Snapshot() *cluster.Topology
	MarkDown(addr string)
	MarkUp(addr string)
	Refresh(ctx context.Context) error
}

// ClusterHandler handles cluster topology API endpoints
type ClusterHandler struct {
	topology Topology
	logger   *zap.Logger
}

// NewClusterHandler creates a new instance of ClusterHandler
func NewClusterHandler(t Topology, logger *zap.Logger) *ClusterHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ClusterHandler{
		topology: t,
		logger:   logger,
	}
}

// RegisterRoutes registers cluster topology routes
func (h *ClusterHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/cluster", h.handleMetadata).Methods(http.MethodGet)
	r.HandleFunc("/cluster/nodes", h.handleListNodes).Methods(http.MethodGet)
	r.HandleFunc("/cluster/nodes/{address}", h.handleGetNode).Methods(http.MethodGet)
	r.HandleFunc("/cluster/nodes/{address}/down", h.handleMarkDown).Methods(http.MethodPost)
	r.HandleFunc("/cluster/nodes/{address}/up", h.handleMarkUp).Methods(http.MethodPost)
	r.HandleFunc("/cluster/refresh", h.handleRefresh).Methods(http.MethodPost)
}

// handleMetadata handles GET /cluster requests
func (h *ClusterHandler) handleMetadata(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.topology.Snapshot().Metadata())
}

// handleListNodes handles GET /cluster/nodes requests
func (h *ClusterHandler) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes := h.topology.Snapshot().Nodes()
	if state := r.URL.Query().Get("state"); state != "" {
		filtered := nodes[:0]
		for _, n := range nodes {
			if n.State.String() == state {
				filtered = append(filtered, n)
			}
		}
		nodes = filtered
	}
	writeJSON(w, http.StatusOK, nodes)
}

// handleGetNode handles GET /cluster/nodes/{address} requests
func (h *ClusterHandler) handleGetNode(w http.ResponseWriter, r *http.Request) {
	node, ok := h.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, node)
}

// handleMarkDown handles POST /cluster/nodes/{address}/down requests
func (h *ClusterHandler) handleMarkDown(w http.ResponseWriter, r *http.Request) {
	node, ok := h.lookup(w, r)
	if !ok {
		return
	}
	h.logger.Info("Node marked down through admin API", zap.String("node", node.Address))
	h.topology.MarkDown(node.Address)
	h.respondNode(w, node.Address)
}

// handleMarkUp handles POST /cluster/nodes/{address}/up requests
func (h *ClusterHandler) handleMarkUp(w http.ResponseWriter, r *http.Request) {
	node, ok := h.lookup(w, r)
	if !ok {
		return
	}
	h.logger.Info("Node marked up through admin API", zap.String("node", node.Address))
	h.topology.MarkUp(node.Address)
	h.respondNode(w, node.Address)
}

// handleRefresh handles POST /cluster/refresh requests
func (h *ClusterHandler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := h.topology.Refresh(r.Context()); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, cql.ErrNoHostAvailable) {
			status = http.StatusServiceUnavailable
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusOK, h.topology.Snapshot().Metadata())
}

func (h *ClusterHandler) lookup(w http.ResponseWriter, r *http.Request) (cluster.Node, bool) {
	address := mux.Vars(r)["address"]
	node, ok := h.topology.Snapshot().Node(address)
	if !ok {
		http.Error(w, "node not found", http.StatusNotFound)
		return cluster.Node{}, false
	}
	return node, true
}

func (h *ClusterHandler) respondNode(w http.ResponseWriter, address string) {
	node, ok := h.topology.Snapshot().Node(address)
	if !ok {
		// removed between the update and the read
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
