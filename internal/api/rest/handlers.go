package rest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/arohanajit/simplecql/internal/cluster"
	"github.com/arohanajit/simplecql/internal/cql"
	"github.com/arohanajit/simplecql/internal/metrics"
	"github.com/arohanajit/simplecql/internal/pool"
	"github.com/arohanajit/simplecql/internal/stmtcache"
)

const (
	maxPayloadSize      = 1 << 20 // 1MB
	defaultQueryTimeout = 10 * time.Second
)

// Driver is the part of a session the admin endpoints read and drive
type Driver interface {
	Tracker() *cluster.Tracker
	Pools() []pool.Stats
	Statements() *stmtcache.Cache
	Metrics() *metrics.DriverMetrics
	Execute(ctx context.Context, query string, values ...interface{}) (*cql.ResultSet, error)
	Closed() bool
}

// AdminHandler serves the driver admin API
type AdminHandler struct {
	driver       Driver
	cluster      *ClusterHandler
	metrics      *metrics.DriverMetrics
	logger       *zap.Logger
	queryTimeout time.Duration
}

// NewAdminHandler creates a new instance of AdminHandler
func NewAdminHandler(d Driver, logger *zap.Logger) *AdminHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("admin")
	return &AdminHandler{
		driver:       d,
		cluster:      NewClusterHandler(d.Tracker(), logger),
		metrics:      d.Metrics(),
		logger:       logger,
		queryTimeout: defaultQueryTimeout,
	}
}

// RegisterRoutes registers every admin route, cluster routes included
func (h *AdminHandler) RegisterRoutes(r *mux.Router) {
	h.cluster.RegisterRoutes(r)
	r.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/pools", h.handlePools).Methods(http.MethodGet)
	r.HandleFunc("/statements", h.handleStatements).Methods(http.MethodGet)
	r.HandleFunc("/statements", h.handleInvalidate).Methods(http.MethodDelete)
	r.HandleFunc("/query", h.handleQuery).Methods(http.MethodPost)
	r.Handle("/metrics", h.metrics.Handler()).Methods(http.MethodGet)
}

type healthResponse struct {
	Status  string `json:"status"`
	NodesUp int    `json:"nodes_up"`
	Nodes   int    `json:"nodes"`
}

// handleHealth handles GET /health requests
func (h *AdminHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := h.driver.Tracker().Snapshot()
	resp := healthResponse{Status: "ok", NodesUp: len(snap.Up()), Nodes: snap.Len()}

	status := http.StatusOK
	switch {
	case h.driver.Closed():
		resp.Status = "closed"
		status = http.StatusServiceUnavailable
	case resp.NodesUp == 0:
		resp.Status = "no_hosts"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// handlePools handles GET /pools requests
func (h *AdminHandler) handlePools(w http.ResponseWriter, r *http.Request) {
	stats := h.driver.Pools()
	if stats == nil {
		stats = []pool.Stats{}
	}
	writeJSON(w, http.StatusOK, stats)
}

type statementsResponse struct {
	stmtcache.Stats
	Queries []string `json:"queries"`
}

// handleStatements handles GET /statements requests
func (h *AdminHandler) handleStatements(w http.ResponseWriter, r *http.Request) {
	cache := h.driver.Statements()
	writeJSON(w, http.StatusOK, statementsResponse{Stats: cache.Stats(), Queries: cache.Queries()})
}

// handleInvalidate handles DELETE /statements requests. With a query
// parameter only that statement is dropped, otherwise the cache is purged.
func (h *AdminHandler) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	cache := h.driver.Statements()
	query := r.URL.Query().Get("query")
	if query == "" {
		cache.Purge()
		h.logger.Info("Statement cache purged through admin API")
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if !cache.Invalidate(query) {
		http.Error(w, "statement not cached", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type queryRequest struct {
	Query  string        `json:"query"`
	Values []interface{} `json:"values"`
}

type queryResponse struct {
	Coordinator string     `json:"coordinator"`
	Columns     []string   `json:"columns"`
	Rows        [][]string `json:"rows"`
	HasMore     bool       `json:"has_more_pages"`
}

// handleQuery handles POST /query requests
func (h *AdminHandler) handleQuery(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength > maxPayloadSize {
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadSize))
	if err != nil {
		http.Error(w, "error reading request body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	var req queryRequest
	if err := json.Unmarshal(body, &req); err != nil || req.Query == "" {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.queryTimeout)
	defer cancel()
	rs, err := h.driver.Execute(ctx, req.Query, req.Values...)
	if err != nil {
		h.logger.Debug("Admin query failed", zap.String("query", req.Query), zap.Error(err))
		http.Error(w, err.Error(), statusFor(err))
		return
	}

	resp := queryResponse{
		Coordinator: rs.Coordinator,
		Columns:     make([]string, 0, len(rs.Columns)),
		Rows:        make([][]string, 0, rs.Len()),
		HasMore:     rs.HasMorePages(),
	}
	for _, col := range rs.Columns {
		resp.Columns = append(resp.Columns, col.Name)
	}
	for _, row := range rs.All() {
		cells := make([]string, len(row.Cells))
		for i, cell := range row.Cells {
			cells[i] = cell.String()
		}
		resp.Rows = append(resp.Rows, cells)
	}
	writeJSON(w, http.StatusOK, resp)
}

// statusFor maps driver errors onto HTTP status codes
func statusFor(err error) int {
	var (
		queryErr   *cql.QueryError
		timeoutErr *cql.TimeoutError
	)
	switch {
	case errors.Is(err, cql.ErrSessionClosed), errors.Is(err, cql.ErrNoHostAvailable):
		return http.StatusServiceUnavailable
	case errors.As(err, &timeoutErr), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &queryErr):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
