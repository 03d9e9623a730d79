package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/GustavPetterssonBjorklund/Statix/pkg/nodeauth"
	"github.com/GustavPetterssonBjorklund/Statix/pkg/store"
)

const defaultMetricsLimit = 60

// handleListNodes returns the roster. Without the broad nodes:read
// permission the listing is filtered to per-node grants.
func (s *server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	principal := principalFromContext(r.Context())

	if !principal.HasPermission("nodes:read") && !hasAnyNodeRead(principal) {
		writeJSON(w, http.StatusForbidden,
			errorResponse{"insufficient permissions"})

		return
	}

	nodes, err := s.store.ListNodesWithStats(r.Context())
	if err != nil {
		s.writeError(w, err)

		return
	}

	if !principal.HasPermission("nodes:read") {
		filtered := make([]store.NodeWithStats, 0, len(nodes))

		for _, node := range nodes {
			if principal.HasPermission("node:read:" + node.ID) {
				filtered = append(filtered, node)
			}
		}

		nodes = filtered
	}

	writeJSON(w, http.StatusOK, nodes)
}

// handleNodeMetrics returns the newest samples for one node, oldest
// first. The limit query parameter is clamped to [1, 300].
func (s *server) handleNodeMetrics(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "nodeId")
	principal := principalFromContext(r.Context())

	if !canReadNode(principal, nodeID) {
		writeJSON(w, http.StatusForbidden,
			errorResponse{"insufficient permissions"})

		return
	}

	if _, err := s.store.FindNodeByID(r.Context(), nodeID); err != nil {
		s.writeError(w, err)

		return
	}

	limit := defaultMetricsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest,
				errorResponse{"invalid limit"})

			return
		}

		limit = parsed
	}

	metrics, err := s.store.ListRecentMetrics(r.Context(), nodeID, limit)
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"nodeId":  nodeID,
		"metrics": metrics,
	})
}

type createNodeRequest struct {
	Name string `json:"name"`
}

type createNodeResponse struct {
	ID        string  `json:"id"`
	Name      *string `json:"name"`
	CreatedAt string  `json:"createdAt"`
	Token     string  `json:"token"`
	EnvFile   string  `json:"envFile"`
}

// handleCreateNode registers a node and returns its one-time token plus
// a ready-to-paste agent .env body.
func (s *server) handleCreateNode(w http.ResponseWriter, r *http.Request) {
	principal := principalFromContext(r.Context())
	if !principal.HasPermission("nodes:create") {
		writeJSON(w, http.StatusForbidden,
			errorResponse{"insufficient permissions"})

		return
	}

	var req createNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid request body"})

		return
	}

	var name *string
	if req.Name != "" {
		name = &req.Name
	}

	result, err := s.nodeAuth.CreateNode(r.Context(), name)
	if err != nil {
		s.writeError(w, err)

		return
	}

	s.audit(r, principal, store.AuditNodeCreated, result.Node.ID)

	envFile := fmt.Sprintf(
		"STATIX_NODE_ID=%s\nSTATIX_NODE_TOKEN=%s\nSTATIX_API_URL=%s\n",
		result.Node.ID, result.Token, s.publicBaseURL(r),
	)

	writeJSON(w, http.StatusCreated, createNodeResponse{
		ID:        result.Node.ID,
		Name:      result.Node.Name,
		CreatedAt: result.Node.CreatedAt.Format(timeFormat),
		Token:     result.Token,
		EnvFile:   envFile,
	})
}

// handleRenameNode updates a node's display name.
func (s *server) handleRenameNode(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "nodeId")
	principal := principalFromContext(r.Context())

	if !canWriteNode(principal, nodeID) {
		writeJSON(w, http.StatusForbidden,
			errorResponse{"insufficient permissions"})

		return
	}

	var req createNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid request body"})

		return
	}

	var name *string
	if req.Name != "" {
		name = &req.Name
	}

	ok, err := s.store.UpdateNodeName(r.Context(), nodeID, name)
	if err != nil {
		s.writeError(w, err)

		return
	}

	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{"node not found"})

		return
	}

	node, err := s.store.FindNodeByID(r.Context(), nodeID)
	if err != nil {
		s.writeError(w, err)

		return
	}

	s.roster.Changed()

	writeJSON(w, http.StatusOK, node)
}

// handleDeleteNode removes a node and its telemetry.
func (s *server) handleDeleteNode(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "nodeId")
	principal := principalFromContext(r.Context())

	if !canWriteNode(principal, nodeID) {
		writeJSON(w, http.StatusForbidden,
			errorResponse{"insufficient permissions"})

		return
	}

	ok, err := s.store.DeleteNodeByID(r.Context(), nodeID)
	if err != nil {
		s.writeError(w, err)

		return
	}

	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{"node not found"})

		return
	}

	s.audit(r, principal, store.AuditNodeDeleted, nodeID)
	s.roster.Changed()

	w.WriteHeader(http.StatusNoContent)
}

type exchangeRequest struct {
	NodeID    string `json:"nodeId"`
	NodeToken string `json:"nodeToken"`
}

// handleNodeExchange swaps a node's long-lived token for broker
// coordinates.
func (s *server) handleNodeExchange(w http.ResponseWriter, r *http.Request) {
	var req exchangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid request body"})

		return
	}

	if req.NodeID == "" || req.NodeToken == "" {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"nodeId and nodeToken are required"})

		return
	}

	creds, err := s.nodeAuth.Exchange(r.Context(), req.NodeID, req.NodeToken)
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]*nodeauth.BrokerCredentials{
		"mqtt": creds,
	})
}

// publicBaseURL reconstructs the externally visible base URL for the
// generated agent env file.
func (s *server) publicBaseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}

	return fmt.Sprintf("%s://%s", scheme, r.Host)
}

// audit records a node mutation, best-effort.
func (s *server) audit(
	r *http.Request, principal *store.SessionPrincipal, action, details string,
) {
	ip := clientIP(r)
	userAgent := r.UserAgent()

	entry := &store.AuditLog{
		UserID:    &principal.User.ID,
		Action:    action,
		IP:        &ip,
		UserAgent: &userAgent,
		Details:   &details,
	}

	if err := s.store.InsertAudit(r.Context(), entry); err != nil {
		s.log.WithError(err).WithField("action", action).
			Warn("Failed to record audit entry")
	}
}
