// Package handler provides HTTP request handlers for the sitefs admin API.
package handler

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/devrev/sitefs/internal/client"
	"github.com/devrev/sitefs/internal/errors"
	"github.com/devrev/sitefs/internal/model"
	"github.com/devrev/sitefs/internal/replica"
	"github.com/devrev/sitefs/internal/service"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// IdempotencyKeyHeader names the header carrying a write's idempotency key.
const IdempotencyKeyHeader = "Idempotency-Key"

// ErrorCodeClientNotFound is returned for unknown client IDs.
const ErrorCodeClientNotFound ErrorCode = "CLIENT_NOT_FOUND"

// Membership reports what gossip has observed about the sites.
type Membership interface {
	Members() []string
	Observed() map[model.Site]bool
}

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	coordinator  *service.CoordinatorService
	clients      *ClientRegistry
	membership   Membership
	errorHandler *ErrorHandler
	maxBodyBytes int64
	logger       *zap.Logger
}

// NewHandlers creates a new Handlers instance. Request bodies larger than
// maxBodyBytes are rejected.
func NewHandlers(
	coordinator *service.CoordinatorService,
	clients *ClientRegistry,
	errorHandler *ErrorHandler,
	maxBodyBytes int64,
	logger *zap.Logger,
) *Handlers {
	return &Handlers{
		coordinator:  coordinator,
		clients:      clients,
		errorHandler: errorHandler,
		maxBodyBytes: maxBodyBytes,
		logger:       logger,
	}
}

// SetMembership adds gossip membership to replica status responses.
func (h *Handlers) SetMembership(m Membership) {
	h.membership = m
}

// Register adds the API routes to r.
func (h *Handlers) Register(r *mux.Router) {
	r.HandleFunc("/files/{name}", h.ReadFile).Methods(http.MethodGet)
	r.HandleFunc("/files/{name}", h.WriteFile).Methods(http.MethodPut)

	r.HandleFunc("/clients", h.ListClients).Methods(http.MethodGet)
	r.HandleFunc("/clients/{client}/cache", h.ClientCache).Methods(http.MethodGet)
	r.HandleFunc("/clients/{client}/files/{name}", h.ClientReadFile).Methods(http.MethodGet)
	r.HandleFunc("/clients/{client}/files/{name}", h.ClientWriteFile).Methods(http.MethodPut)

	r.HandleFunc("/replicas", h.ReplicaStatus).Methods(http.MethodGet)
	r.HandleFunc("/replicas/{site}/files/{name}", h.ReplicaReadFile).Methods(http.MethodGet)
	r.HandleFunc("/replicas/{site}/availability", h.SetAvailability).Methods(http.MethodPut)
}

// WriteRequest is the body of a file write.
type WriteRequest struct {
	Content *string `json:"content"`
}

// FileResponse is returned by file reads.
type FileResponse struct {
	File    string     `json:"file"`
	Content string     `json:"content"`
	Version uint64     `json:"version"`
	Site    model.Site `json:"site,omitempty"`
}

// ClientFileResponse is returned by client reads.
type ClientFileResponse struct {
	Client  string `json:"client"`
	File    string `json:"file"`
	Content string `json:"content"`
	Version uint64 `json:"version"`
}

// ClientResponse describes a registered client and its cache.
type ClientResponse struct {
	Client        string                      `json:"client"`
	PreferredSite model.Site                  `json:"preferred_site"`
	Cache         map[string]model.CacheEntry `json:"cache"`
}

// ReplicaStatusResponse is returned by GET /v1/replicas.
type ReplicaStatusResponse struct {
	Replicas        []model.ReplicaStatus `json:"replicas"`
	Available       int                   `json:"available"`
	QuorumAvailable bool                  `json:"quorum_available"`
	Gossip          *GossipStatus         `json:"gossip,omitempty"`
}

// GossipStatus lists the live gossip members and the last join or leave
// seen per site.
type GossipStatus struct {
	Members  []string            `json:"members"`
	Observed map[model.Site]bool `json:"observed"`
}

// AvailabilityRequest is the body of PUT /v1/replicas/{site}/availability.
type AvailabilityRequest struct {
	Available *bool `json:"available"`
}

// ReadFile handles GET /v1/files/{name}?site=.
func (h *Handlers) ReadFile(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	site, err := h.siteParam(r)
	if err != nil {
		h.errorHandler.HandleError(w, r, err, nil)
		return
	}

	fv, servedBy, err := h.coordinator.ReadFrom(r.Context(), name, site)
	if err != nil {
		h.errorHandler.HandleError(w, r, err, nil)
		return
	}
	if fv == nil {
		h.errorHandler.HandleError(w, r, errors.FileNotFound(name), nil)
		return
	}

	h.writeJSONResponse(w, http.StatusOK, FileResponse{
		File:    fv.Name,
		Content: fv.Content,
		Version: fv.Version,
		Site:    servedBy,
	})
}

// WriteFile handles PUT /v1/files/{name}.
func (h *Handlers) WriteFile(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	content, ok := h.decodeWrite(w, r)
	if !ok {
		return
	}

	result, err := h.coordinator.Write(r.Context(), name, content, r.Header.Get(IdempotencyKeyHeader))
	h.writeResult(w, r, result, err)
}

// ClientReadFile handles GET /v1/clients/{client}/files/{name}?site=.
// The site parameter only matters the first time a client is used.
func (h *Handlers) ClientReadFile(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	c, ok := h.clientFor(w, r, vars["client"])
	if !ok {
		return
	}

	content, err := c.ReadFile(r.Context(), vars["name"])
	if err != nil {
		h.errorHandler.HandleError(w, r, err, nil)
		return
	}

	entry, _ := c.CacheEntry(vars["name"])
	h.writeJSONResponse(w, http.StatusOK, ClientFileResponse{
		Client:  c.ID(),
		File:    vars["name"],
		Content: content,
		Version: entry.Version,
	})
}

// ClientWriteFile handles PUT /v1/clients/{client}/files/{name}?site=.
func (h *Handlers) ClientWriteFile(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	c, ok := h.clientFor(w, r, vars["client"])
	if !ok {
		return
	}
	content, ok := h.decodeWrite(w, r)
	if !ok {
		return
	}

	result, err := c.WriteFile(r.Context(), vars["name"], content)
	h.writeResult(w, r, result, err)
}

// ListClients handles GET /v1/clients.
func (h *Handlers) ListClients(w http.ResponseWriter, r *http.Request) {
	clients := h.clients.List()
	out := make([]ClientResponse, 0, len(clients))
	for _, c := range clients {
		out = append(out, clientResponse(c.ID(), c.PreferredSite(), c.CachedFiles(), c.CacheEntry))
	}
	h.writeJSONResponse(w, http.StatusOK, map[string]interface{}{"clients": out})
}

// ClientCache handles GET /v1/clients/{client}/cache.
func (h *Handlers) ClientCache(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["client"]
	c, ok := h.clients.Get(id)
	if !ok {
		h.errorHandler.WriteErrorResponse(w, http.StatusNotFound, ErrorResponse{
			Status:    "error",
			ErrorCode: ErrorCodeClientNotFound,
			Message:   fmt.Sprintf("client %s not found", id),
		})
		return
	}
	h.writeJSONResponse(w, http.StatusOK,
		clientResponse(c.ID(), c.PreferredSite(), c.CachedFiles(), c.CacheEntry))
}

// ReplicaStatus handles GET /v1/replicas.
func (h *Handlers) ReplicaStatus(w http.ResponseWriter, r *http.Request) {
	resp := ReplicaStatusResponse{
		Replicas:        h.coordinator.Status(),
		Available:       h.coordinator.AvailableCount(),
		QuorumAvailable: h.coordinator.QuorumAvailable(),
	}
	if h.membership != nil {
		resp.Gossip = &GossipStatus{
			Members:  h.membership.Members(),
			Observed: h.membership.Observed(),
		}
	}
	h.writeJSONResponse(w, http.StatusOK, resp)
}

// ReplicaReadFile handles GET /v1/replicas/{site}/files/{name}. It reads one
// replica directly, so stale secondaries are visible.
func (h *Handlers) ReplicaReadFile(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	rep, err := h.replicaFor(vars["site"])
	if err != nil {
		h.errorHandler.HandleError(w, r, err, nil)
		return
	}

	fv, err := rep.Read(r.Context(), vars["name"])
	if err != nil {
		h.errorHandler.HandleError(w, r, err, nil)
		return
	}
	if fv == nil {
		h.errorHandler.HandleError(w, r, errors.FileNotFound(vars["name"]), nil)
		return
	}

	h.writeJSONResponse(w, http.StatusOK, FileResponse{
		File:    fv.Name,
		Content: fv.Content,
		Version: fv.Version,
		Site:    rep.Site(),
	})
}

// SetAvailability handles PUT /v1/replicas/{site}/availability.
func (h *Handlers) SetAvailability(w http.ResponseWriter, r *http.Request) {
	site, err := model.ParseSite(mux.Vars(r)["site"])
	if err != nil {
		h.errorHandler.WriteValidationError(w, r, err.Error())
		return
	}

	var req AvailabilityRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		h.errorHandler.WriteValidationError(w, r, err.Error())
		return
	}
	if req.Available == nil {
		h.errorHandler.WriteValidationError(w, r, "available is required")
		return
	}

	if err := h.coordinator.SetAvailability(site, *req.Available); err != nil {
		h.errorHandler.HandleError(w, r, err, nil)
		return
	}

	h.logger.Info("Replica availability changed",
		zap.String("site", site.String()),
		zap.Bool("available", *req.Available))

	h.ReplicaStatus(w, r)
}

func (h *Handlers) clientFor(w http.ResponseWriter, r *http.Request, id string) (*client.Client, bool) {
	if c, ok := h.clients.Get(id); ok {
		return c, true
	}

	site, err := h.siteParam(r)
	if err != nil {
		h.errorHandler.HandleError(w, r, err, nil)
		return nil, false
	}
	if site == "" {
		site = h.coordinator.Sites()[0]
	} else if _, err := h.coordinator.Replica(site); err != nil {
		h.errorHandler.HandleError(w, r, err, nil)
		return nil, false
	}
	c, err := h.clients.GetOrCreate(id, site)
	if err != nil {
		h.errorHandler.HandleError(w, r, err, nil)
		return nil, false
	}
	return c, true
}

func (h *Handlers) replicaFor(raw string) (*replica.Replica, error) {
	site, err := model.ParseSite(raw)
	if err != nil {
		return nil, errors.InvalidArgument(err.Error(), err)
	}
	return h.coordinator.Replica(site)
}

// siteParam returns the ?site= query parameter, or "" when absent.
func (h *Handlers) siteParam(r *http.Request) (model.Site, error) {
	raw := r.URL.Query().Get("site")
	if raw == "" {
		return "", nil
	}
	site, err := model.ParseSite(raw)
	if err != nil {
		return "", errors.InvalidArgument(err.Error(), err)
	}
	return site, nil
}

func (h *Handlers) decodeWrite(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req WriteRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		h.errorHandler.WriteValidationError(w, r, err.Error())
		return "", false
	}
	if req.Content == nil {
		h.errorHandler.WriteValidationError(w, r, "content is required")
		return "", false
	}
	return *req.Content, true
}

func (h *Handlers) decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	body := http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if err == io.EOF {
			return fmt.Errorf("request body is required")
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func (h *Handlers) writeResult(w http.ResponseWriter, r *http.Request, result *service.WriteResult, err error) {
	if err != nil {
		if result != nil {
			h.errorHandler.HandleError(w, r, err, result)
		} else {
			h.errorHandler.HandleError(w, r, err, nil)
		}
		return
	}
	if result == nil || !result.Success {
		h.errorHandler.HandleError(w, r, errors.InternalError("write did not complete", nil), result)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, result)
}

// writeJSONResponse writes a JSON response.
func (h *Handlers) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func clientResponse(
	id string,
	preferred model.Site,
	files []string,
	entry func(string) (model.CacheEntry, bool),
) ClientResponse {
	cache := make(map[string]model.CacheEntry, len(files))
	for _, name := range files {
		if e, ok := entry(name); ok {
			cache[name] = e
		}
	}
	return ClientResponse{Client: id, PreferredSite: preferred, Cache: cache}
}
