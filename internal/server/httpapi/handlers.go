package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/envsync/envsync/internal/common"
	"github.com/envsync/envsync/internal/server/models"
	"github.com/envsync/envsync/internal/server/services"
)

// --- account endpoints ---

type registerRequest struct {
	Username string `json:"username"`
	Salt     string `json:"salt"`     // base64
	Verifier string `json:"verifier"` // base64
}

type tokenPairResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Username == "" {
		respondError(w, http.StatusBadRequest, "username is required")
		return
	}
	salt, err := base64.StdEncoding.DecodeString(req.Salt)
	if err != nil {
		respondError(w, http.StatusBadRequest, "salt must be base64")
		return
	}
	verifier, err := base64.StdEncoding.DecodeString(req.Verifier)
	if err != nil {
		respondError(w, http.StatusBadRequest, "verifier must be base64")
		return
	}

	if _, err := s.users.Register(r.Context(), req.Username, salt, verifier); err != nil {
		s.logger.Error(r.Context(), "register failed", "error", err.Error())
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]bool{"success": true})
}

type loginRequest struct {
	Username string `json:"username"`
	Verifier string `json:"verifier"` // base64
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	verifier, err := base64.StdEncoding.DecodeString(req.Verifier)
	if err != nil {
		respondError(w, http.StatusBadRequest, "verifier must be base64")
		return
	}

	pair, err := s.users.Login(r.Context(), req.Username, verifier)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, tokenPairResponse{AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	pair, err := s.users.RefreshToken(r.Context(), req.RefreshToken)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, tokenPairResponse{AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken})
}

func (s *Server) handleGetSalt(w http.ResponseWriter, r *http.Request) {
	username := r.URL.Query().Get("username")
	if username == "" {
		respondError(w, http.StatusBadRequest, "username is required")
		return
	}

	salt, err := s.users.GetSalt(r.Context(), username)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"salt": base64.StdEncoding.EncodeToString(salt)})
}

// --- sync endpoints ---

type pushRequest struct {
	EntityType          string `json:"entityType"`
	EntityID            string `json:"entityId"`
	Payload             string `json:"payload"`
	ClaimedLocalVersion int64  `json:"claimedLocalVersion"`
	Checksum            string `json:"checksum"`
}

type pushResponse struct {
	Accepted bool  `json:"accepted"`
	Version  int64 `json:"version"`
}

type conflictSignal struct {
	ConflictID string `json:"conflictId"`
}

// handlePush runs the conflict detector for one entity. A detected conflict
// is reported as 409 with the conflict id so the client can route it to the
// resolution flow rather than a retry flow.
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "missing token")
		return
	}

	var req pushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := s.sync.Push(r.Context(), userID, &services.PushRequest{
		EntityType:          req.EntityType,
		EntityID:            req.EntityID,
		Payload:             req.Payload,
		ClaimedLocalVersion: req.ClaimedLocalVersion,
		Checksum:            req.Checksum,
	})
	if err != nil {
		if errors.Is(err, common.ErrTransport) {
			respondServiceError(w, err)
			return
		}
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !res.Accepted {
		respondJSON(w, http.StatusConflict, conflictSignal{ConflictID: res.ConflictID})
		return
	}
	respondJSON(w, http.StatusOK, pushResponse{Accepted: true, Version: res.Version})
}

type batchPushRequest struct {
	Items []pushRequest `json:"items"`
}

type batchPushResult struct {
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId"`
	Accepted   bool   `json:"accepted"`
	Version    int64  `json:"version,omitempty"`
	ConflictID string `json:"conflictId,omitempty"`
}

type batchItemError struct {
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId"`
	Error      string `json:"error"`
}

type batchPushResponse struct {
	Results []batchPushResult `json:"results"`
	Errors  []batchItemError  `json:"errors,omitempty"`
}

// handlePushBatch pushes several entities in one request. Each entity is
// processed independently; per-entity failures come back in the error list
// without aborting the rest.
func (s *Server) handlePushBatch(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "missing token")
		return
	}

	var req batchPushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	reqs := make([]*services.PushRequest, 0, len(req.Items))
	for _, item := range req.Items {
		reqs = append(reqs, &services.PushRequest{
			EntityType:          item.EntityType,
			EntityID:            item.EntityID,
			Payload:             item.Payload,
			ClaimedLocalVersion: item.ClaimedLocalVersion,
			Checksum:            item.Checksum,
		})
	}

	results, errs := s.sync.PushBatch(r.Context(), userID, reqs)

	resp := batchPushResponse{Results: make([]batchPushResult, 0, len(results))}
	for _, res := range results {
		resp.Results = append(resp.Results, batchPushResult{
			EntityType: res.EntityType,
			EntityID:   res.EntityID,
			Accepted:   res.Accepted,
			Version:    res.Version,
			ConflictID: res.ConflictID,
		})
	}
	for _, e := range errs {
		resp.Errors = append(resp.Errors, batchItemError{EntityType: e.EntityType, EntityID: e.EntityID, Error: e.Err.Error()})
	}
	respondJSON(w, http.StatusOK, resp)
}

type pullEntity struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Version int64  `json:"version"`
}

type pullRequest struct {
	Entities []pullEntity `json:"entities"`
}

type pullUpdate struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Version int64  `json:"version"`
	Payload string `json:"payload"`
}

type pullResponse struct {
	Updates []pullUpdate     `json:"updates"`
	Errors  []batchItemError `json:"errors,omitempty"`
}

// handlePull returns newer payloads for the requested entities; entities
// already at parity are omitted.
func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "missing token")
		return
	}

	var req pullRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	items := make([]services.PullItem, 0, len(req.Entities))
	for _, e := range req.Entities {
		items = append(items, services.PullItem{EntityType: e.Type, EntityID: e.ID, KnownVersion: e.Version})
	}

	updates, errs := s.sync.Pull(r.Context(), userID, items)

	resp := pullResponse{Updates: make([]pullUpdate, 0, len(updates))}
	for _, u := range updates {
		resp.Updates = append(resp.Updates, pullUpdate{Type: u.EntityType, ID: u.EntityID, Version: u.Version, Payload: u.Payload})
	}
	for _, e := range errs {
		resp.Errors = append(resp.Errors, batchItemError{EntityType: e.EntityType, EntityID: e.EntityID, Error: e.Err.Error()})
	}
	respondJSON(w, http.StatusOK, resp)
}

type conflictSide struct {
	Payload    string    `json:"payload"`
	DetectedAt time.Time `json:"detectedAt"`
}

type conflictView struct {
	ID         string       `json:"id"`
	EntityType string       `json:"entityType"`
	EntityID   string       `json:"entityId"`
	Local      conflictSide `json:"local"`
	Remote     conflictSide `json:"remote"`
}

func (s *Server) handleListConflicts(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "missing token")
		return
	}

	pending, err := s.sync.ListConflicts(r.Context(), userID)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	views := make([]conflictView, 0, len(pending))
	for _, c := range pending {
		views = append(views, conflictView{
			ID:         c.ID,
			EntityType: c.EntityType,
			EntityID:   c.EntityID,
			Local:      conflictSide{Payload: c.LocalData, DetectedAt: c.DetectedAt},
			Remote:     conflictSide{Payload: c.RemoteData, DetectedAt: c.DetectedAt},
		})
	}
	respondJSON(w, http.StatusOK, map[string][]conflictView{"conflicts": views})
}

type resolveRequest struct {
	Resolution   string `json:"resolution"`
	ResolvedData string `json:"resolvedData,omitempty"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "missing token")
		return
	}
	conflictID := mux.Vars(r)["conflict_id"]

	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	resolution, err := models.ParseResolution(req.Resolution)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.sync.Resolve(r.Context(), userID, conflictID, resolution, req.ResolvedData); err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type statusEntry struct {
	EntityType    string `json:"entityType"`
	EntityID      string `json:"entityId"`
	Status        string `json:"status"`
	LocalVersion  int64  `json:"localVersion"`
	RemoteVersion int64  `json:"remoteVersion"`
	BaseVersion   int64  `json:"baseVersion"`
	LastSyncAt    string `json:"lastSyncAt,omitempty"`
	LastSyncError string `json:"lastSyncError,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "missing token")
		return
	}

	states, err := s.sync.ListStates(r.Context(), userID)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	entries := make([]statusEntry, 0, len(states))
	for _, st := range states {
		e := statusEntry{
			EntityType:    st.EntityType,
			EntityID:      st.EntityID,
			Status:        string(st.Status),
			LocalVersion:  st.LocalVersion,
			RemoteVersion: st.RemoteVersion,
			BaseVersion:   st.BaseVersion,
		}
		if st.LastSyncAt.Valid {
			e.LastSyncAt = st.LastSyncAt.Time.Format(time.RFC3339)
		}
		if st.LastSyncError.Valid {
			e.LastSyncError = st.LastSyncError.String
		}
		entries = append(entries, e)
	}
	respondJSON(w, http.StatusOK, map[string][]statusEntry{"entities": entries})
}
