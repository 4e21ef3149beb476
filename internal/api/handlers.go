package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vpnwarden/vpnwarden/internal/routeros"
	"github.com/vpnwarden/vpnwarden/internal/session"
	"github.com/vpnwarden/vpnwarden/internal/store"
)

// Handlers holds all HTTP handlers and their dependencies.
type Handlers struct {
	svc       *session.Service
	store     *store.Store
	version   string
	startedAt time.Time
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(svc *session.Service, st *store.Store, version string) *Handlers {
	return &Handlers{
		svc:       svc,
		store:     st,
		version:   version,
		startedAt: time.Now(),
	}
}

// StatusHandler handles GET /status.
func (h *Handlers) StatusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	counts, err := h.store.CountByStatus()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		Status:    "operational",
		Version:   h.version,
		Uptime:    time.Since(h.startedAt).Round(time.Second).String(),
		StartedAt: h.startedAt,
		Grants:    counts,
		Device:    h.svc.DeviceHealth(),
	})
}

// ListGrantsHandler handles GET /grants.
func (h *Handlers) ListGrantsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	grants, err := h.store.ListGrants(store.GrantFilter{
		Status:    q.Get("status"),
		GranteeID: q.Get("grantee_id"),
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if grants == nil {
		grants = []store.Grant{}
	}
	writeJSON(w, http.StatusOK, GrantListResponse{
		Grants: grants,
		Total:  len(grants),
		Offset: offset,
		Limit:  limit,
	})
}

// CreateGrantHandler handles POST /grants.
func (h *Handlers) CreateGrantHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateGrantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.GranteeID == "" {
		writeError(w, http.StatusBadRequest, "grantee_id is required")
		return
	}
	grant, err := h.svc.RequestGrant(r.Context(), req.GranteeID, req.DeviceIdentity)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, grant)
}

// GetGrantHandler handles GET /grants/{id}.
func (h *Handlers) GetGrantHandler(w http.ResponseWriter, r *http.Request, id string) {
	grant, err := h.store.GetGrant(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, grant)
}

// DisconnectGrantHandler handles POST /grants/{id}/disconnect.
func (h *Handlers) DisconnectGrantHandler(w http.ResponseWriter, r *http.Request, id string) {
	var req DisconnectRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if err := h.svc.DisconnectGrant(r.Context(), id, req.Force); err != nil {
		writeDomainError(w, err)
		return
	}
	grant, err := h.store.GetGrant(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, grant)
}

// ExtendGrantHandler handles POST /grants/{id}/extend.
func (h *Handlers) ExtendGrantHandler(w http.ResponseWriter, r *http.Request, id string) {
	var req ExtendRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	grant, err := h.svc.ExtendGrant(r.Context(), id, req.Hours)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, grant)
}

// ConfirmGrantHandler handles POST /grants/{id}/confirm.
func (h *Handlers) ConfirmGrantHandler(w http.ResponseWriter, r *http.Request, id string) {
	var req ConfirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	var confirmed bool
	switch req.Decision {
	case "yes":
		confirmed = true
	case "no":
		confirmed = false
	default:
		writeError(w, http.StatusBadRequest, `decision must be "yes" or "no"`)
		return
	}
	grant, err := h.svc.RecordConfirmation(r.Context(), id, confirmed)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, grant)
}

// GrantAuditHandler handles GET /grants/{id}/audit.
func (h *Handlers) GrantAuditHandler(w http.ResponseWriter, r *http.Request, id string) {
	if _, err := h.store.GetGrant(id); err != nil {
		writeDomainError(w, err)
		return
	}
	events, err := h.store.AuditForGrant(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if events == nil {
		events = []store.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, AuditResponse{Events: events, Total: len(events)})
}

// ListGranteesHandler handles GET /grantees.
func (h *Handlers) ListGranteesHandler(w http.ResponseWriter, r *http.Request) {
	grantees, err := h.store.ListGrantees()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if grantees == nil {
		grantees = []store.Grantee{}
	}
	writeJSON(w, http.StatusOK, GranteeListResponse{Grantees: grantees, Total: len(grantees)})
}

// CreateGranteeHandler handles POST /grantees.
func (h *Handlers) CreateGranteeHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateGranteeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	grantee, err := h.store.CreateGrantee(req.Name, req.Approved, req.DurationHours)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, grantee)
}

// GetGranteeHandler handles GET /grantees/{id}.
func (h *Handlers) GetGranteeHandler(w http.ResponseWriter, r *http.Request, id string) {
	grantee, err := h.store.GetGrantee(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, grantee)
}

// UpdateGranteeHandler handles PATCH /grantees/{id}.
func (h *Handlers) UpdateGranteeHandler(w http.ResponseWriter, r *http.Request, id string) {
	var req UpdateGranteeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Approved != nil {
		if err := h.store.SetApproved(id, *req.Approved); err != nil {
			writeDomainError(w, err)
			return
		}
	}
	if req.ClearConfirmation {
		if err := h.store.SetRequireConfirmation(id, nil); err != nil {
			writeDomainError(w, err)
			return
		}
	} else if req.RequireConfirmation != nil {
		if err := h.store.SetRequireConfirmation(id, req.RequireConfirmation); err != nil {
			writeDomainError(w, err)
			return
		}
	}
	if req.DurationHours != nil {
		if err := h.store.SetDurationHours(id, *req.DurationHours); err != nil {
			writeDomainError(w, err)
			return
		}
	}
	if req.RuleComment != nil {
		if err := h.store.SetRuleComment(id, *req.RuleComment); err != nil {
			writeDomainError(w, err)
			return
		}
	}
	grantee, err := h.store.GetGrantee(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, grantee)
}

// BindIdentityHandler handles POST /grantees/{id}/identities.
func (h *Handlers) BindIdentityHandler(w http.ResponseWriter, r *http.Request, id string) {
	var req BindIdentityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Identity == "" {
		writeError(w, http.StatusBadRequest, "identity is required")
		return
	}
	if err := h.store.BindIdentity(id, req.Identity); err != nil {
		writeDomainError(w, err)
		return
	}
	grantee, err := h.store.GetGrantee(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, grantee)
}

// UnbindIdentityHandler handles DELETE /grantees/{id}/identities/{name}.
func (h *Handlers) UnbindIdentityHandler(w http.ResponseWriter, r *http.Request, id, identity string) {
	if err := h.store.UnbindIdentity(id, identity); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SettingsHandler handles GET and PUT /settings.
func (h *Handlers) SettingsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		settings, err := h.store.AllSettings()
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, settings)
	case http.MethodPut, http.MethodPost:
		var req map[string]string
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		for key, value := range req {
			if err := h.store.SetSetting(key, value); err != nil {
				writeDomainError(w, err)
				return
			}
		}
		settings, err := h.store.AllSettings()
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, settings)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// DeviceTestHandler handles POST /device/test.
func (h *Handlers) DeviceTestHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	name, health, err := h.svc.TestDevice(r.Context())
	resp := DeviceTestResponse{
		OK:       err == nil,
		Identity: name,
		Health:   health,
		TestedAt: time.Now().UTC(),
	}
	status := http.StatusOK
	if err != nil {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, resp)
}

// Helper functions

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  status,
	})
}

// writeDomainError maps domain errors onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, routeros.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrGrantOpen),
		errors.Is(err, store.ErrIdentityBound),
		errors.Is(err, store.ErrBindingLimit),
		errors.Is(err, store.ErrRuleCommentTaken),
		errors.Is(err, session.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, session.ErrNotApproved):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, session.ErrNoIdentity), errors.Is(err, session.ErrIdentityUnbound):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, routeros.ErrUnreachable):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func splitPath(path, prefix string) []string {
	rest := strings.TrimPrefix(path, prefix)
	rest = strings.Trim(rest, "/")
	if rest == "" {
		return nil
	}
	return strings.Split(rest, "/")
}
