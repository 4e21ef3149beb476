// Package api is the administrative HTTP surface: grant intake and
// listing, grantee management, runtime settings, device test, status.
package api

import (
	"time"

	"github.com/vpnwarden/vpnwarden/internal/routeros"
	"github.com/vpnwarden/vpnwarden/internal/store"
)

// StatusResponse is the response for GET /status.
type StatusResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Uptime    string          `json:"uptime"`
	StartedAt time.Time       `json:"started_at"`
	Grants    map[string]int  `json:"grants"`
	Device    routeros.Health `json:"device"`
}

// GrantListResponse is the response for GET /grants.
type GrantListResponse struct {
	Grants []store.Grant `json:"grants"`
	Total  int           `json:"total"`
	Offset int           `json:"offset"`
	Limit  int           `json:"limit"`
}

// CreateGrantRequest is the request body for POST /grants.
type CreateGrantRequest struct {
	GranteeID      string `json:"grantee_id"`
	DeviceIdentity string `json:"device_identity,omitempty"`
}

// DisconnectRequest is the request body for POST /grants/{id}/disconnect.
type DisconnectRequest struct {
	Force bool `json:"force"`
}

// ExtendRequest is the request body for POST /grants/{id}/extend.
type ExtendRequest struct {
	Hours int `json:"hours,omitempty"`
}

// ConfirmRequest is the request body for POST /grants/{id}/confirm.
type ConfirmRequest struct {
	Decision string `json:"decision"` // "yes" or "no"
}

// AuditResponse is the response for GET /grants/{id}/audit.
type AuditResponse struct {
	Events []store.AuditEvent `json:"events"`
	Total  int                `json:"total"`
}

// GranteeListResponse is the response for GET /grantees.
type GranteeListResponse struct {
	Grantees []store.Grantee `json:"grantees"`
	Total    int             `json:"total"`
}

// CreateGranteeRequest is the request body for POST /grantees.
type CreateGranteeRequest struct {
	Name          string `json:"name"`
	Approved      bool   `json:"approved"`
	DurationHours int    `json:"duration_hours,omitempty"`
}

// UpdateGranteeRequest is the request body for PATCH /grantees/{id}.
// Nil fields are left unchanged.
type UpdateGranteeRequest struct {
	Approved            *bool   `json:"approved,omitempty"`
	RequireConfirmation *bool   `json:"require_confirmation,omitempty"`
	ClearConfirmation   bool    `json:"clear_confirmation,omitempty"`
	DurationHours       *int    `json:"duration_hours,omitempty"`
	RuleComment         *string `json:"rule_comment,omitempty"`
}

// BindIdentityRequest is the request body for POST /grantees/{id}/identities.
type BindIdentityRequest struct {
	Identity string `json:"identity"`
}

// DeviceTestResponse is the response for POST /device/test.
type DeviceTestResponse struct {
	OK       bool            `json:"ok"`
	Identity string          `json:"identity,omitempty"`
	Health   routeros.Health `json:"health"`
	TestedAt time.Time       `json:"tested_at"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}
