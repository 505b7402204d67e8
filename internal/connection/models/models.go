package models

import (
	"sync"
	"time"

	"xerolink/internal/syncer"
	"xerolink/internal/xero"
)

// Phase is the connection lifecycle phase for one console session.
type Phase int

const (
	Disconnected Phase = iota
	Authorizing
	ConnectedNoTenant
	TenantSelected
	LoadingData
	Ready
	ErrorPhase
)

func (p Phase) String() string {
	switch p {
	case Disconnected:
		return "disconnected"
	case Authorizing:
		return "authorizing"
	case ConnectedNoTenant:
		return "connected_no_tenant"
	case TenantSelected:
		return "tenant_selected"
	case LoadingData:
		return "loading_data"
	case Ready:
		return "ready"
	case ErrorPhase:
		return "error"
	default:
		return "unknown"
	}
}

// HasTenantSelected reports whether this phase requires a selected tenant.
// The selected tenant id is set if and only if this returns true.
func (p Phase) HasTenantSelected() bool {
	return p == TenantSelected || p == LoadingData || p == Ready
}

// Tenant is the display form of an organization the session may load data
// for.
type Tenant struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Session is the per-console-session connection record. All mutation goes
// through the connection service's transition methods while holding Mu; the
// invariants on Phase and SelectedTenantID are enforced there, in one
// place.
type Session struct {
	Mu sync.Mutex

	ID               string
	Phase            Phase
	TokenValid       bool
	Tenants          []Tenant
	SelectedTenantID string
	LastError        string

	// Tokens never leave the process; the browser only ever sees the
	// session cookie.
	Tokens xero.TokenSet

	// StateToken is the anti-CSRF token for the in-flight authorization
	// attempt. Single use; cleared on callback success and failure alike.
	StateToken string

	LastRefresh time.Time
	CreatedAt   time.Time

	Cache *syncer.Cache

	// Loading guards the automatic post-selection sync so only one run is
	// started per selection.
	Loading bool
}

// NewSession creates an empty disconnected session.
func NewSession(id string) *Session {
	return &Session{
		ID:        id,
		Phase:     Disconnected,
		CreatedAt: time.Now(),
		Cache:     syncer.NewCache(),
	}
}

// NeedsReconnect reports the "needs reconnect" signal: a session that
// reached tenant selection but whose tokens have gone stale. The phase is
// deliberately not reset; reconnection is always an explicit user action.
func (s *Session) NeedsReconnect() bool {
	return s.Phase.HasTenantSelected() && !s.TokenValid
}

// TenantByID returns the tenant with the given id, if the session has it.
func (s *Session) TenantByID(id string) (Tenant, bool) {
	for _, t := range s.Tenants {
		if t.ID == id {
			return t, true
		}
	}
	return Tenant{}, false
}

// ResourceStatus summarizes one cache entry for the status surface.
type ResourceStatus struct {
	Loaded bool   `json:"loaded"`
	Source string `json:"source,omitempty"`
	Error  string `json:"error,omitempty"`
}

// StatusSnapshot is the wire form of GET /xero/status.
type StatusSnapshot struct {
	Connected        bool                      `json:"connected"`
	Phase            string                    `json:"phase"`
	IsTokenValid     bool                      `json:"isTokenValid"`
	HasCredentials   bool                      `json:"hasCredentials"`
	HasExpiredTokens bool                      `json:"hasExpiredTokens"`
	NeedsReconnect   bool                      `json:"needsReconnect"`
	Tenants          []Tenant                  `json:"tenants"`
	SelectedTenantID string                    `json:"selectedTenantId,omitempty"`
	LastError        string                    `json:"lastError,omitempty"`
	Resources        map[string]ResourceStatus `json:"resources,omitempty"`
}

// Authorization server error codes delivered on the redirect callback,
// mapped to the messages shown to the user.
var callbackErrorMessages = map[string]string{
	"oauth_denied":       "Authorization was denied",
	"missing_parameters": "The authorization response was missing required parameters",
	"invalid_state":      "state mismatch",
	"oauth_failed":       "Authorization failed",
	"invalid_grant":      "The authorization code was rejected",
	"invalid_client":     "The client credentials were rejected",
}

// CallbackErrorMessage maps an authorization server error code to a
// human-readable message. Unknown codes fall back to a generic message so
// the raw code never leaks to the user.
func CallbackErrorMessage(code string) string {
	if msg, ok := callbackErrorMessages[code]; ok {
		return msg
	}
	return "Authorization failed"
}
