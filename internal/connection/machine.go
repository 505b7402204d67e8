// Package connection implements the per-session Xero connection lifecycle:
// authorization, tenant selection, data loading, and status reporting. All
// session mutation is funneled through the Machine's transition methods so
// the phase/tenant invariants are enforced in one place.
package connection

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"xerolink/internal/catalog"
	"xerolink/internal/connection/models"
	"xerolink/internal/connection/statetoken"
	"xerolink/internal/connection/store"
	"xerolink/internal/platform/metrics"
	"xerolink/internal/syncer"
	"xerolink/internal/xero"
	dErrors "xerolink/pkg/domain-errors"
)

// Upstream is the provider-facing surface the machine drives. The concrete
// implementation is the xero.Client.
type Upstream interface {
	HasCredentials() bool
	AuthorizeURL(ctx context.Context, state string) (string, error)
	ExchangeCode(ctx context.Context, code string) (xero.TokenSet, error)
	Connections(ctx context.Context, accessToken string) ([]xero.Tenant, error)
}

// Loader populates a session's resource cache for a tenant. The concrete
// implementation is the syncer.Orchestrator.
type Loader interface {
	LoadAll(ctx context.Context, sessionID, accessToken, tenantID string, cache *syncer.Cache) error
}

// SessionStore defines the persistence interface for connection sessions.
// Error Contract: FindByID returns store.ErrNotFound when no session exists.
type SessionStore interface {
	Save(ctx context.Context, session *models.Session) error
	FindByID(ctx context.Context, id string) (*models.Session, error)
	Delete(ctx context.Context, id string) error
}

const defaultStatusCooldown = 10 * time.Second

// Machine is the connection state machine service. One instance serves all
// sessions; per-session state lives in the store.
type Machine struct {
	sessions SessionStore
	upstream Upstream
	loader   Loader
	states   *statetoken.Issuer

	cooldown time.Duration
	now      func() time.Time
	spawn    func(func())
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

type Option func(*Machine)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Machine) {
		m.logger = logger
	}
}

func WithMetrics(mtr *metrics.Metrics) Option {
	return func(m *Machine) {
		m.metrics = mtr
	}
}

// WithCooldown configures the status refresh cooldown window. Refreshes
// inside the window are silently dropped.
func WithCooldown(d time.Duration) Option {
	return func(m *Machine) {
		if d > 0 {
			m.cooldown = d
		}
	}
}

// WithClock injects the time source, used by tests.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		if now != nil {
			m.now = now
		}
	}
}

// WithSpawner injects the function used to start the automatic
// post-selection load. Tests pass a synchronous runner.
func WithSpawner(spawn func(func())) Option {
	return func(m *Machine) {
		if spawn != nil {
			m.spawn = spawn
		}
	}
}

func New(sessions SessionStore, upstream Upstream, loader Loader, states *statetoken.Issuer, opts ...Option) *Machine {
	m := &Machine{
		sessions: sessions,
		upstream: upstream,
		loader:   loader,
		states:   states,
		cooldown: defaultStatusCooldown,
		now:      time.Now,
		spawn:    func(f func()) { go f() },
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// EnsureSession returns the session for id, creating a fresh disconnected
// one when the id is unknown or empty.
func (m *Machine) EnsureSession(ctx context.Context, id string) (*models.Session, error) {
	if id != "" {
		session, err := m.sessions.FindByID(ctx, id)
		if err == nil {
			return session, nil
		}
		if err != store.ErrNotFound {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "session lookup failed")
		}
	}
	if id == "" {
		id = uuid.NewString()
	}
	session := models.NewSession(id)
	if err := m.sessions.Save(ctx, session); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "session save failed")
	}
	return session, nil
}

// Connect starts an authorization attempt and returns the URL the browser
// must be sent to. Without configured credentials the attempt is blocked
// before any state changes.
func (m *Machine) Connect(ctx context.Context, sessionID string) (string, error) {
	session, err := m.EnsureSession(ctx, sessionID)
	if err != nil {
		return "", err
	}

	session.Mu.Lock()
	defer session.Mu.Unlock()

	if !m.upstream.HasCredentials() {
		session.LastError = "Xero client credentials are not configured"
		return "", dErrors.New(dErrors.CodeNoCredentials, "client credentials not configured")
	}

	state, err := m.states.Issue(session.ID)
	if err != nil {
		session.LastError = "could not start authorization"
		return "", dErrors.Wrap(err, dErrors.CodeInternal, "state token issue failed")
	}
	session.StateToken = state
	m.setPhase(ctx, session, models.Authorizing)

	authURL, err := m.upstream.AuthorizeURL(ctx, state)
	if err != nil {
		session.StateToken = ""
		session.LastError = "could not reach the authorization server"
		m.setPhase(ctx, session, models.Disconnected)
		return "", dErrors.Wrap(err, dErrors.CodeUpstreamUnavailable, "authorize URL unavailable")
	}

	session.LastError = ""
	return authURL, nil
}

// HandleCallback completes an authorization attempt with the code and state
// delivered on the redirect. The state must be the exact single-use token
// issued by Connect; any discrepancy is a state mismatch and the attempt is
// terminal.
func (m *Machine) HandleCallback(ctx context.Context, sessionID, code, state string) error {
	session, err := m.EnsureSession(ctx, sessionID)
	if err != nil {
		return err
	}

	session.Mu.Lock()

	if session.Phase != models.Authorizing {
		session.Mu.Unlock()
		return dErrors.New(dErrors.CodeConflict, "no authorization in progress")
	}

	issued := session.StateToken
	session.StateToken = ""

	if code == "" || state == "" {
		m.failCallback(ctx, session, "missing_parameters")
		session.Mu.Unlock()
		return dErrors.New(dErrors.CodeMissingParameters, "authorization response missing code or state")
	}
	if state != issued || m.states.Verify(state, session.ID) != nil {
		m.failCallback(ctx, session, "invalid_state")
		session.Mu.Unlock()
		return dErrors.New(dErrors.CodeInvalidState, "state mismatch")
	}

	tokens, err := m.upstream.ExchangeCode(ctx, code)
	if err != nil {
		m.failCallback(ctx, session, callbackCode(err))
		session.Mu.Unlock()
		return err
	}

	tenants, err := m.upstream.Connections(ctx, tokens.AccessToken)
	if err != nil {
		m.failCallback(ctx, session, "oauth_failed")
		session.Mu.Unlock()
		return dErrors.Wrap(err, dErrors.CodeOAuthFailed, "could not list organizations")
	}

	session.Tokens = tokens
	session.TokenValid = tokens.Valid(m.now())
	session.Tenants = mapTenants(tenants)
	session.LastError = ""
	m.clearTenantSelection(session)
	m.setPhase(ctx, session, models.ConnectedNoTenant)

	m.logger.InfoContext(ctx, "connection established",
		"session_id", session.ID,
		"tenants", len(session.Tenants),
	)

	// A single organization needs no explicit pick.
	var startLoad bool
	var tenantID string
	if len(session.Tenants) == 1 {
		tenantID = session.Tenants[0].ID
		startLoad = m.selectTenantLocked(ctx, session, tenantID)
	}
	session.Mu.Unlock()

	if startLoad {
		m.startLoad(ctx, session, tenantID)
	}
	return nil
}

// HandleCallbackError records an authorization server error delivered on
// the redirect (user denied, provider rejection). The message shown to the
// user comes from the known-code mapping, never the raw code. Like
// HandleCallback it only applies to an authorization in progress; a stray
// redirect cannot tear down an established session.
func (m *Machine) HandleCallbackError(ctx context.Context, sessionID, errCode string) (string, error) {
	session, err := m.EnsureSession(ctx, sessionID)
	if err != nil {
		return "", err
	}

	session.Mu.Lock()
	defer session.Mu.Unlock()

	if session.Phase != models.Authorizing {
		return "", dErrors.New(dErrors.CodeConflict, "no authorization in progress")
	}

	session.StateToken = ""
	m.failCallback(ctx, session, errCode)
	return session.LastError, nil
}

// failCallback moves the session to the Error phase with the mapped message
// for the given callback error code. Caller holds the session lock.
func (m *Machine) failCallback(ctx context.Context, session *models.Session, code string) {
	session.LastError = models.CallbackErrorMessage(code)
	m.clearTenantSelection(session)
	m.setPhase(ctx, session, models.ErrorPhase)
	if m.metrics != nil {
		m.metrics.CallbackFailures.WithLabelValues(code).Inc()
	}
	m.logger.WarnContext(ctx, "authorization failed",
		"session_id", session.ID,
		"code", code,
	)
}

// SelectTenant picks the organization to load data for. Selection clears
// any cached data from a previously selected tenant and starts one
// automatic load, unless the cache already covers every resource type.
func (m *Machine) SelectTenant(ctx context.Context, sessionID, tenantID string) error {
	session, err := m.EnsureSession(ctx, sessionID)
	if err != nil {
		return err
	}

	session.Mu.Lock()

	if session.Phase == models.Disconnected || session.Phase == models.Authorizing {
		session.Mu.Unlock()
		return dErrors.New(dErrors.CodeConflict, "not connected")
	}
	if _, ok := session.TenantByID(tenantID); !ok {
		session.Mu.Unlock()
		return dErrors.New(dErrors.CodeValidation, fmt.Sprintf("unknown tenant %q", tenantID))
	}

	startLoad := m.selectTenantLocked(ctx, session, tenantID)
	session.Mu.Unlock()

	if startLoad {
		m.startLoad(ctx, session, tenantID)
	}
	return nil
}

// selectTenantLocked applies a tenant selection and reports whether the
// automatic load should start. Caller holds the session lock and starts the
// load after releasing it.
func (m *Machine) selectTenantLocked(ctx context.Context, session *models.Session, tenantID string) bool {
	session.SelectedTenantID = tenantID
	session.Cache.SetTenant(tenantID)
	session.LastError = ""
	m.setPhase(ctx, session, models.TenantSelected)

	m.logger.InfoContext(ctx, "tenant selected",
		"session_id", session.ID,
		"tenant_id", tenantID,
	)

	if !session.TokenValid && tenantID != catalog.DemoTenantID {
		// Stale tokens block new loads; the cache keeps whatever it has
		// and the status surface reports the reconnect requirement.
		return false
	}
	if session.Cache.FullyLoaded() || session.Loading {
		return false
	}
	session.Loading = true
	return true
}

// startLoad runs the post-selection load off the request goroutine. The
// request context may end before the load does, so the load carries its
// values without its cancellation.
func (m *Machine) startLoad(ctx context.Context, session *models.Session, tenantID string) {
	loadCtx := context.WithoutCancel(ctx)
	m.spawn(func() {
		m.runLoad(loadCtx, session, tenantID)
	})
}

// runLoad executes one orchestrated load for the tenant selected at spawn
// time. Results for a tenant deselected mid-run are discarded by the cache
// itself; here only the phase bookkeeping needs the staleness check.
func (m *Machine) runLoad(ctx context.Context, session *models.Session, tenantID string) {
	session.Mu.Lock()
	if session.SelectedTenantID != tenantID {
		session.Loading = false
		session.Mu.Unlock()
		return
	}
	accessToken := session.Tokens.AccessToken
	cache := session.Cache
	m.setPhase(ctx, session, models.LoadingData)
	session.Mu.Unlock()

	err := m.loader.LoadAll(ctx, session.ID, accessToken, tenantID, cache)

	session.Mu.Lock()
	defer session.Mu.Unlock()
	session.Loading = false

	if session.SelectedTenantID != tenantID || session.Phase != models.LoadingData {
		return
	}
	if err != nil {
		session.LastError = "could not reach the data provider"
		m.setPhase(ctx, session, models.ErrorPhase)
		return
	}
	m.setPhase(ctx, session, models.Ready)
	m.logger.InfoContext(ctx, "resources loaded",
		"session_id", session.ID,
		"tenant_id", tenantID,
	)
}

// LoadAll is the manual "load all" action. Unlike the automatic
// post-selection load it runs synchronously; the orchestrator's
// singleflight collapses it with any run already in flight.
func (m *Machine) LoadAll(ctx context.Context, sessionID string) error {
	session, err := m.EnsureSession(ctx, sessionID)
	if err != nil {
		return err
	}

	session.Mu.Lock()

	if session.NeedsReconnect() && session.SelectedTenantID != catalog.DemoTenantID {
		session.Mu.Unlock()
		return dErrors.New(dErrors.CodeUnauthorized, "token expired, reconnect to resume loading")
	}
	if session.SelectedTenantID == "" {
		// Fall back to the first organization, or the demo tenant when
		// there is nothing to select, so data loading can always be
		// demonstrated.
		if len(session.Tenants) == 0 {
			session.Tenants = []models.Tenant{demoTenant()}
		}
		session.SelectedTenantID = session.Tenants[0].ID
		session.Cache.SetTenant(session.SelectedTenantID)
		m.setPhase(ctx, session, models.TenantSelected)
	}
	if session.Cache.FullyLoaded() {
		m.setPhase(ctx, session, models.Ready)
		session.Mu.Unlock()
		return nil
	}

	tenantID := session.SelectedTenantID
	accessToken := session.Tokens.AccessToken
	cache := session.Cache
	session.Loading = true
	m.setPhase(ctx, session, models.LoadingData)
	session.Mu.Unlock()

	err = m.loader.LoadAll(ctx, session.ID, accessToken, tenantID, cache)

	session.Mu.Lock()
	defer session.Mu.Unlock()
	session.Loading = false
	if session.SelectedTenantID != tenantID {
		return nil
	}
	if err != nil {
		session.LastError = "could not reach the data provider"
		m.setPhase(ctx, session, models.ErrorPhase)
		return err
	}
	m.setPhase(ctx, session, models.Ready)
	return nil
}

// RefreshStatus re-derives token validity, credentials, and the tenant list
// from the provider. Never run on a timer; callers are page loads and
// explicit user actions, rate-limited by the cooldown window. Calls inside
// the window are dropped without error.
func (m *Machine) RefreshStatus(ctx context.Context, sessionID string) error {
	session, err := m.EnsureSession(ctx, sessionID)
	if err != nil {
		return err
	}

	session.Mu.Lock()
	defer session.Mu.Unlock()

	now := m.now()
	if !session.LastRefresh.IsZero() && now.Sub(session.LastRefresh) < m.cooldown {
		if m.metrics != nil {
			m.metrics.StatusCooldownHit.Inc()
		}
		return nil
	}
	session.LastRefresh = now
	if m.metrics != nil {
		m.metrics.StatusRefreshes.Inc()
	}

	session.TokenValid = session.Tokens.AccessToken != "" && session.Tokens.Valid(now)

	if session.Tokens.AccessToken == "" || !session.TokenValid {
		return nil
	}

	tenants, err := m.upstream.Connections(ctx, session.Tokens.AccessToken)
	if err != nil {
		// Availability over strictness: keep the last known tenant list
		// rather than blocking the console on a transient failure.
		m.logger.WarnContext(ctx, "status refresh could not list organizations, keeping last known state",
			"session_id", session.ID,
			"error", err,
		)
		return nil
	}

	session.Tenants = mapTenants(tenants)
	m.applyTenantRegression(ctx, session)
	return nil
}

// applyTenantRegression enforces the tenant invariants after a refresh: an
// empty tenant list, or a selection no longer present in it, clears the
// selection and the cache and regresses the phase. Caller holds the lock.
func (m *Machine) applyTenantRegression(ctx context.Context, session *models.Session) {
	if !session.Phase.HasTenantSelected() {
		return
	}
	if _, ok := session.TenantByID(session.SelectedTenantID); ok {
		return
	}

	m.clearTenantSelection(session)
	session.Cache.Clear()
	if len(session.Tenants) == 0 && session.Tokens.AccessToken == "" {
		m.setPhase(ctx, session, models.Disconnected)
		return
	}
	m.setPhase(ctx, session, models.ConnectedNoTenant)
	m.logger.InfoContext(ctx, "selected tenant no longer available, cached data discarded",
		"session_id", session.ID,
	)
}

// Disconnect tears the session down completely: tokens, tenants, cached
// data, and the backend-side session record itself.
func (m *Machine) Disconnect(ctx context.Context, sessionID string) error {
	session, err := m.sessions.FindByID(ctx, sessionID)
	if err == store.ErrNotFound {
		return nil
	}
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "session lookup failed")
	}

	session.Mu.Lock()
	session.Tokens = xero.TokenSet{}
	session.TokenValid = false
	session.Tenants = nil
	session.StateToken = ""
	session.LastError = ""
	m.clearTenantSelection(session)
	session.Cache.Clear()
	m.setPhase(ctx, session, models.Disconnected)
	session.Mu.Unlock()

	m.logger.InfoContext(ctx, "disconnected", "session_id", session.ID)
	return m.sessions.Delete(ctx, sessionID)
}

// Status builds the wire snapshot for the session.
func (m *Machine) Status(ctx context.Context, sessionID string) (models.StatusSnapshot, error) {
	session, err := m.EnsureSession(ctx, sessionID)
	if err != nil {
		return models.StatusSnapshot{}, err
	}

	session.Mu.Lock()
	defer session.Mu.Unlock()

	session.TokenValid = session.Tokens.AccessToken != "" && session.Tokens.Valid(m.now())

	snap := models.StatusSnapshot{
		Connected:        session.Phase != models.Disconnected && session.Phase != models.Authorizing && session.Phase != models.ErrorPhase,
		Phase:            session.Phase.String(),
		IsTokenValid:     session.TokenValid,
		HasCredentials:   m.upstream.HasCredentials(),
		HasExpiredTokens: session.Tokens.AccessToken != "" && !session.TokenValid,
		NeedsReconnect:   session.NeedsReconnect(),
		Tenants:          append([]models.Tenant(nil), session.Tenants...),
		SelectedTenantID: session.SelectedTenantID,
		LastError:        session.LastError,
	}

	entries := session.Cache.Snapshot()
	if len(entries) > 0 {
		snap.Resources = make(map[string]models.ResourceStatus, len(entries))
		for rt, e := range entries {
			snap.Resources[string(rt)] = models.ResourceStatus{
				Loaded: e.Loaded(),
				Source: string(e.Source),
				Error:  e.Err,
			}
		}
	}
	return snap, nil
}

// ResourceData returns the cached entry for one resource type.
func (m *Machine) ResourceData(ctx context.Context, sessionID string, rt catalog.ResourceType) (syncer.Entry, error) {
	session, err := m.EnsureSession(ctx, sessionID)
	if err != nil {
		return syncer.Entry{}, err
	}

	session.Mu.Lock()
	defer session.Mu.Unlock()

	entry, ok := session.Cache.Get(rt)
	if !ok {
		return syncer.Entry{}, dErrors.New(dErrors.CodeNotFound, fmt.Sprintf("resource %q not loaded", rt))
	}
	return entry, nil
}

// setPhase records a phase transition. Caller holds the session lock. The
// tenant invariant is re-checked here so a transition can never leave a
// selection behind in a phase that must not have one.
func (m *Machine) setPhase(ctx context.Context, session *models.Session, phase models.Phase) {
	if session.Phase == phase {
		return
	}
	if !phase.HasTenantSelected() {
		session.SelectedTenantID = ""
	}
	prev := session.Phase
	session.Phase = phase
	if m.metrics != nil {
		m.metrics.PhaseTransitions.WithLabelValues(phase.String()).Inc()
	}
	m.logger.DebugContext(ctx, "phase transition",
		"session_id", session.ID,
		"from", prev.String(),
		"to", phase.String(),
	)
}

func (m *Machine) clearTenantSelection(session *models.Session) {
	session.SelectedTenantID = ""
}

func mapTenants(tenants []xero.Tenant) []models.Tenant {
	out := make([]models.Tenant, 0, len(tenants))
	for _, t := range tenants {
		out = append(out, models.Tenant{ID: t.ID, Name: t.Name})
	}
	return out
}

func demoTenant() models.Tenant {
	dt := xero.DemoTenant()
	return models.Tenant{ID: dt.ID, Name: dt.Name}
}

// callbackCode translates a token exchange failure into the callback error
// code vocabulary used for user-facing messages.
func callbackCode(err error) string {
	switch {
	case dErrors.HasCode(err, dErrors.CodeInvalidGrant):
		return "invalid_grant"
	case dErrors.HasCode(err, dErrors.CodeInvalidClient):
		return "invalid_client"
	default:
		return "oauth_failed"
	}
}
