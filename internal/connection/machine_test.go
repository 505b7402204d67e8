package connection

//go:generate mockgen -source=machine.go -destination=mocks/mocks.go -package=mocks Upstream,Loader,SessionStore

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"xerolink/internal/catalog"
	"xerolink/internal/connection/mocks"
	"xerolink/internal/connection/models"
	"xerolink/internal/connection/statetoken"
	"xerolink/internal/connection/store"
	"xerolink/internal/syncer"
	"xerolink/internal/xero"
	dErrors "xerolink/pkg/domain-errors"
)

const testSessionID = "s-1"

type MachineSuite struct {
	suite.Suite
	ctrl     *gomock.Controller
	upstream *mocks.MockUpstream
	loader   *mocks.MockLoader
	sessions *store.InMemorySessionStore
	machine  *Machine
	now      time.Time
}

func TestMachineSuite(t *testing.T) {
	suite.Run(t, new(MachineSuite))
}

func (s *MachineSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.upstream = mocks.NewMockUpstream(s.ctrl)
	s.loader = mocks.NewMockLoader(s.ctrl)
	s.sessions = store.NewInMemorySessionStore()
	s.now = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s.machine = New(s.sessions, s.upstream, s.loader, statetoken.New("test-signing-key"),
		WithLogger(logger),
		WithClock(func() time.Time { return s.now }),
		WithSpawner(func(f func()) { f() }),
	)
}

func (s *MachineSuite) TearDownTest() {
	s.ctrl.Finish()
}

// Subtests get a fresh store, machine, and controller; session state never
// leaks between them.
func (s *MachineSuite) SetupSubTest() {
	s.SetupTest()
}

func (s *MachineSuite) TearDownSubTest() {
	s.ctrl.Finish()
}

func (s *MachineSuite) validTokens() xero.TokenSet {
	return xero.TokenSet{
		AccessToken:  "access-token",
		RefreshToken: "refresh-token",
		ExpiresAt:    s.now.Add(30 * time.Minute),
	}
}

func (s *MachineSuite) session() *models.Session {
	sess, err := s.sessions.FindByID(context.Background(), testSessionID)
	s.Require().NoError(err)
	return sess
}

// startAuthorization drives Connect and returns the issued state token.
func (s *MachineSuite) startAuthorization() string {
	s.upstream.EXPECT().HasCredentials().Return(true)
	s.upstream.EXPECT().AuthorizeURL(gomock.Any(), gomock.Any()).Return("https://login.example.com/authorize", nil)

	_, err := s.machine.Connect(context.Background(), testSessionID)
	s.Require().NoError(err)
	return s.session().StateToken
}

// connect drives the full authorization flow with the given tenants. When
// exactly one tenant comes back the automatic load fires, so callers with a
// single tenant must set a loader expectation first.
func (s *MachineSuite) connect(tenants []xero.Tenant) {
	state := s.startAuthorization()
	s.upstream.EXPECT().ExchangeCode(gomock.Any(), "code-1").Return(s.validTokens(), nil)
	s.upstream.EXPECT().Connections(gomock.Any(), "access-token").Return(tenants, nil)

	err := s.machine.HandleCallback(context.Background(), testSessionID, "code-1", state)
	s.Require().NoError(err)
}

func (s *MachineSuite) twoTenants() []xero.Tenant {
	return []xero.Tenant{
		{ID: "t-1", Name: "Org One"},
		{ID: "t-2", Name: "Org Two"},
	}
}

// assertInvariant checks that the selected tenant id is present exactly in
// the phases that require one.
func (s *MachineSuite) assertInvariant(sess *models.Session) {
	if sess.Phase.HasTenantSelected() {
		s.NotEmpty(sess.SelectedTenantID, "phase %s requires a selected tenant", sess.Phase)
	} else {
		s.Empty(sess.SelectedTenantID, "phase %s must not carry a selected tenant", sess.Phase)
	}
}

func (s *MachineSuite) TestConnect() {
	s.Run("without credentials is blocked before any transition", func() {
		s.upstream.EXPECT().HasCredentials().Return(false)

		_, err := s.machine.Connect(context.Background(), testSessionID)
		s.Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeNoCredentials))
		s.Equal(models.Disconnected, s.session().Phase)
		s.NotEmpty(s.session().LastError)
	})

	s.Run("issues a state token and moves to authorizing", func() {
		s.startAuthorization()

		sess := s.session()
		s.Equal(models.Authorizing, sess.Phase)
		s.NotEmpty(sess.StateToken)
		s.assertInvariant(sess)
	})

	s.Run("authorize URL failure returns to disconnected", func() {
		s.upstream.EXPECT().HasCredentials().Return(true)
		s.upstream.EXPECT().AuthorizeURL(gomock.Any(), gomock.Any()).
			Return("", dErrors.New(dErrors.CodeUpstreamUnavailable, "connection refused"))

		_, err := s.machine.Connect(context.Background(), testSessionID)
		s.Error(err)

		sess := s.session()
		s.Equal(models.Disconnected, sess.Phase)
		s.Empty(sess.StateToken)
		s.NotEmpty(sess.LastError)
	})
}

func (s *MachineSuite) TestHandleCallback() {
	s.Run("state mismatch always yields error, never connected", func() {
		s.startAuthorization()

		// A forged token signed with another key would also fail; the
		// simplest mismatch is a different string entirely.
		err := s.machine.HandleCallback(context.Background(), testSessionID, "code-1", "forged-state")
		s.Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidState))

		sess := s.session()
		s.Equal(models.ErrorPhase, sess.Phase)
		s.Equal("state mismatch", sess.LastError)
		s.Empty(sess.StateToken, "state token is single use")
		s.assertInvariant(sess)
	})

	s.Run("missing parameters fail the attempt", func() {
		state := s.startAuthorization()

		err := s.machine.HandleCallback(context.Background(), testSessionID, "", state)
		s.Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeMissingParameters))
		s.Equal(models.ErrorPhase, s.session().Phase)
	})

	s.Run("without an authorization in progress is rejected", func() {
		_, err := s.machine.EnsureSession(context.Background(), testSessionID)
		s.Require().NoError(err)

		err = s.machine.HandleCallback(context.Background(), testSessionID, "code-1", "whatever")
		s.Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	})

	s.Run("multiple tenants land in connected awaiting selection", func() {
		s.connect(s.twoTenants())

		sess := s.session()
		s.Equal(models.ConnectedNoTenant, sess.Phase)
		s.Len(sess.Tenants, 2)
		s.True(sess.TokenValid)
		s.Empty(sess.StateToken)
		s.assertInvariant(sess)
	})

	s.Run("a single tenant is auto-selected and loaded", func() {
		s.loader.EXPECT().LoadAll(gomock.Any(), testSessionID, "access-token", "t-1", gomock.Any()).Return(nil)

		s.connect([]xero.Tenant{{ID: "t-1", Name: "Org One"}})

		sess := s.session()
		s.Equal(models.Ready, sess.Phase)
		s.Equal("t-1", sess.SelectedTenantID)
		s.assertInvariant(sess)
	})

	s.Run("exchange rejection maps invalid_grant to a user message", func() {
		state := s.startAuthorization()
		s.upstream.EXPECT().ExchangeCode(gomock.Any(), "code-1").
			Return(xero.TokenSet{}, dErrors.New(dErrors.CodeInvalidGrant, "invalid_grant"))

		err := s.machine.HandleCallback(context.Background(), testSessionID, "code-1", state)
		s.Error(err)

		sess := s.session()
		s.Equal(models.ErrorPhase, sess.Phase)
		s.Equal("The authorization code was rejected", sess.LastError)
	})
}

func (s *MachineSuite) TestHandleCallbackError() {
	s.startAuthorization()

	msg, err := s.machine.HandleCallbackError(context.Background(), testSessionID, "oauth_denied")
	s.Require().NoError(err)
	s.Equal("Authorization was denied", msg)

	sess := s.session()
	s.Equal(models.ErrorPhase, sess.Phase)
	s.Empty(sess.StateToken)
}

func (s *MachineSuite) TestHandleCallbackErrorUnknownCode() {
	s.startAuthorization()

	msg, err := s.machine.HandleCallbackError(context.Background(), testSessionID, "brand_new_code")
	s.Require().NoError(err)
	s.Equal("Authorization failed", msg, "raw provider codes never reach the user")
}

func (s *MachineSuite) TestHandleCallbackErrorOutsideAuthorization() {
	s.Run("while disconnected is rejected", func() {
		_, err := s.machine.HandleCallbackError(context.Background(), testSessionID, "oauth_denied")
		s.Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
		s.Equal(models.Disconnected, s.session().Phase)
	})

	s.Run("cannot tear down an established connection", func() {
		s.loader.EXPECT().LoadAll(gomock.Any(), testSessionID, "access-token", "t-1", gomock.Any()).Return(nil)
		s.connect([]xero.Tenant{{ID: "t-1", Name: "Org One"}})
		s.Require().Equal(models.Ready, s.session().Phase)

		_, err := s.machine.HandleCallbackError(context.Background(), testSessionID, "oauth_denied")
		s.Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))

		sess := s.session()
		s.Equal(models.Ready, sess.Phase)
		s.Equal("t-1", sess.SelectedTenantID)
		s.Empty(sess.LastError)
		s.assertInvariant(sess)
	})
}

func (s *MachineSuite) TestSelectTenant() {
	s.Run("unknown tenant id is rejected", func() {
		s.connect(s.twoTenants())

		err := s.machine.SelectTenant(context.Background(), testSessionID, "t-9")
		s.Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
		s.Equal(models.ConnectedNoTenant, s.session().Phase)
	})

	s.Run("selection triggers exactly one load", func() {
		s.connect(s.twoTenants())
		s.loader.EXPECT().LoadAll(gomock.Any(), testSessionID, "access-token", "t-2", gomock.Any()).Return(nil)

		err := s.machine.SelectTenant(context.Background(), testSessionID, "t-2")
		s.Require().NoError(err)

		sess := s.session()
		s.Equal(models.Ready, sess.Phase)
		s.Equal("t-2", sess.SelectedTenantID)
		s.assertInvariant(sess)
	})

	s.Run("reselecting with a full cache skips the load", func() {
		s.connect(s.twoTenants())
		s.loader.EXPECT().LoadAll(gomock.Any(), testSessionID, "access-token", "t-1", gomock.Any()).
			DoAndReturn(func(_ context.Context, _, _, tenantID string, cache *syncer.Cache) error {
				for _, rt := range catalog.All() {
					cache.Put(syncer.Entry{
						Resource: rt,
						TenantID: tenantID,
						Payload:  []byte(`{}`),
						Source:   syncer.SourceLive,
						LoadedAt: s.now,
					})
				}
				return nil
			})

		s.Require().NoError(s.machine.SelectTenant(context.Background(), testSessionID, "t-1"))
		s.Equal(models.Ready, s.session().Phase)

		// No second LoadAll expectation: re-selecting the same tenant
		// with a populated cache must not issue one.
		s.Require().NoError(s.machine.SelectTenant(context.Background(), testSessionID, "t-1"))
		s.Equal(models.TenantSelected, s.session().Phase)
	})

	s.Run("switching tenants clears the previous tenant's cache", func() {
		s.connect(s.twoTenants())
		s.loader.EXPECT().LoadAll(gomock.Any(), testSessionID, "access-token", "t-1", gomock.Any()).
			DoAndReturn(func(_ context.Context, _, _, tenantID string, cache *syncer.Cache) error {
				cache.Put(syncer.Entry{
					Resource: catalog.Contacts,
					TenantID: tenantID,
					Payload:  []byte(`{}`),
					Source:   syncer.SourceLive,
					LoadedAt: s.now,
				})
				return nil
			})
		s.Require().NoError(s.machine.SelectTenant(context.Background(), testSessionID, "t-1"))

		s.loader.EXPECT().LoadAll(gomock.Any(), testSessionID, "access-token", "t-2", gomock.Any()).Return(nil)
		s.Require().NoError(s.machine.SelectTenant(context.Background(), testSessionID, "t-2"))

		sess := s.session()
		s.Equal("t-2", sess.Cache.TenantID())
		s.Equal(0, sess.Cache.Len(), "tenant one's rows must never appear under tenant two")
	})

	s.Run("expired tokens block the load but keep the selection", func() {
		s.connect(s.twoTenants())
		s.now = s.now.Add(2 * time.Hour)
		sess := s.session()
		sess.TokenValid = sess.Tokens.Valid(s.now)

		// No loader expectation: the load must not start.
		s.Require().NoError(s.machine.SelectTenant(context.Background(), testSessionID, "t-1"))

		s.Equal(models.TenantSelected, sess.Phase)
		s.True(sess.NeedsReconnect())
	})

	s.Run("connectivity loss during the load surfaces a machine error", func() {
		s.connect(s.twoTenants())
		s.loader.EXPECT().LoadAll(gomock.Any(), testSessionID, "access-token", "t-1", gomock.Any()).
			Return(dErrors.New(dErrors.CodeUpstreamUnavailable, "provider unreachable"))

		s.Require().NoError(s.machine.SelectTenant(context.Background(), testSessionID, "t-1"))

		sess := s.session()
		s.Equal(models.ErrorPhase, sess.Phase)
		s.NotEmpty(sess.LastError)
		s.assertInvariant(sess)
	})

	s.Run("while disconnected is rejected", func() {
		_, err := s.machine.EnsureSession(context.Background(), testSessionID)
		s.Require().NoError(err)

		err = s.machine.SelectTenant(context.Background(), testSessionID, "t-1")
		s.Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	})
}

func (s *MachineSuite) TestLoadAll() {
	s.Run("without any tenants falls back to the demo organization", func() {
		_, err := s.machine.EnsureSession(context.Background(), testSessionID)
		s.Require().NoError(err)

		s.loader.EXPECT().LoadAll(gomock.Any(), testSessionID, "", catalog.DemoTenantID, gomock.Any()).Return(nil)

		s.Require().NoError(s.machine.LoadAll(context.Background(), testSessionID))

		sess := s.session()
		s.Equal(models.Ready, sess.Phase)
		s.Equal(catalog.DemoTenantID, sess.SelectedTenantID)
	})

	s.Run("auto-selects the first tenant when none is selected", func() {
		s.connect(s.twoTenants())
		s.loader.EXPECT().LoadAll(gomock.Any(), testSessionID, "access-token", "t-1", gomock.Any()).Return(nil)

		s.Require().NoError(s.machine.LoadAll(context.Background(), testSessionID))
		s.Equal("t-1", s.session().SelectedTenantID)
	})

	s.Run("expired tokens block the manual load", func() {
		s.loader.EXPECT().LoadAll(gomock.Any(), testSessionID, "access-token", "t-1", gomock.Any()).Return(nil)
		s.connect([]xero.Tenant{{ID: "t-1", Name: "Org One"}})
		s.now = s.now.Add(2 * time.Hour)
		sess := s.session()
		sess.TokenValid = sess.Tokens.Valid(s.now)

		err := s.machine.LoadAll(context.Background(), testSessionID)
		s.Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))
	})
}

func (s *MachineSuite) TestRefreshStatus() {
	s.Run("within the cooldown window is silently dropped", func() {
		s.connect(s.twoTenants())

		s.upstream.EXPECT().Connections(gomock.Any(), "access-token").Return(s.twoTenants(), nil)
		s.Require().NoError(s.machine.RefreshStatus(context.Background(), testSessionID))

		// Five seconds later, no Connections expectation: the call is
		// dropped without error.
		s.now = s.now.Add(5 * time.Second)
		s.Require().NoError(s.machine.RefreshStatus(context.Background(), testSessionID))

		s.upstream.EXPECT().Connections(gomock.Any(), "access-token").Return(s.twoTenants(), nil)
		s.now = s.now.Add(6 * time.Second)
		s.Require().NoError(s.machine.RefreshStatus(context.Background(), testSessionID))
	})

	s.Run("empty tenants while ready regresses and discards the cache", func() {
		s.connect(s.twoTenants())
		s.loader.EXPECT().LoadAll(gomock.Any(), testSessionID, "access-token", "t-1", gomock.Any()).
			DoAndReturn(func(_ context.Context, _, _, tenantID string, cache *syncer.Cache) error {
				cache.Put(syncer.Entry{
					Resource: catalog.Contacts,
					TenantID: tenantID,
					Payload:  []byte(`{}`),
					Source:   syncer.SourceLive,
					LoadedAt: s.now,
				})
				return nil
			})
		s.Require().NoError(s.machine.SelectTenant(context.Background(), testSessionID, "t-1"))
		s.Require().Equal(models.Ready, s.session().Phase)

		s.upstream.EXPECT().Connections(gomock.Any(), "access-token").Return(nil, nil)
		s.now = s.now.Add(time.Minute)
		s.Require().NoError(s.machine.RefreshStatus(context.Background(), testSessionID))

		sess := s.session()
		s.Equal(models.ConnectedNoTenant, sess.Phase)
		s.Empty(sess.SelectedTenantID)
		s.Equal(0, sess.Cache.Len())
		s.assertInvariant(sess)
	})

	s.Run("transient listing failure keeps last known tenants", func() {
		s.connect(s.twoTenants())

		s.upstream.EXPECT().Connections(gomock.Any(), "access-token").
			Return(nil, dErrors.New(dErrors.CodeUpstreamUnavailable, "connection refused"))
		s.Require().NoError(s.machine.RefreshStatus(context.Background(), testSessionID))

		s.Len(s.session().Tenants, 2)
	})

	s.Run("expired tokens flip the validity flag without clearing cache", func() {
		s.loader.EXPECT().LoadAll(gomock.Any(), testSessionID, "access-token", "t-1", gomock.Any()).
			DoAndReturn(func(_ context.Context, _, _, tenantID string, cache *syncer.Cache) error {
				cache.Put(syncer.Entry{
					Resource: catalog.Contacts,
					TenantID: tenantID,
					Payload:  []byte(`{}`),
					Source:   syncer.SourceLive,
					LoadedAt: s.now,
				})
				return nil
			})
		s.connect([]xero.Tenant{{ID: "t-1", Name: "Org One"}})

		s.now = s.now.Add(2 * time.Hour)
		s.Require().NoError(s.machine.RefreshStatus(context.Background(), testSessionID))

		sess := s.session()
		s.False(sess.TokenValid)
		s.True(sess.NeedsReconnect())
		s.Equal(models.Ready, sess.Phase, "the phase itself is not reset")
		s.Equal(1, sess.Cache.Len(), "stale cache stays visible")
	})
}

func (s *MachineSuite) TestDisconnect() {
	s.loader.EXPECT().LoadAll(gomock.Any(), testSessionID, "access-token", "t-1", gomock.Any()).Return(nil)
	s.connect([]xero.Tenant{{ID: "t-1", Name: "Org One"}})

	s.Require().NoError(s.machine.Disconnect(context.Background(), testSessionID))

	_, err := s.sessions.FindByID(context.Background(), testSessionID)
	s.ErrorIs(err, store.ErrNotFound)
}

func (s *MachineSuite) TestDisconnectUnknownSession() {
	s.NoError(s.machine.Disconnect(context.Background(), "never-seen"))
}

func (s *MachineSuite) TestStatus() {
	s.Run("fresh session", func() {
		s.upstream.EXPECT().HasCredentials().Return(true)

		snap, err := s.machine.Status(context.Background(), testSessionID)
		s.Require().NoError(err)
		s.False(snap.Connected)
		s.Equal("disconnected", snap.Phase)
		s.False(snap.IsTokenValid)
		s.True(snap.HasCredentials)
	})

	s.Run("connected session reports tenants and resources", func() {
		s.loader.EXPECT().LoadAll(gomock.Any(), testSessionID, "access-token", "t-1", gomock.Any()).
			DoAndReturn(func(_ context.Context, _, _, tenantID string, cache *syncer.Cache) error {
				cache.Put(syncer.Entry{
					Resource: catalog.Contacts,
					TenantID: tenantID,
					Payload:  []byte(`{}`),
					Source:   syncer.SourceLive,
					LoadedAt: s.now,
				})
				cache.Put(syncer.Entry{
					Resource: catalog.Receipts,
					TenantID: tenantID,
					Err:      syncer.FailedToLoadMessage,
					LoadedAt: s.now,
				})
				return nil
			})
		s.connect([]xero.Tenant{{ID: "t-1", Name: "Org One"}})
		s.upstream.EXPECT().HasCredentials().Return(true)

		snap, err := s.machine.Status(context.Background(), testSessionID)
		s.Require().NoError(err)
		s.True(snap.Connected)
		s.Equal("ready", snap.Phase)
		s.True(snap.IsTokenValid)
		s.Equal("t-1", snap.SelectedTenantID)
		s.True(snap.Resources["contacts"].Loaded)
		s.Equal(syncer.FailedToLoadMessage, snap.Resources["receipts"].Error)
	})

	s.Run("expired tokens surface the reconnect signal", func() {
		s.loader.EXPECT().LoadAll(gomock.Any(), testSessionID, "access-token", "t-1", gomock.Any()).Return(nil)
		s.connect([]xero.Tenant{{ID: "t-1", Name: "Org One"}})
		s.upstream.EXPECT().HasCredentials().Return(true)

		s.now = s.now.Add(2 * time.Hour)
		snap, err := s.machine.Status(context.Background(), testSessionID)
		s.Require().NoError(err)
		s.False(snap.IsTokenValid)
		s.True(snap.HasExpiredTokens)
		s.True(snap.NeedsReconnect)
	})
}

func (s *MachineSuite) TestResourceData() {
	s.loader.EXPECT().LoadAll(gomock.Any(), testSessionID, "access-token", "t-1", gomock.Any()).
		DoAndReturn(func(_ context.Context, _, _, tenantID string, cache *syncer.Cache) error {
			cache.Put(syncer.Entry{
				Resource: catalog.Contacts,
				TenantID: tenantID,
				Payload:  []byte(`{"Contacts":[]}`),
				Source:   syncer.SourceLive,
				LoadedAt: s.now,
			})
			return nil
		})
	s.connect([]xero.Tenant{{ID: "t-1", Name: "Org One"}})

	entry, err := s.machine.ResourceData(context.Background(), testSessionID, catalog.Contacts)
	s.Require().NoError(err)
	s.True(entry.Loaded())

	_, err = s.machine.ResourceData(context.Background(), testSessionID, catalog.Quotes)
	s.Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}
