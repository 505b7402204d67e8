// Package xero talks to the Xero-like accounting provider: OAuth2 code
// exchange, connection (tenant) listing, and per-resource data fetches.
// Token custody lives server-side in the connection session; this package
// never persists tokens.
package xero

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"xerolink/internal/catalog"
	"xerolink/internal/platform/config"
	dErrors "xerolink/pkg/domain-errors"
)

// TokenSet is the provider token material for one connection session.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	ExpiresAt    time.Time
}

// Valid reports whether the access token is still usable at the given time.
func (ts TokenSet) Valid(now time.Time) bool {
	return ts.AccessToken != "" && now.Before(ts.ExpiresAt)
}

// Tenant is one organization the authorized user can access.
type Tenant struct {
	ID   string `json:"tenantId"`
	Name string `json:"tenantName"`
	Type string `json:"tenantType"`
}

// resourcePaths maps catalog resource types to provider API paths.
var resourcePaths = map[catalog.ResourceType]string{
	catalog.Organization:     "Organisation",
	catalog.Contacts:         "Contacts",
	catalog.Accounts:         "Accounts",
	catalog.Invoices:         "Invoices",
	catalog.Items:            "Items",
	catalog.BankTransactions: "BankTransactions",
	catalog.TaxRates:         "TaxRates",
	catalog.Receipts:         "Receipts",
	catalog.PurchaseOrders:   "PurchaseOrders",
	catalog.Quotes:           "Quotes",
}

// Client is the HTTP client for the provider.
type Client struct {
	cfg    config.Xero
	httpc  *http.Client
	logger *slog.Logger
	tracer trace.Tracer
}

// Option configures a Client.
type Option func(*Client)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithHTTPClient injects a custom HTTP client, used by tests.
func WithHTTPClient(httpc *http.Client) Option {
	return func(c *Client) {
		if httpc != nil {
			c.httpc = httpc
		}
	}
}

// NewClient creates a provider client from configuration.
func NewClient(cfg config.Xero, opts ...Option) *Client {
	c := &Client{
		cfg:    cfg,
		httpc:  &http.Client{Timeout: 30 * time.Second},
		tracer: otel.Tracer("xerolink/xero"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// HasCredentials reports whether OAuth client credentials are configured.
func (c *Client) HasCredentials() bool {
	return c.cfg.HasCredentials()
}

// AuthorizeURL builds the authorization URL the browser is sent to. The
// authorization endpoint is resolved from the provider's OIDC discovery
// document with a bounded wait; on timeout or failure the configured
// endpoint is used instead. Availability beats strictness here: a stale
// endpoint still starts the flow, a blocked connect button does not.
func (c *Client) AuthorizeURL(ctx context.Context, state string) (string, error) {
	if !c.HasCredentials() {
		return "", dErrors.New(dErrors.CodeNoCredentials, "OAuth client credentials are not configured")
	}

	endpoint := c.discoverAuthorizeEndpoint(ctx)

	u, err := url.Parse(endpoint)
	if err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeInternal, "invalid authorize endpoint")
	}
	q := u.Query()
	q.Set("response_type", "code")
	q.Set("client_id", c.cfg.ClientID)
	q.Set("redirect_uri", c.cfg.RedirectURI)
	q.Set("scope", c.cfg.Scopes)
	q.Set("state", state)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// discoverAuthorizeEndpoint fetches authorization_endpoint from the OIDC
// discovery document, falling back to the configured URL.
func (c *Client) discoverAuthorizeEndpoint(ctx context.Context) string {
	timeout := c.cfg.AuthURLTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	discoveryURL := strings.TrimSuffix(c.cfg.BaseURL, "/") + "/.well-known/openid-configuration"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, discoveryURL, nil)
	if err != nil {
		return c.cfg.AuthorizeURL
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		c.logger.WarnContext(ctx, "oidc discovery failed, using configured authorize endpoint",
			"error", err,
		)
		return c.cfg.AuthorizeURL
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return c.cfg.AuthorizeURL
	}

	var doc struct {
		AuthorizationEndpoint string `json:"authorization_endpoint"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil || doc.AuthorizationEndpoint == "" {
		return c.cfg.AuthorizeURL
	}
	return doc.AuthorizationEndpoint
}

// ExchangeCode trades an authorization code for a token set.
func (c *Client) ExchangeCode(ctx context.Context, code string) (TokenSet, error) {
	ctx, span := c.tracer.Start(ctx, "xero.ExchangeCode")
	var retErr error
	defer func() { endSpan(span, retErr) }()

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", c.cfg.RedirectURI)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL(), strings.NewReader(form.Encode()))
	if err != nil {
		retErr = dErrors.Wrap(err, dErrors.CodeInternal, "build token request")
		return TokenSet{}, retErr
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret)

	resp, err := c.httpc.Do(req)
	if err != nil {
		retErr = dErrors.Wrap(err, dErrors.CodeUpstreamUnavailable, "token endpoint unreachable")
		return TokenSet{}, retErr
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		retErr = c.tokenError(resp)
		return TokenSet{}, retErr
	}

	var body struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		IDToken      string `json:"id_token"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		retErr = dErrors.Wrap(err, dErrors.CodeInternal, "decode token response")
		return TokenSet{}, retErr
	}

	return TokenSet{
		AccessToken:  body.AccessToken,
		RefreshToken: body.RefreshToken,
		IDToken:      body.IDToken,
		ExpiresAt:    time.Now().Add(time.Duration(body.ExpiresIn) * time.Second),
	}, nil
}

// tokenError maps an OAuth token endpoint error body to a domain error.
func (c *Client) tokenError(resp *http.Response) error {
	var body struct {
		Error       string `json:"error"`
		Description string `json:"error_description"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)

	switch body.Error {
	case "invalid_grant":
		return dErrors.New(dErrors.CodeInvalidGrant, "authorization code was rejected")
	case "invalid_client":
		return dErrors.New(dErrors.CodeInvalidClient, "client authentication failed")
	}
	return dErrors.New(dErrors.CodeOAuthFailed, fmt.Sprintf("token exchange failed with status %d", resp.StatusCode))
}

// Connections lists the organizations the token grants access to.
func (c *Client) Connections(ctx context.Context, accessToken string) ([]Tenant, error) {
	ctx, span := c.tracer.Start(ctx, "xero.Connections")
	var retErr error
	defer func() { endSpan(span, retErr) }()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(c.cfg.BaseURL, "/")+"/connections", nil)
	if err != nil {
		retErr = dErrors.Wrap(err, dErrors.CodeInternal, "build connections request")
		return nil, retErr
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.httpc.Do(req)
	if err != nil {
		retErr = dErrors.Wrap(err, dErrors.CodeUpstreamUnavailable, "provider unreachable")
		return nil, retErr
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		retErr = dErrors.New(dErrors.CodeUnauthorized, "access token rejected by provider")
		return nil, retErr
	}
	if resp.StatusCode != http.StatusOK {
		retErr = dErrors.New(dErrors.CodeInternal, fmt.Sprintf("connections request failed with status %d", resp.StatusCode))
		return nil, retErr
	}

	var tenants []Tenant
	if err := json.NewDecoder(resp.Body).Decode(&tenants); err != nil {
		retErr = dErrors.Wrap(err, dErrors.CodeInternal, "decode connections response")
		return nil, retErr
	}
	return tenants, nil
}

// FetchResource loads one resource type for the given tenant.
func (c *Client) FetchResource(ctx context.Context, accessToken, tenantID string, rt catalog.ResourceType) (json.RawMessage, error) {
	path, ok := resourcePaths[rt]
	if !ok {
		return nil, dErrors.New(dErrors.CodeBadRequest, fmt.Sprintf("unknown resource type %q", rt))
	}

	ctx, span := c.tracer.Start(ctx, "xero.FetchResource", trace.WithAttributes(
		attribute.String("resource", string(rt)),
		attribute.String("tenant_id", tenantID),
	))
	var retErr error
	defer func() { endSpan(span, retErr) }()

	u := strings.TrimSuffix(c.cfg.BaseURL, "/") + "/api.xro/2.0/" + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		retErr = dErrors.Wrap(err, dErrors.CodeInternal, "build resource request")
		return nil, retErr
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Xero-Tenant-Id", tenantID)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		retErr = dErrors.Wrap(err, dErrors.CodeUpstreamUnavailable, "provider unreachable")
		return nil, retErr
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		retErr = dErrors.New(dErrors.CodeUnauthorized, "access token rejected by provider")
		return nil, retErr
	}
	if resp.StatusCode != http.StatusOK {
		retErr = dErrors.New(dErrors.CodeInternal, fmt.Sprintf("%s fetch failed with status %d", rt, resp.StatusCode))
		return nil, retErr
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		retErr = dErrors.Wrap(err, dErrors.CodeInternal, "read resource response")
		return nil, retErr
	}
	if !json.Valid(data) {
		retErr = dErrors.New(dErrors.CodeInternal, "provider returned malformed JSON")
		return nil, retErr
	}
	return json.RawMessage(data), nil
}

func (c *Client) tokenURL() string {
	// Xero's token endpoint lives on the identity host alongside authorize.
	if i := strings.Index(c.cfg.AuthorizeURL, "/identity/"); i >= 0 {
		return c.cfg.AuthorizeURL[:i] + "/identity/connect/token"
	}
	return strings.TrimSuffix(c.cfg.BaseURL, "/") + "/connect/token"
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// IsAuthFailure reports whether err is a 401-class authorization failure
// that should trigger the demo fallback, as opposed to a transport failure.
func IsAuthFailure(err error) bool {
	return dErrors.HasCode(err, dErrors.CodeUnauthorized)
}

// IsConnectivityFailure reports whether err means the provider could not be
// reached at all.
func IsConnectivityFailure(err error) bool {
	if dErrors.HasCode(err, dErrors.CodeUpstreamUnavailable) {
		return true
	}
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}
