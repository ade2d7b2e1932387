// Package amclient is a thin typed client for the REST and XML endpoints of
// a ForgeRock OpenAM / Access Management server. It performs no retries and
// no caching; every failure propagates to the caller with the upstream
// status code preserved.
//
// Supports OpenAM 13 and above. Policy decisions via REST require 13.5+.
package amclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const defaultTimeout = 10 * time.Second

// Client talks to a single AM deployment. It is stateless and safe for
// concurrent use.
type Client struct {
	serverURL     string
	serverAddress string
	hostname      string
	httpClient    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithPrivateIP routes requests to addr instead of the hostname in the
// server URL. The logical hostname is still sent as the Host header so AM
// can apply its virtual-host logic. Useful when the agent reaches AM over a
// private network while cookies and redirects use the public name.
func WithPrivateIP(addr string) Option {
	return func(c *Client) {
		u, err := url.Parse(c.serverURL)
		if err != nil || u.Hostname() == "" {
			return
		}
		c.hostname = u.Hostname()
		c.serverAddress = strings.Replace(c.serverURL, c.hostname, addr, 1)
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the per-call timeout on the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// New creates a Client for the AM deployment at serverURL, e.g.
// "https://openam.example.com:8443/openam".
func New(serverURL string, opts ...Option) *Client {
	serverURL = strings.TrimRight(serverURL, "/")

	c := &Client{
		serverURL:     serverURL,
		serverAddress: serverURL,
		httpClient:    &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ServerURL returns the logical server URL the client was created with.
func (c *Client) ServerURL() string { return c.serverURL }

// ServerInfo fetches the AM server metadata (cookie name, cookie domains).
func (c *Client) ServerInfo(ctx context.Context) (*ServerInfo, error) {
	var info ServerInfo
	err := c.do(ctx, http.MethodGet, "/json/serverinfo/*", nil, nil, nil, &info)
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// Authenticate sends an authentication request. Credentials travel in the
// X-OpenAM-Username and X-OpenAM-Password headers; realm and auth index
// selection go in the query string.
func (c *Client) Authenticate(ctx context.Context, creds Credentials) (*AuthenticateResult, error) {
	q := url.Values{}
	q.Set("realm", orRootRealm(creds.Realm))
	q.Set("noSession", strconv.FormatBool(creds.NoSession))

	// module overrides service; they select mutually exclusive index types
	switch {
	case creds.Module != "":
		q.Set("authIndexType", "module")
		q.Set("authIndexValue", creds.Module)
	case creds.Service != "":
		q.Set("authIndexType", "service")
		q.Set("authIndexValue", creds.Service)
	}

	hdr := http.Header{}
	hdr.Set("X-OpenAM-Username", creds.Username)
	hdr.Set("X-OpenAM-Password", creds.Password)

	var res AuthenticateResult
	if err := c.do(ctx, http.MethodPost, "/json/authenticate", q, hdr, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Logout destroys the session identified by sessionID. An empty sessionID
// is a successful no-op; there is nothing to destroy.
func (c *Client) Logout(ctx context.Context, sessionID, cookieName, realm string) error {
	if sessionID == "" {
		return nil
	}

	q := url.Values{}
	q.Set("realm", orRootRealm(realm))
	q.Set("_action", "logout")

	hdr := http.Header{}
	hdr.Set(cookieName, sessionID)
	hdr.Set("Accept-API-Version", "resource=1.1")

	return c.do(ctx, http.MethodPost, "/json/sessions", q, hdr, nil, nil)
}

// ValidateSession validates sessionID against AM. An empty sessionID
// resolves to an invalid session without a network call.
func (c *Client) ValidateSession(ctx context.Context, sessionID string) (*SessionInfo, error) {
	if sessionID == "" {
		return &SessionInfo{Valid: false}, nil
	}

	q := url.Values{}
	q.Set("_action", "validate")

	hdr := http.Header{}
	hdr.Set("Accept-API-Version", "resource=1.1")

	var info SessionInfo
	err := c.do(ctx, http.MethodPost, "/json/sessions/"+url.PathEscape(sessionID), q, hdr, nil, &info)
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// LoginURL builds the AM login page URL with the goto parameter set. No
// network I/O.
func (c *Client) LoginURL(gotoURL, realm string) string {
	q := url.Values{}
	if gotoURL != "" {
		q.Set("goto", gotoURL)
	}
	q.Set("realm", orRootRealm(realm))
	return c.serverURL + "/UI/Login?" + q.Encode()
}

// CDSSOURL builds a cdcservlet URL for the cross-domain SSO handshake with
// a freshly generated request ID and the current timestamp. No network I/O.
func (c *Client) CDSSOURL(target, providerURL string) string {
	q := url.Values{}
	q.Set("TARGET", target)
	q.Set("RequestID", uuid.NewString())
	q.Set("MajorVersion", "1")
	q.Set("MinorVersion", "0")
	q.Set("ProviderID", providerURL)
	q.Set("IssueInstant", time.Now().UTC().Format(time.RFC3339))
	return c.serverURL + "/cdcservlet?" + q.Encode()
}

// PolicyDecisions evaluates req against AM's policy engine. The caller's
// session id is sent in a header named after the session cookie, which is
// how AM expects the subject's SSO token for this endpoint.
func (c *Client) PolicyDecisions(ctx context.Context, req PolicyDecisionRequest, sessionID, cookieName, realm string) ([]PolicyDecision, error) {
	q := url.Values{}
	q.Set("_action", "evaluate")
	q.Set("realm", orRootRealm(realm))

	hdr := http.Header{}
	hdr.Set(cookieName, sessionID)

	var decisions []PolicyDecision
	if err := c.do(ctx, http.MethodPost, "/json/policies", q, hdr, req, &decisions); err != nil {
		return nil, err
	}
	return decisions, nil
}

// SessionServiceRequest posts a raw XML request-set document to the AM
// session service. The response body is opaque; only transport-level
// success is reported.
func (c *Client) SessionServiceRequest(ctx context.Context, requestSet []byte) error {
	hdr := http.Header{}
	hdr.Set("Content-Type", "text/xml")
	return c.doRaw(ctx, http.MethodPost, "/sessionservice", nil, hdr, requestSet, nil)
}

// ValidateAccessToken introspects an OAuth2 access token via
// /oauth2/tokeninfo.
func (c *Client) ValidateAccessToken(ctx context.Context, accessToken, realm string) (map[string]any, error) {
	q := url.Values{}
	q.Set("access_token", accessToken)
	q.Set("realm", orRootRealm(realm))

	var info map[string]any
	if err := c.do(ctx, http.MethodGet, "/oauth2/tokeninfo", q, nil, nil, &info); err != nil {
		return nil, err
	}
	return info, nil
}

// Profile fetches a user's profile attributes. Requires a session with
// read access to the user, typically the agent's own.
func (c *Client) Profile(ctx context.Context, userID, realm, sessionID, cookieName string) (map[string]any, error) {
	q := url.Values{}
	q.Set("realm", orRootRealm(realm))

	hdr := http.Header{}
	hdr.Set("Cookie", cookieName+"="+sessionID)

	var profile map[string]any
	err := c.do(ctx, http.MethodGet, "/json/users/"+url.PathEscape(userID), q, hdr, nil, &profile)
	if err != nil {
		return nil, err
	}
	return profile, nil
}

// do issues a JSON request/response call against the AM server.
func (c *Client) do(ctx context.Context, method, path string, q url.Values, hdr http.Header, body any, out any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("amclient: encode request: %w", err)
		}
		payload = b
		if hdr == nil {
			hdr = http.Header{}
		}
		hdr.Set("Content-Type", "application/json")
	}
	return c.doRaw(ctx, method, path, q, hdr, payload, out)
}

func (c *Client) doRaw(ctx context.Context, method, path string, q url.Values, hdr http.Header, body []byte, out any) error {
	u := c.serverAddress + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return fmt.Errorf("amclient: build request: %w", err)
	}
	for k, vs := range hdr {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if c.hostname != "" {
		req.Host = c.hostname
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("amclient: %s %s: %w", method, path, err)
	}
	defer res.Body.Close()

	resBody, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("amclient: read response: %w", err)
	}

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return &HTTPError{StatusCode: res.StatusCode, Body: resBody}
	}

	if out != nil && len(resBody) > 0 {
		if err := json.Unmarshal(resBody, out); err != nil {
			return fmt.Errorf("amclient: decode response: %w", err)
		}
	}

	return nil
}

func orRootRealm(realm string) string {
	if realm == "" {
		return "/"
	}
	return realm
}
