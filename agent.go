// Package amagent implements a policy agent that guards a web application
// by delegating identity decisions to an OpenAM / Access Management server.
// Requests pass through pluggable shields (session cookie, OAuth2 bearer,
// HTTP Basic, policy decisions) mounted as standard net/http middleware;
// validated sessions are cached locally and evicted when AM pushes a
// session-destroyed notification.
package amagent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/openam-community/am-agent-go/amclient"
	"github.com/openam-community/am-agent-go/cache"
	"github.com/openam-community/am-agent-go/cache/memory"
	"github.com/openam-community/am-agent-go/internal/amxml"
	"github.com/openam-community/am-agent-go/internal/logctx"
	"github.com/openam-community/am-agent-go/shield"
)

// retryAttempts is the attempt budget for calls that depend on the agent's
// own session. Each 401 forces a re-authentication before the next try.
const retryAttempts = 5

// AgentSession is the agent's own authenticated session against AM,
// distinct from end-user sessions. It authorizes privileged calls.
type AgentSession struct {
	TokenID string
}

// PolicyAgent orchestrates everything shields need: the AM client, the
// session cache, the agent's own service-account session, retry logic and
// the notification endpoints. Safe for concurrent use.
type PolicyAgent struct {
	id     string
	cfg    Config
	client *amclient.Client
	log    *slog.Logger
	cache  cache.Cache
	errors *errorResponder

	flight singleflight.Group

	mu           sync.RWMutex
	serverInfo   *amclient.ServerInfo
	agentSession *AgentSession

	subsMu sync.RWMutex
	subs   []func(SessionEvent)

	destroyOnce sync.Once
}

var _ shield.Agent = (*PolicyAgent)(nil)

// New creates a PolicyAgent. The returned agent holds background resources
// (cache sweeps, template watcher); call Destroy during shutdown.
func New(cfg Config) (*PolicyAgent, error) {
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	id := uuid.NewString()[:8]
	log = slog.New(logctx.Handler{Handler: log.Handler()}).With(slog.String("agent_id", id))

	client := cfg.Client
	if client == nil {
		opts := []amclient.Option{amclient.WithTimeout(cfg.Timeout)}
		if cfg.PrivateIP != "" {
			opts = append(opts, amclient.WithPrivateIP(cfg.PrivateIP))
		}
		client = amclient.New(cfg.ServerURL, opts...)
	}

	sessionCache := cfg.SessionCache
	if sessionCache == nil {
		c, err := memory.New(memory.Config{TTL: cfg.CacheTTL, Logger: log})
		if err != nil {
			return nil, err
		}
		sessionCache = c
	}

	errors, err := newErrorResponder(log, cfg.ErrorPage, cfg.ErrorTemplateFile)
	if err != nil {
		return nil, err
	}

	a := &PolicyAgent{
		id:     id,
		cfg:    cfg,
		client: client,
		log:    log,
		cache:  sessionCache,
		errors: errors,
	}

	// evict sessions AM reports destroyed
	a.OnSessionChanged(func(ev SessionEvent) {
		if ev.State == "destroyed" {
			a.log.Info("agent.session.evict", slog.String("sid", ev.SessionID))
			if err := a.cache.Remove(context.Background(), ev.SessionID); err != nil {
				a.log.Error("agent.session.evict.fail", slog.String("err", err.Error()))
			}
		}
	})

	a.log.Info("agent.init", slog.String("server_url", cfg.ServerURL))
	return a, nil
}

// ID is a short random identifier distinguishing agent instances in logs.
func (a *PolicyAgent) ID() string { return a.id }

// Logger returns the agent's logger.
func (a *PolicyAgent) Logger() *slog.Logger { return a.log }

// Client returns the underlying AM client.
func (a *PolicyAgent) Client() *amclient.Client { return a.client }

// ServerInfo returns the AM server metadata, fetched lazily on first use
// and memoized for the agent's lifetime. Concurrent callers before the
// first resolution share a single in-flight request; a failed fetch is not
// memoized, so a later call retries.
func (a *PolicyAgent) ServerInfo(ctx context.Context) (*amclient.ServerInfo, error) {
	a.mu.RLock()
	info := a.serverInfo
	a.mu.RUnlock()
	if info != nil {
		return info, nil
	}

	v, err, _ := a.flight.Do("serverinfo", func() (any, error) {
		a.mu.RLock()
		info := a.serverInfo
		a.mu.RUnlock()
		if info != nil {
			return info, nil
		}

		info, err := a.client.ServerInfo(ctx)
		if err != nil {
			return nil, err
		}
		a.mu.Lock()
		a.serverInfo = info
		a.mu.Unlock()
		return info, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*amclient.ServerInfo), nil
}

// AgentSession returns the agent's own session, authenticating lazily on
// first use with the configured service-account credentials. Single-flight
// like ServerInfo.
func (a *PolicyAgent) AgentSession(ctx context.Context) (*AgentSession, error) {
	a.mu.RLock()
	sess := a.agentSession
	a.mu.RUnlock()
	if sess != nil {
		return sess, nil
	}

	v, err, _ := a.flight.Do("agentsession", func() (any, error) {
		a.mu.RLock()
		sess := a.agentSession
		a.mu.RUnlock()
		if sess != nil {
			return sess, nil
		}
		return a.authenticate(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*AgentSession), nil
}

// AuthenticateAgent unconditionally authenticates the agent and replaces
// the memoized session. Used for the first session and for forced renewal
// after a 401.
func (a *PolicyAgent) AuthenticateAgent(ctx context.Context) (*AgentSession, error) {
	v, err, _ := a.flight.Do("authenticate", func() (any, error) {
		return a.authenticate(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*AgentSession), nil
}

func (a *PolicyAgent) authenticate(ctx context.Context) (*AgentSession, error) {
	if a.cfg.Username == "" || a.cfg.Password == "" {
		return nil, fmt.Errorf("amagent: agent username and password must be set")
	}

	res, err := a.client.Authenticate(ctx, amclient.Credentials{
		Username: a.cfg.Username,
		Password: a.cfg.Password,
		Realm:    a.cfg.Realm,
	})
	if err != nil {
		return nil, fmt.Errorf("amagent: authenticate agent: %w", err)
	}

	sess := &AgentSession{TokenID: res.TokenID}
	a.mu.Lock()
	a.agentSession = sess
	a.mu.Unlock()

	a.log.Info("agent.session.create")
	return sess, nil
}

// reRequest runs op, renewing the agent session and retrying when op
// fails because the agent's session is invalid (HTTP 401 or an explicit
// invalid-session signal). All other failures are terminal. The budget is
// counted in attempts, not time; cancellation of ctx stops the retries.
func (a *PolicyAgent) reRequest(ctx context.Context, name string, attemptLimit uint, op func() error) error {
	attempt := 0
	operation := func() (struct{}, error) {
		attempt++
		err := op()
		if err == nil {
			return struct{}{}, nil
		}

		if !amclient.IsInvalidSession(err) {
			return struct{}{}, backoff.Permanent(err)
		}

		a.log.Info("agent.rerequest.renew",
			slog.String("op", name),
			slog.Int("attempt", attempt),
		)
		if _, authErr := a.AuthenticateAgent(ctx); authErr != nil {
			return struct{}{}, backoff.Permanent(authErr)
		}
		return struct{}{}, err
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(&backoff.ZeroBackOff{}),
		backoff.WithMaxTries(attemptLimit),
	)
	return err
}

// ValidateSession validates an end-user session id, serving repeated
// lookups from the session cache. Valid results are cached; invalid ones
// never are, so the next attempt re-checks with AM. When notifications are
// enabled a session listener is registered fire-and-forget after the first
// successful validation.
func (a *PolicyAgent) ValidateSession(ctx context.Context, sessionID string) (*amclient.SessionInfo, error) {
	if cached, err := a.cachedSession(ctx, sessionID); err == nil {
		return cached, nil
	}

	info, err := a.client.ValidateSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if !info.Valid {
		a.log.Info("agent.session.invalid", slog.String("sid", sessionID))
		return info, nil
	}

	a.log.Info("agent.session.valid", slog.String("sid", sessionID))
	if err := a.putSession(ctx, sessionID, info); err != nil {
		a.log.Error("agent.session.cache.fail", slog.String("err", err.Error()))
	}

	if a.cfg.NotificationsEnabled {
		go func() {
			ctx := context.WithoutCancel(ctx)
			if err := a.RegisterSessionListener(ctx, sessionID); err != nil {
				a.log.Error("agent.listener.register.fail",
					slog.String("sid", sessionID),
					slog.String("err", err.Error()),
				)
			}
		}()
	}

	return info, nil
}

// UserProfile returns the user's profile attributes, cache-first by
// session id. A fetched profile is merged into the session's cache entry
// so later validations carry identity data without another lookup.
func (a *PolicyAgent) UserProfile(ctx context.Context, userID, realm, sessionID string) (map[string]any, error) {
	record, err := a.cachedSession(ctx, sessionID)
	if err != nil {
		record = &amclient.SessionInfo{Valid: true}
	} else if record.HasProfile() {
		return record.Attributes, nil
	}

	a.log.Info("agent.profile.fetch", slog.String("uid", userID))

	info, err := a.ServerInfo(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := a.AgentSession(ctx); err != nil {
		return nil, err
	}

	profile, err := a.client.Profile(ctx, userID, realm, sessionID, info.CookieName)
	if err != nil {
		return nil, err
	}

	record.Merge(profile)
	if err := a.putSession(ctx, sessionID, record); err != nil {
		a.log.Error("agent.profile.cache.fail", slog.String("err", err.Error()))
	}

	return profile, nil
}

// PolicyDecisions evaluates req against AM's policy engine using the
// agent's own session, renewing it on 401 within the retry budget.
func (a *PolicyAgent) PolicyDecisions(ctx context.Context, req amclient.PolicyDecisionRequest) ([]amclient.PolicyDecision, error) {
	info, err := a.ServerInfo(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := a.AgentSession(ctx); err != nil {
		return nil, err
	}

	var decisions []amclient.PolicyDecision
	err = a.reRequest(ctx, "policydecision", retryAttempts, func() error {
		sess, err := a.AgentSession(ctx)
		if err != nil {
			return err
		}
		decisions, err = a.client.PolicyDecisions(ctx, req, sess.TokenID, info.CookieName, a.cfg.Realm)
		return err
	})
	if err != nil {
		return nil, err
	}
	return decisions, nil
}

// RegisterSessionListener subscribes the agent's notification endpoint to
// state changes of sessionID. The session service returns 200 even for
// some failures, so the agent session's validity is checked in-band before
// the subscription call; an invalid result triggers renewal via reRequest.
func (a *PolicyAgent) RegisterSessionListener(ctx context.Context, sessionID string) error {
	return a.reRequest(ctx, "sessionlistener", retryAttempts, func() error {
		sess, err := a.AgentSession(ctx)
		if err != nil {
			return err
		}

		body, err := amxml.SessionListenerRequest(sess.TokenID, a.cfg.AppURL+a.cfg.NotificationPath, sessionID)
		if err != nil {
			return err
		}

		check, err := a.ValidateSession(ctx, sess.TokenID)
		if err != nil {
			return err
		}
		if !check.Valid {
			return amclient.ErrInvalidSession
		}

		if err := a.client.SessionServiceRequest(ctx, body); err != nil {
			return err
		}

		a.log.Info("agent.listener.register", slog.String("sid", sessionID))
		return nil
	})
}

// SessionIDFromRequest extracts the AM session id from the request's
// session cookie. Returns an empty id when the cookie is absent.
func (a *PolicyAgent) SessionIDFromRequest(r *http.Request) (string, error) {
	info, err := a.ServerInfo(r.Context())
	if err != nil {
		return "", err
	}

	c, err := r.Cookie(info.CookieName)
	if err != nil {
		return "", nil
	}
	return c.Value, nil
}

// SetSessionCookie sets the AM session cookie on the response.
func (a *PolicyAgent) SetSessionCookie(ctx context.Context, w http.ResponseWriter, sessionID string) error {
	info, err := a.ServerInfo(ctx)
	if err != nil {
		return err
	}

	http.SetCookie(w, &http.Cookie{
		Name:  info.CookieName,
		Value: sessionID,
		Path:  "/",
	})
	return nil
}

// LoginURL returns the AM login URL leading back to r's URL.
func (a *PolicyAgent) LoginURL(r *http.Request) string {
	return a.client.LoginURL(requestBaseURL(r)+r.URL.RequestURI(), a.cfg.Realm)
}

// CDSSOURL returns the cdcservlet URL for the cross-domain SSO handshake,
// targeting the agent's CDSSO endpoint with a goto back to r's URL.
func (a *PolicyAgent) CDSSOURL(r *http.Request) string {
	target := requestBaseURL(r) + a.cfg.CDSSOPath + "?goto=" + url.QueryEscape(r.URL.RequestURI())
	return a.client.CDSSOURL(target, a.cfg.AppURL)
}

// Destroy logs the agent out of AM and closes the session cache. Teardown
// failures are logged and swallowed; Destroy never reports an error.
func (a *PolicyAgent) Destroy(ctx context.Context) {
	a.destroyOnce.Do(func() {
		a.mu.RLock()
		sess := a.agentSession
		a.mu.RUnlock()

		if sess != nil {
			a.log.Info("agent.destroy", slog.String("token", sess.TokenID))
			info, err := a.ServerInfo(ctx)
			if err == nil {
				if err := a.client.Logout(ctx, sess.TokenID, info.CookieName, a.cfg.Realm); err != nil {
					a.log.Error("agent.logout.fail", slog.String("err", err.Error()))
				}
			}
		}

		if err := a.cache.Quit(); err != nil {
			a.log.Error("agent.cache.quit.fail", slog.String("err", err.Error()))
		}

		a.errors.close()
	})
}

// cachedSession loads and decodes a session record from the cache.
func (a *PolicyAgent) cachedSession(ctx context.Context, sessionID string) (*amclient.SessionInfo, error) {
	if sessionID == "" {
		return nil, cache.ErrNotFound
	}

	raw, err := a.cache.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	var info amclient.SessionInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, fmt.Errorf("amagent: decode cached session: %w", err)
	}
	return &info, nil
}

func (a *PolicyAgent) putSession(ctx context.Context, sessionID string, info *amclient.SessionInfo) error {
	raw, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("amagent: encode session: %w", err)
	}
	return a.cache.Put(ctx, sessionID, raw)
}

func requestBaseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}
