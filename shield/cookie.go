package shield

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/openam-community/am-agent-go/amclient"
)

// CookieShieldOptions configure a CookieShield.
type CookieShieldOptions struct {
	// NoRedirect denies unauthenticated requests with a 401 instead of
	// redirecting to the AM login page.
	NoRedirect bool

	// GetProfiles fetches and caches the user's profile while validating
	// the session, when the cached record does not carry one yet.
	GetProfiles bool

	// PassThrough lets unauthenticated requests proceed with empty session
	// data. Useful with GetProfiles on public routes that still want
	// identity information for logged-in users.
	PassThrough bool

	// CDSSO enables cross-domain SSO mode: unauthenticated requests are
	// redirected to the cdcservlet instead of the login page, and the
	// cookie-domain check is skipped. The agent's CDSSO endpoint must be
	// mounted for the round trip to complete.
	CDSSO bool
}

// CookieShield validates the AM session cookie on the request. Sessions
// are served from the agent's cache when possible; invalid sessions lead
// to a login redirect, a 401, or anonymous pass-through depending on the
// options.
type CookieShield struct {
	opts CookieShieldOptions
}

var _ Shield = (*CookieShield)(nil)

// NewCookieShield creates a CookieShield.
func NewCookieShield(opts CookieShieldOptions) *CookieShield {
	return &CookieShield{opts: opts}
}

func (s *CookieShield) Evaluate(w http.ResponseWriter, r *http.Request, agent Agent) Evaluation {
	ctx := r.Context()
	log := agent.Logger()

	sessionID, err := agent.SessionIDFromRequest(r)
	if err != nil {
		return Deny(boxError(err))
	}

	info, err := agent.ValidateSession(ctx, sessionID)
	if err != nil {
		return Deny(boxError(err))
	}

	if info.Valid {
		log.InfoContext(ctx, "shield.cookie.allow", slog.String("path", r.URL.Path))

		data := sessionInfoData(info)
		if s.opts.GetProfiles && !info.HasProfile() {
			profile, err := agent.UserProfile(ctx, info.UID, info.Realm, sessionID)
			if err != nil {
				return Deny(boxError(err))
			}
			for k, v := range profile {
				data[k] = v
			}
		}

		return Allow(SessionData{Key: sessionID, Data: data})
	}

	if s.opts.PassThrough {
		log.InfoContext(ctx, "shield.cookie.passthrough", slog.String("path", r.URL.Path))
		return Allow(SessionData{Key: sessionID, Data: map[string]any{}})
	}

	log.InfoContext(ctx, "shield.cookie.deny", slog.String("path", r.URL.Path))

	if s.opts.NoRedirect {
		return Deny(NewEvaluationError(http.StatusUnauthorized, "Unauthorized", "Invalid session"))
	}

	// A redirect to login on a host AM has no cookie domain for would loop
	// forever: the cookie AM sets could never reach us. Refuse instead.
	if !s.opts.CDSSO {
		match, err := s.domainMatch(r, agent)
		if err != nil {
			return Deny(boxError(err))
		}
		if !match {
			return Deny(NewEvaluationError(http.StatusBadRequest, "Bad Request", "Domain mismatch"))
		}
	}

	location := agent.LoginURL(r)
	if s.opts.CDSSO {
		location = agent.CDSSOURL(r)
	}

	http.Redirect(w, r, location, http.StatusFound)
	return Pending()
}

func (s *CookieShield) domainMatch(r *http.Request, agent Agent) (bool, error) {
	info, err := agent.ServerInfo(r.Context())
	if err != nil {
		return false, err
	}

	for _, domain := range info.Domains {
		if strings.Contains(r.Host, domain) {
			return true, nil
		}
	}
	return false, nil
}

// sessionInfoData flattens a session record into the claims map carried in
// SessionData.
func sessionInfoData(info *amclient.SessionInfo) map[string]any {
	data := make(map[string]any, len(info.Attributes)+3)
	for k, v := range info.Attributes {
		data[k] = v
	}
	data["valid"] = info.Valid
	if info.UID != "" {
		data["uid"] = info.UID
	}
	if info.Realm != "" {
		data["realm"] = info.Realm
	}
	return data
}
