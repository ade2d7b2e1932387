package shield

import (
	"log/slog"
	"net/http"

	"github.com/openam-community/am-agent-go/amclient"
)

const defaultApplicationName = "iPlanetAMWebAgentService"

// PolicyShieldOptions configure a PolicyShield.
type PolicyShieldOptions struct {
	// ApplicationName is the entitlement application the policies are
	// evaluated under. Defaults to iPlanetAMWebAgentService.
	ApplicationName string

	// PathOnly sends only the request path as the resource name instead of
	// the full URL.
	PathOnly bool
}

// PolicyShield fetches policy decisions from AM for the requested resource
// and the current user's session. It requires a session cookie on the
// request, so it is typically chained after a CookieShield. The decision
// set is merged into the carried session data under "policies".
type PolicyShield struct {
	opts PolicyShieldOptions
}

var _ Shield = (*PolicyShield)(nil)

// NewPolicyShield creates a PolicyShield.
func NewPolicyShield(opts PolicyShieldOptions) *PolicyShield {
	if opts.ApplicationName == "" {
		opts.ApplicationName = defaultApplicationName
	}
	return &PolicyShield{opts: opts}
}

func (s *PolicyShield) Evaluate(_ http.ResponseWriter, r *http.Request, agent Agent) Evaluation {
	ctx := r.Context()
	log := agent.Logger()

	sessionID, err := agent.SessionIDFromRequest(r)
	if err != nil {
		return Deny(boxError(err))
	}

	decisions, err := agent.PolicyDecisions(ctx, s.decisionRequest(r, sessionID))
	if err != nil {
		return Deny(boxError(err))
	}

	if len(decisions) == 0 || !decisions[0].Actions[r.Method] {
		log.InfoContext(ctx, "shield.policy.deny", slog.String("path", r.URL.Path), slog.String("method", r.Method))
		return Deny(NewEvaluationError(http.StatusForbidden, "Forbidden", "You are not authorized to access this resource."))
	}

	log.InfoContext(ctx, "shield.policy.allow", slog.String("path", r.URL.Path), slog.String("method", r.Method))
	return Allow(SessionData{
		Key:  sessionID,
		Data: map[string]any{"policies": decisions},
	})
}

func (s *PolicyShield) decisionRequest(r *http.Request, sessionID string) amclient.PolicyDecisionRequest {
	resource := r.URL.String()
	if s.opts.PathOnly {
		resource = r.URL.Path
	}

	return amclient.PolicyDecisionRequest{
		Resources:   []string{resource},
		Application: s.opts.ApplicationName,
		Subject:     amclient.PolicySubject{SSOToken: sessionID},
	}
}
