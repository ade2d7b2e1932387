// Package shield contains the pluggable per-request authentication and
// authorization strategies the policy agent evaluates in front of a
// protected application: session-cookie validation, OAuth2 bearer tokens,
// HTTP Basic credentials and policy decisions.
//
// A shield evaluation has exactly three outcomes. Allow carries the
// resolved session data for the request pipeline. Deny carries a typed
// evaluation error. Pending means the shield already wrote a response
// itself (a login redirect or an auth challenge) and the pipeline must
// stop without treating the request as either allowed or failed.
package shield

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/openam-community/am-agent-go/amclient"
)

// SessionData is the outcome of a successful evaluation. Key identifies
// the principal (session id, access token or username); Data carries
// arbitrary claims such as profile attributes or policy decisions.
type SessionData struct {
	Key  string
	Data map[string]any
}

// Decision is the kind of an Evaluation.
type Decision int

const (
	// DecisionAllow lets the request proceed with the attached session.
	DecisionAllow Decision = iota
	// DecisionDeny rejects the request with an EvaluationError.
	DecisionDeny
	// DecisionPending means a response (redirect, challenge) has already
	// been written; nothing further may touch the ResponseWriter.
	DecisionPending
)

// Evaluation is the result of a shield evaluation.
type Evaluation struct {
	Decision Decision
	Session  SessionData
	Err      *EvaluationError
}

// Allow builds an allowing evaluation.
func Allow(session SessionData) Evaluation {
	return Evaluation{Decision: DecisionAllow, Session: session}
}

// Deny builds a denying evaluation.
func Deny(err *EvaluationError) Evaluation {
	return Evaluation{Decision: DecisionDeny, Err: err}
}

// Pending marks the response as already written.
func Pending() Evaluation {
	return Evaluation{Decision: DecisionPending}
}

// Shield is a single authentication or authorization strategy. Evaluate
// may write to w only when it returns Pending. Shields are stateless
// aside from their configuration and receive the agent on every call, so
// one shield value can be shared between agents.
type Shield interface {
	Evaluate(w http.ResponseWriter, r *http.Request, agent Agent) Evaluation
}

// Agent is the surface of the policy agent that shields depend on. It is
// implemented by amagent.PolicyAgent.
type Agent interface {
	// Logger returns the agent's logger.
	Logger() *slog.Logger

	// Client returns the underlying AM client for calls that bypass the
	// agent's caching (token introspection, credential validation).
	Client() *amclient.Client

	// ServerInfo returns the memoized AM server metadata.
	ServerInfo(ctx context.Context) (*amclient.ServerInfo, error)

	// SessionIDFromRequest extracts the AM session id from the request's
	// session cookie. Empty when the cookie is absent.
	SessionIDFromRequest(r *http.Request) (string, error)

	// ValidateSession validates an end-user session, cache-first.
	ValidateSession(ctx context.Context, sessionID string) (*amclient.SessionInfo, error)

	// UserProfile fetches (and caches) the user's profile attributes.
	UserProfile(ctx context.Context, userID, realm, sessionID string) (map[string]any, error)

	// PolicyDecisions evaluates the request against AM's policy engine
	// using the agent's own session.
	PolicyDecisions(ctx context.Context, req amclient.PolicyDecisionRequest) ([]amclient.PolicyDecision, error)

	// LoginURL returns the AM login URL that leads back to r's URL.
	LoginURL(r *http.Request) string

	// CDSSOURL returns the cross-domain SSO login URL for r.
	CDSSOURL(r *http.Request) string
}
