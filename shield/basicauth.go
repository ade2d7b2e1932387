package shield

import (
	"log/slog"
	"net/http"

	"github.com/openam-community/am-agent-go/amclient"
)

// BasicAuthShieldOptions configure a BasicAuthShield.
type BasicAuthShieldOptions struct {
	// Realm is the AM realm the credentials are validated against.
	Realm string

	// Service selects an authentication chain.
	Service string

	// Module selects an authentication module; overrides Service.
	Module string
}

// BasicAuthShield enforces an HTTP Basic Authorization header. The
// credentials are validated against AM without creating a session
// (noSession). Requests without credentials get a WWW-Authenticate
// challenge, which is a pending outcome rather than a denial: the
// challenge is the response.
type BasicAuthShield struct {
	opts BasicAuthShieldOptions
}

var _ Shield = (*BasicAuthShield)(nil)

// NewBasicAuthShield creates a BasicAuthShield.
func NewBasicAuthShield(opts BasicAuthShieldOptions) *BasicAuthShield {
	return &BasicAuthShield{opts: opts}
}

func (s *BasicAuthShield) Evaluate(w http.ResponseWriter, r *http.Request, agent Agent) Evaluation {
	ctx := r.Context()
	log := agent.Logger()

	username, password, ok := r.BasicAuth()
	if !ok {
		log.InfoContext(ctx, "shield.basic.challenge", slog.String("path", r.URL.Path))
		w.Header().Set("WWW-Authenticate", `Basic realm="Authorization Required"`)
		w.WriteHeader(http.StatusUnauthorized)
		return Pending()
	}

	_, err := agent.Client().Authenticate(ctx, amclient.Credentials{
		Username:  username,
		Password:  password,
		Realm:     s.opts.Realm,
		Service:   s.opts.Service,
		Module:    s.opts.Module,
		NoSession: true,
	})
	if err != nil {
		log.InfoContext(ctx, "shield.basic.deny", slog.String("path", r.URL.Path), slog.String("user", username))
		return Deny(boxError(err))
	}

	log.InfoContext(ctx, "shield.basic.allow", slog.String("path", r.URL.Path), slog.String("user", username))
	return Allow(SessionData{Key: username, Data: map[string]any{"username": username}})
}
