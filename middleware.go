package amagent

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/openam-community/am-agent-go/internal/logctx"
	"github.com/openam-community/am-agent-go/shield"
)

type sessionContextKey struct{}

// WithSession returns a context carrying session data for the request.
// Used by the Shield middleware on allowed requests; exported so tests and
// custom middleware can seed sessions directly.
func WithSession(ctx context.Context, s *shield.SessionData) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, s)
}

// SessionFromContext returns the session data attached by the Shield
// middleware, or nil when the request was not evaluated or was denied.
func SessionFromContext(ctx context.Context) *shield.SessionData {
	s, _ := ctx.Value(sessionContextKey{}).(*shield.SessionData)
	return s
}

// responseTracker records whether the wrapped ResponseWriter has been
// written to, so the middleware never writes an error page on top of a
// response a shield already started (a redirect, a challenge).
type responseTracker struct {
	http.ResponseWriter
	wrote bool
}

func (t *responseTracker) WriteHeader(status int) {
	t.wrote = true
	t.ResponseWriter.WriteHeader(status)
}

func (t *responseTracker) Write(b []byte) (int, error) {
	t.wrote = true
	return t.ResponseWriter.Write(b)
}

// Shield wraps next with s. Allowed requests continue to next with the
// session attached to the request context; denied requests get an error
// response; pending requests have already been answered by the shield
// (redirect, auth challenge) and go no further. The agent's own endpoints
// (notifications, CDSSO) bypass evaluation so AM's callbacks are never
// shielded away.
func (a *PolicyAgent) Shield(s shield.Shield) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if a.isAgentPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
				Method:     r.Method,
				Path:       r.URL.Path,
				Host:       r.Host,
				RemoteAddr: r.RemoteAddr,
			})
			r = r.WithContext(ctx)

			tracker := &responseTracker{ResponseWriter: w}
			ev := s.Evaluate(tracker, r, a)

			switch ev.Decision {
			case shield.DecisionAllow:
				sess := &shield.SessionData{Key: ev.Session.Key, Data: ev.Session.Data}
				if prior := SessionFromContext(ctx); prior != nil {
					sess = mergeSessions(prior, sess)
				}
				ctx = WithSession(ctx, sess)
				ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
					SessionID: sess.Key,
					UID:       stringData(sess.Data, "uid"),
				})
				next.ServeHTTP(w, r.WithContext(ctx))

			case shield.DecisionDeny:
				evalErr := ev.Err
				if evalErr == nil {
					evalErr = shield.NewEvaluationError(http.StatusInternalServerError, "Internal Server Error", "")
				}
				a.log.InfoContext(ctx, "agent.shield.deny",
					slog.Int("status", evalErr.StatusCode),
					slog.String("message", evalErr.Message),
				)
				if tracker.wrote {
					return
				}
				if a.cfg.ErrorHandler != nil {
					a.cfg.ErrorHandler(w, r, evalErr)
					return
				}
				a.errors.respond(w, r, evalErr)

			case shield.DecisionPending:
				// shield already answered (redirect or challenge)

			default:
				a.log.ErrorContext(ctx, "agent.shield.decision.unknown",
					slog.String("decision", fmt.Sprintf("%v", ev.Decision)),
				)
				if !tracker.wrote {
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
			}
		})
	}
}

func (a *PolicyAgent) isAgentPath(path string) bool {
	return path == a.cfg.NotificationPath || path == a.cfg.CDSSOPath
}

// mergeSessions layers next's data over prior's so stacked shields
// accumulate session attributes. next's key wins when both are set.
func mergeSessions(prior, next *shield.SessionData) *shield.SessionData {
	merged := &shield.SessionData{Key: next.Key, Data: map[string]any{}}
	if merged.Key == "" {
		merged.Key = prior.Key
	}
	for k, v := range prior.Data {
		merged.Data[k] = v
	}
	for k, v := range next.Data {
		merged.Data[k] = v
	}
	return merged
}

func stringData(data map[string]any, key string) string {
	if data == nil {
		return ""
	}
	s, _ := data[key].(string)
	return s
}
