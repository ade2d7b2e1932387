package amagent

import (
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/openam-community/am-agent-go/internal/amxml"
	"github.com/openam-community/am-agent-go/shield"
)

// NotificationsHandler returns the handler for AM's push notifications.
// Mount it at Config.NotificationPath. The handler acknowledges the POST
// immediately and processes the notification set in the background so AM's
// delivery thread is never held up by cache work or subscribers.
func (a *PolicyAgent) NotificationsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			a.log.Error("agent.notification.read.fail", slog.String("err", err.Error()))
			http.Error(w, "Bad Request", http.StatusBadRequest)
			return
		}

		w.WriteHeader(http.StatusOK)

		go a.handleNotificationSet(body)
	})
}

func (a *PolicyAgent) handleNotificationSet(body []byte) {
	set, err := amxml.ParseNotificationSet(body)
	if err != nil {
		a.log.Error("agent.notification.parse.fail", slog.String("err", err.Error()))
		return
	}

	if set.SvcID != "session" {
		a.log.Info("agent.notification.skip", slog.String("svcid", set.SvcID))
		return
	}

	for _, doc := range set.Notifications {
		ev, err := amxml.ParseSessionNotification(doc)
		if err != nil {
			a.log.Error("agent.notification.parse.fail", slog.String("err", err.Error()))
			continue
		}

		a.log.Info("agent.notification.session",
			slog.String("sid", ev.SessionID),
			slog.String("state", ev.State),
		)
		a.emitSessionChanged(SessionEvent{
			SessionID: ev.SessionID,
			State:     ev.State,
			Type:      ev.Type,
		})
	}
}

// CDSSOHandler returns the handler that completes the cross-domain SSO
// handshake. Mount it at Config.CDSSOPath. AM's cdcservlet POSTs a LARES
// form parameter here; a valid assertion yields a session cookie on this
// domain and a redirect to the original destination.
func (a *PolicyAgent) CDSSOHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}

		if err := r.ParseForm(); err != nil {
			a.cdssoFail(w, r, "Bad Request", err)
			return
		}

		lares := r.PostFormValue("LARES")
		if lares == "" {
			a.cdssoFail(w, r, "Missing LARES parameter", nil)
			return
		}

		assertion, err := amxml.ParseLARES(lares)
		if err != nil {
			a.cdssoFail(w, r, "Invalid LARES assertion", err)
			return
		}

		issuer := a.client.ServerURL() + "/cdcservlet"
		if err := assertion.Validate(issuer, time.Now()); err != nil {
			a.cdssoFail(w, r, "Invalid LARES assertion", err)
			return
		}

		sessionID := assertion.SubjectID
		info, err := a.ValidateSession(r.Context(), sessionID)
		if err != nil {
			a.cdssoFail(w, r, "Session validation failed", err)
			return
		}
		if !info.Valid {
			a.cdssoFail(w, r, "Invalid session", nil)
			return
		}

		if err := a.SetSessionCookie(r.Context(), w, sessionID); err != nil {
			a.cdssoFail(w, r, "Session cookie failed", err)
			return
		}

		a.log.Info("agent.cdsso.login", slog.String("sid", sessionID))
		http.Redirect(w, r, cdssoRedirectTarget(r), http.StatusFound)
	})
}

// cdssoRedirectTarget picks the post-login destination from the goto
// query parameter, accepting only relative paths so the handler cannot be
// used as an open redirector.
func cdssoRedirectTarget(r *http.Request) string {
	g := r.URL.Query().Get("goto")
	if g == "" {
		return "/"
	}
	u, err := url.Parse(g)
	if err != nil || u.IsAbs() || u.Host != "" {
		return "/"
	}
	return u.String()
}

func (a *PolicyAgent) cdssoFail(w http.ResponseWriter, r *http.Request, message string, err error) {
	attrs := []any{slog.String("message", message)}
	if err != nil {
		attrs = append(attrs, slog.String("err", err.Error()))
	}
	a.log.Error("agent.cdsso.fail", attrs...)

	evalErr := shield.NewEvaluationError(http.StatusForbidden, "Forbidden", message)
	if a.cfg.ErrorHandler != nil {
		a.cfg.ErrorHandler(w, r, evalErr)
		return
	}
	a.errors.respond(w, r, evalErr)
}
