package amagent

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/openam-community/am-agent-go/shield"
)

type stubShield struct {
	ev     shield.Evaluation
	before func(w http.ResponseWriter)
}

func (s stubShield) Evaluate(w http.ResponseWriter, r *http.Request, _ shield.Agent) shield.Evaluation {
	if s.before != nil {
		s.before(w)
	}
	return s.ev
}

func TestShieldMiddlewareAllowAttachesSession(t *testing.T) {
	am := newFakeAM(t)
	a := newTestAgent(t, am, nil)

	s := stubShield{ev: shield.Allow(shield.SessionData{
		Key:  "sid-1",
		Data: map[string]any{"uid": "demo"},
	})}

	var gotSession *shield.SessionData
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSession = SessionFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "http://app.example.com/secret", nil)
	a.Shield(s)(next).ServeHTTP(w, r)

	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d", w.Code)
	}
	if gotSession == nil || gotSession.Key != "sid-1" || gotSession.Data["uid"] != "demo" {
		t.Fatalf("session = %+v", gotSession)
	}
}

func TestShieldMiddlewareDenyRendersHTMLErrorPage(t *testing.T) {
	am := newFakeAM(t)
	a := newTestAgent(t, am, nil)

	s := stubShield{ev: shield.Deny(shield.NewEvaluationError(http.StatusForbidden, "Forbidden", "no access"))}

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "http://app.example.com/secret", nil)
	r.Header.Set("Accept", "text/html")

	a.Shield(s)(neverCalled(t)).ServeHTTP(w, r)

	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Fatalf("content type = %q", ct)
	}
	if body := w.Body.String(); !strings.Contains(body, "403 Forbidden") || !strings.Contains(body, "no access") {
		t.Fatalf("body = %q", body)
	}
}

func TestShieldMiddlewareDenyNegotiatesJSON(t *testing.T) {
	am := newFakeAM(t)
	a := newTestAgent(t, am, nil)

	s := stubShield{ev: shield.Deny(shield.NewEvaluationError(http.StatusUnauthorized, "Unauthorized", "Invalid session"))}

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "http://app.example.com/api", nil)
	r.Header.Set("Accept", "application/json")

	a.Shield(s)(neverCalled(t)).ServeHTTP(w, r)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", w.Code)
	}

	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("body not JSON: %v: %q", err, w.Body.String())
	}
	if body["message"] != "Unauthorized" || body["status"] != float64(401) {
		t.Fatalf("body = %+v", body)
	}
}

func TestShieldMiddlewareDenyCustomErrorHandler(t *testing.T) {
	am := newFakeAM(t)

	var handled *shield.EvaluationError
	a := newTestAgent(t, am, func(cfg *Config) {
		cfg.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err *shield.EvaluationError) {
			handled = err
			w.WriteHeader(http.StatusTeapot)
		}
	})

	s := stubShield{ev: shield.Deny(shield.NewEvaluationError(http.StatusForbidden, "Forbidden", ""))}

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "http://app.example.com/secret", nil)
	a.Shield(s)(neverCalled(t)).ServeHTTP(w, r)

	if w.Code != http.StatusTeapot {
		t.Fatalf("status = %d", w.Code)
	}
	if handled == nil || handled.StatusCode != http.StatusForbidden {
		t.Fatalf("handled = %+v", handled)
	}
}

func TestShieldMiddlewarePendingWritesNothingFurther(t *testing.T) {
	am := newFakeAM(t)
	a := newTestAgent(t, am, nil)

	s := stubShield{
		before: func(w http.ResponseWriter) {
			http.Redirect(w, &http.Request{URL: mustURL(t, "http://app.example.com/")}, "https://am.example.com/login", http.StatusFound)
		},
		ev: shield.Pending(),
	}

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "http://app.example.com/secret", nil)
	a.Shield(s)(neverCalled(t)).ServeHTTP(w, r)

	if w.Code != http.StatusFound {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestShieldMiddlewareBypassesAgentEndpoints(t *testing.T) {
	am := newFakeAM(t)
	a := newTestAgent(t, am, nil)

	s := stubShield{ev: shield.Deny(shield.NewEvaluationError(http.StatusForbidden, "Forbidden", ""))}

	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "http://app.example.com"+DefaultNotificationPath, nil)
	a.Shield(s)(next).ServeHTTP(w, r)

	if !called {
		t.Fatal("agent endpoint must bypass the shield")
	}
}

func TestShieldMiddlewareStacksSessionData(t *testing.T) {
	am := newFakeAM(t)
	a := newTestAgent(t, am, nil)

	first := stubShield{ev: shield.Allow(shield.SessionData{
		Key:  "sid-1",
		Data: map[string]any{"uid": "demo"},
	})}
	second := stubShield{ev: shield.Allow(shield.SessionData{
		Key:  "sid-1",
		Data: map[string]any{"policies": "p"},
	})}

	var gotSession *shield.SessionData
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSession = SessionFromContext(r.Context())
	})

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "http://app.example.com/admin", nil)
	a.Shield(first)(a.Shield(second)(next)).ServeHTTP(w, r)

	if gotSession == nil {
		t.Fatal("no session in context")
	}
	if gotSession.Data["uid"] != "demo" || gotSession.Data["policies"] != "p" {
		t.Fatalf("session data not stacked: %+v", gotSession.Data)
	}
}

func neverCalled(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("next handler must not run")
	})
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	return u
}
