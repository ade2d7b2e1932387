package amagent

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/openam-community/am-agent-go/amclient"
)

const destroyedNotification = `<?xml version="1.0" encoding="UTF-8"?>
<NotificationSet vers="1.0" svcid="session" notid="1">
<Notification><![CDATA[<?xml version="1.0" encoding="UTF-8"?>
<SessionNotification vers="1.0" notid="1">
<Session sid="sid-1" stype="user" cid="uid=demo" state="destroyed"></Session>
</SessionNotification>]]></Notification>
</NotificationSet>`

func TestNotificationsHandlerEvictsDestroyedSession(t *testing.T) {
	am := newFakeAM(t)
	am.addSession("sid-1", amclient.SessionInfo{Valid: true, UID: "demo"})

	a := newTestAgent(t, am, nil)

	ctx := context.Background()
	if _, err := a.ValidateSession(ctx, "sid-1"); err != nil {
		t.Fatalf("ValidateSession: %v", err)
	}
	if _, err := a.cachedSession(ctx, "sid-1"); err != nil {
		t.Fatalf("session not cached: %v", err)
	}

	events := make(chan SessionEvent, 1)
	a.OnSessionChanged(func(ev SessionEvent) { events <- ev })

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "http://app.example.com"+DefaultNotificationPath, strings.NewReader(destroyedNotification))
	a.NotificationsHandler().ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	select {
	case ev := <-events:
		if ev.SessionID != "sid-1" || ev.State != "destroyed" {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification was not processed")
	}

	if _, err := a.cachedSession(ctx, "sid-1"); err == nil {
		t.Fatal("destroyed session still cached")
	}
}

func TestNotificationsHandlerRejectsGet(t *testing.T) {
	am := newFakeAM(t)
	a := newTestAgent(t, am, nil)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "http://app.example.com"+DefaultNotificationPath, nil)
	a.NotificationsHandler().ServeHTTP(w, r)

	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", w.Code)
	}
}

func laresForm(serverURL, sessionID string, notBefore, notOnOrAfter time.Time) string {
	doc := `<?xml version="1.0" encoding="UTF-8"?>
<lib:AuthnResponse xmlns:lib="http://projectliberty.org/schemas/core/2002/12">
<saml:Assertion xmlns:saml="urn:oasis:names:tc:SAML:1.0:assertion" Issuer="` + serverURL + `/cdcservlet">
<saml:Conditions NotBefore="` + notBefore.Format(time.RFC3339) + `" NotOnOrAfter="` + notOnOrAfter.Format(time.RFC3339) + `"></saml:Conditions>
<saml:AuthenticationStatement>
<saml:Subject><saml:NameIdentifier>` + sessionID + `</saml:NameIdentifier></saml:Subject>
</saml:AuthenticationStatement>
</saml:Assertion>
</lib:AuthnResponse>`
	return base64.StdEncoding.EncodeToString([]byte(doc))
}

func postLARES(t *testing.T, a *PolicyAgent, target, lares string) *httptest.ResponseRecorder {
	t.Helper()

	form := url.Values{}
	form.Set("LARES", lares)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	a.CDSSOHandler().ServeHTTP(w, r)
	return w
}

func TestCDSSOHandlerSetsCookieAndRedirects(t *testing.T) {
	am := newFakeAM(t)
	am.addSession("sid-1", amclient.SessionInfo{Valid: true, UID: "demo"})

	a := newTestAgent(t, am, nil)

	now := time.Now()
	lares := laresForm(am.srv.URL, "sid-1", now.Add(-time.Minute), now.Add(time.Minute))

	w := postLARES(t, a, "http://app.example.com"+DefaultCDSSOPath+"?goto=%2Fsecret", lares)

	if w.Code != http.StatusFound {
		t.Fatalf("status = %d, body = %q", w.Code, w.Body.String())
	}
	if loc := w.Header().Get("Location"); loc != "/secret" {
		t.Fatalf("location = %q", loc)
	}

	cookies := w.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != "iPlanetDirectoryPro" || cookies[0].Value != "sid-1" {
		t.Fatalf("cookies = %+v", cookies)
	}
}

func TestCDSSOHandlerRejectsWrongIssuer(t *testing.T) {
	am := newFakeAM(t)
	am.addSession("sid-1", amclient.SessionInfo{Valid: true})

	a := newTestAgent(t, am, nil)

	now := time.Now()
	lares := laresForm("https://evil.example.com", "sid-1", now.Add(-time.Minute), now.Add(time.Minute))

	w := postLARES(t, a, "http://app.example.com"+DefaultCDSSOPath, lares)
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestCDSSOHandlerRejectsExpiredAssertion(t *testing.T) {
	am := newFakeAM(t)
	am.addSession("sid-1", amclient.SessionInfo{Valid: true})

	a := newTestAgent(t, am, nil)

	now := time.Now()
	lares := laresForm(am.srv.URL, "sid-1", now.Add(-2*time.Hour), now.Add(-time.Hour))

	w := postLARES(t, a, "http://app.example.com"+DefaultCDSSOPath, lares)
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestCDSSOHandlerRejectsInvalidSession(t *testing.T) {
	am := newFakeAM(t)
	a := newTestAgent(t, am, nil)

	now := time.Now()
	lares := laresForm(am.srv.URL, "unknown-sid", now.Add(-time.Minute), now.Add(time.Minute))

	w := postLARES(t, a, "http://app.example.com"+DefaultCDSSOPath, lares)
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestCDSSOHandlerRejectsMissingLARES(t *testing.T) {
	am := newFakeAM(t)
	a := newTestAgent(t, am, nil)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "http://app.example.com"+DefaultCDSSOPath, nil)
	a.CDSSOHandler().ServeHTTP(w, r)

	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestCDSSORedirectTargetRefusesAbsoluteURLs(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "http://app.example.com/agent/cdsso?goto=https%3A%2F%2Fevil.example.com%2F", nil)
	if got := cdssoRedirectTarget(r); got != "/" {
		t.Fatalf("target = %q", got)
	}

	r = httptest.NewRequest(http.MethodPost, "http://app.example.com/agent/cdsso?goto=%2Fdashboard", nil)
	if got := cdssoRedirectTarget(r); got != "/dashboard" {
		t.Fatalf("target = %q", got)
	}
}
