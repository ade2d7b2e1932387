package shield

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/openam-community/am-agent-go/amclient"
)

func TestPolicyShieldAllowsPermittedAction(t *testing.T) {
	agent := &stubAgent{
		sessionID: "sid-1",
		decisions: []amclient.PolicyDecision{
			{Resource: "http://app.example.com/admin", Actions: map[string]bool{"GET": true}},
		},
	}

	s := NewPolicyShield(PolicyShieldOptions{})
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "http://app.example.com/admin", nil)

	ev := s.Evaluate(w, r, agent)
	if ev.Decision != DecisionAllow {
		t.Fatalf("decision = %v, err = %v", ev.Decision, ev.Err)
	}
	if _, ok := ev.Session.Data["policies"]; !ok {
		t.Fatalf("decisions not carried: %+v", ev.Session.Data)
	}

	req := agent.policyRequests[0]
	if req.Application != "iPlanetAMWebAgentService" {
		t.Fatalf("application = %q", req.Application)
	}
	if req.Subject.SSOToken != "sid-1" {
		t.Fatalf("subject = %+v", req.Subject)
	}
	if req.Resources[0] != "http://app.example.com/admin" {
		t.Fatalf("resource = %q", req.Resources[0])
	}
}

func TestPolicyShieldDeniesForbiddenAction(t *testing.T) {
	agent := &stubAgent{
		sessionID: "sid-1",
		decisions: []amclient.PolicyDecision{
			{Resource: "http://app.example.com/admin", Actions: map[string]bool{"GET": true, "POST": false}},
		},
	}

	s := NewPolicyShield(PolicyShieldOptions{})
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "http://app.example.com/admin", nil)

	ev := s.Evaluate(w, r, agent)
	if ev.Decision != DecisionDeny {
		t.Fatalf("decision = %v", ev.Decision)
	}
	if ev.Err.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d", ev.Err.StatusCode)
	}
}

func TestPolicyShieldDeniesOnEmptyDecisionSet(t *testing.T) {
	agent := &stubAgent{sessionID: "sid-1"}

	s := NewPolicyShield(PolicyShieldOptions{})
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "http://app.example.com/admin", nil)

	ev := s.Evaluate(w, r, agent)
	if ev.Decision != DecisionDeny {
		t.Fatalf("decision = %v", ev.Decision)
	}
	if ev.Err.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d", ev.Err.StatusCode)
	}
}

func TestPolicyShieldPathOnlyResource(t *testing.T) {
	agent := &stubAgent{
		sessionID: "sid-1",
		decisions: []amclient.PolicyDecision{
			{Resource: "/admin", Actions: map[string]bool{"GET": true}},
		},
	}

	s := NewPolicyShield(PolicyShieldOptions{PathOnly: true})
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "http://app.example.com/admin?tab=users", nil)

	ev := s.Evaluate(w, r, agent)
	if ev.Decision != DecisionAllow {
		t.Fatalf("decision = %v, err = %v", ev.Decision, ev.Err)
	}
	if got := agent.policyRequests[0].Resources[0]; got != "/admin" {
		t.Fatalf("resource = %q", got)
	}
}
