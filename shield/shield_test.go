package shield

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/openam-community/am-agent-go/amclient"
)

// stubAgent satisfies Agent with canned responses for shield tests. Calls
// that reach a nil field fail loudly through the zero value.
type stubAgent struct {
	client     *amclient.Client
	serverInfo *amclient.ServerInfo

	sessionID  string
	sessionErr error

	sessions map[string]*amclient.SessionInfo

	profile    map[string]any
	profileErr error

	decisions    []amclient.PolicyDecision
	decisionsErr error

	policyRequests []amclient.PolicyDecisionRequest
}

func (s *stubAgent) Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (s *stubAgent) Client() *amclient.Client { return s.client }

func (s *stubAgent) ServerInfo(context.Context) (*amclient.ServerInfo, error) {
	if s.serverInfo == nil {
		return &amclient.ServerInfo{CookieName: "iPlanetDirectoryPro", Domains: []string{".example.com"}}, nil
	}
	return s.serverInfo, nil
}

func (s *stubAgent) SessionIDFromRequest(r *http.Request) (string, error) {
	return s.sessionID, s.sessionErr
}

func (s *stubAgent) ValidateSession(_ context.Context, sessionID string) (*amclient.SessionInfo, error) {
	if info, ok := s.sessions[sessionID]; ok {
		return info, nil
	}
	return &amclient.SessionInfo{Valid: false}, nil
}

func (s *stubAgent) UserProfile(_ context.Context, userID, realm, sessionID string) (map[string]any, error) {
	return s.profile, s.profileErr
}

func (s *stubAgent) PolicyDecisions(_ context.Context, req amclient.PolicyDecisionRequest) ([]amclient.PolicyDecision, error) {
	s.policyRequests = append(s.policyRequests, req)
	return s.decisions, s.decisionsErr
}

func (s *stubAgent) LoginURL(r *http.Request) string {
	return "https://am.example.com/openam/UI/Login?goto=x"
}

func (s *stubAgent) CDSSOURL(r *http.Request) string {
	return "https://am.example.com/openam/cdcservlet?TARGET=x"
}
