package amclient

import "encoding/json"

// ServerInfo is the subset of /json/serverinfo/* the agent cares about:
// the name of the session cookie and the list of cookie domains the AM
// deployment is configured for.
type ServerInfo struct {
	CookieName string   `json:"cookieName"`
	Domains    []string `json:"domains"`
}

// AuthenticateResult is the response of a successful /json/authenticate call.
type AuthenticateResult struct {
	TokenID string `json:"tokenId"`
}

// Credentials carries the inputs of an authenticate call. Module takes
// precedence over Service when both are set (they select mutually exclusive
// auth index types). NoSession validates the credentials without creating a
// session on the AM side.
type Credentials struct {
	Username  string
	Password  string
	Realm     string
	Service   string
	Module    string
	NoSession bool
}

// SessionInfo is the result of a session validation. AM attaches a varying
// set of session attributes next to the well-known ones; they are preserved
// in Attributes so that profile data can later be merged into the same
// cached record.
type SessionInfo struct {
	Valid bool
	UID   string
	Realm string

	// Attributes holds every other field of the validation response plus
	// any profile attributes merged in later. May be nil.
	Attributes map[string]any
}

// UnmarshalJSON keeps unknown response fields in Attributes.
func (s *SessionInfo) UnmarshalJSON(b []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	if v, ok := raw["valid"].(bool); ok {
		s.Valid = v
	}
	if v, ok := raw["uid"].(string); ok {
		s.UID = v
	}
	if v, ok := raw["realm"].(string); ok {
		s.Realm = v
	}

	delete(raw, "valid")
	delete(raw, "uid")
	delete(raw, "realm")
	if len(raw) > 0 {
		s.Attributes = raw
	}

	return nil
}

// MarshalJSON is the inverse of UnmarshalJSON so cached records survive a
// round trip through a JSON-backed cache.
func (s SessionInfo) MarshalJSON() ([]byte, error) {
	raw := make(map[string]any, len(s.Attributes)+3)
	for k, v := range s.Attributes {
		raw[k] = v
	}
	raw["valid"] = s.Valid
	if s.UID != "" {
		raw["uid"] = s.UID
	}
	if s.Realm != "" {
		raw["realm"] = s.Realm
	}
	return json.Marshal(raw)
}

// Merge copies profile attributes into the session record. Last write wins.
func (s *SessionInfo) Merge(profile map[string]any) {
	if s.Attributes == nil {
		s.Attributes = make(map[string]any, len(profile))
	}
	for k, v := range profile {
		s.Attributes[k] = v
	}
}

// HasProfile reports whether profile data has already been merged into the
// record, keyed on the distinguished-name attribute the profile endpoint
// returns.
func (s *SessionInfo) HasProfile() bool {
	_, ok := s.Attributes["dn"]
	return ok
}

// PolicyDecisionRequest is the body of a /json/policies?_action=evaluate call.
type PolicyDecisionRequest struct {
	Resources   []string      `json:"resources"`
	Application string        `json:"application"`
	Subject     PolicySubject `json:"subject"`
}

// PolicySubject identifies the subject of a policy evaluation.
type PolicySubject struct {
	SSOToken string `json:"ssoToken,omitempty"`
}

// PolicyDecision is a single decision in AM's policy evaluation response.
// The access verdict for an HTTP method is Actions[method] == true.
type PolicyDecision struct {
	Resource   string              `json:"resource"`
	Actions    map[string]bool     `json:"actions"`
	Attributes map[string][]string `json:"attributes,omitempty"`
	Advices    map[string][]string `json:"advices,omitempty"`
}
