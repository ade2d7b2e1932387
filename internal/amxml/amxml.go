// Package amxml builds and parses the XML documents of AM's legacy
// session-service protocol: the RequestSet envelope for session-listener
// subscriptions, the NotificationSet documents AM pushes to the agent, and
// the LARES (CDSSO) assertion.
//
// The envelope shapes are a wire-compatibility requirement: the session
// service expects a two-level document where the inner SessionRequest is
// carried as escaped character data inside the outer RequestSet, and the
// requester credential is the base64 form of "token:<session id>".
package amxml

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const xmlHeader = `<?xml version="1.0" encoding="UTF-8"?>` + "\n"

type sessionRequest struct {
	XMLName   xml.Name `xml:"SessionRequest"`
	Vers      string   `xml:"vers,attr"`
	ReqID     string   `xml:"reqid,attr"`
	Requester string   `xml:"requester,attr"`
	Listener  addSessionListener
}

type addSessionListener struct {
	XMLName   xml.Name `xml:"AddSessionListener"`
	URL       string   `xml:"URL"`
	SessionID string   `xml:"SessionID"`
}

type requestSet struct {
	XMLName xml.Name    `xml:"RequestSet"`
	Vers    string      `xml:"vers,attr"`
	SvcID   string      `xml:"svcid,attr"`
	ReqID   string      `xml:"reqid,attr"`
	Request requestNode `xml:"Request"`
}

// requestNode wraps the inner document in a CDATA section.
type requestNode struct {
	Text string `xml:",cdata"`
}

// SessionListenerRequest builds the session-service request set that
// subscribes notificationURL to state changes of sessionID. The
// agentSessionID authenticates the subscription.
func SessionListenerRequest(agentSessionID, notificationURL, sessionID string) ([]byte, error) {
	inner, err := xml.Marshal(sessionRequest{
		Vers:      "1.0",
		ReqID:     uuid.NewString(),
		Requester: base64.StdEncoding.EncodeToString([]byte("token:" + agentSessionID)),
		Listener: addSessionListener{
			URL:       notificationURL,
			SessionID: sessionID,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("amxml: marshal session request: %w", err)
	}

	outer, err := xml.Marshal(requestSet{
		Vers:    "1.0",
		SvcID:   "Session",
		ReqID:   uuid.NewString(),
		Request: requestNode{Text: xmlHeader + string(inner)},
	})
	if err != nil {
		return nil, fmt.Errorf("amxml: marshal request set: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString(xmlHeader)
	buf.Write(outer)
	return buf.Bytes(), nil
}

// NotificationSet is a parsed push notification document. Each entry of
// Notifications is itself an XML document specific to the service.
type NotificationSet struct {
	SvcID         string
	Notifications []string
}

type notificationSetDoc struct {
	XMLName       xml.Name `xml:"NotificationSet"`
	SvcID         string   `xml:"svcid,attr"`
	Notifications []string `xml:"Notification"`
}

// ParseNotificationSet parses the body of a notification POST.
func ParseNotificationSet(doc []byte) (*NotificationSet, error) {
	var parsed notificationSetDoc
	if err := xml.Unmarshal(doc, &parsed); err != nil {
		return nil, fmt.Errorf("amxml: parse notification set: %w", err)
	}
	return &NotificationSet{
		SvcID:         parsed.SvcID,
		Notifications: parsed.Notifications,
	}, nil
}

// SessionEvent is a session state change extracted from a session-service
// notification.
type SessionEvent struct {
	SessionID string
	State     string
	Type      string
	ClientID  string
}

type sessionNotificationDoc struct {
	XMLName xml.Name `xml:"SessionNotification"`
	Session struct {
		SID   string `xml:"sid,attr"`
		State string `xml:"state,attr"`
		SType string `xml:"stype,attr"`
		CID   string `xml:"cid,attr"`
	} `xml:"Session"`
}

// ParseSessionNotification parses one embedded session notification
// document.
func ParseSessionNotification(doc string) (*SessionEvent, error) {
	var parsed sessionNotificationDoc
	if err := xml.Unmarshal([]byte(doc), &parsed); err != nil {
		return nil, fmt.Errorf("amxml: parse session notification: %w", err)
	}
	return &SessionEvent{
		SessionID: parsed.Session.SID,
		State:     parsed.Session.State,
		Type:      parsed.Session.SType,
		ClientID:  parsed.Session.CID,
	}, nil
}

// Assertion is the relevant subset of a CDSSO (LARES) AuthnResponse.
type Assertion struct {
	Issuer       string
	NotBefore    time.Time
	NotOnOrAfter time.Time
	SubjectID    string
}

type authnResponseDoc struct {
	XMLName   xml.Name `xml:"AuthnResponse"`
	Assertion struct {
		Issuer     string `xml:"Issuer,attr"`
		Conditions struct {
			NotBefore    string `xml:"NotBefore,attr"`
			NotOnOrAfter string `xml:"NotOnOrAfter,attr"`
		} `xml:"Conditions"`
		AuthenticationStatement struct {
			Subject struct {
				NameIdentifier string `xml:"NameIdentifier"`
			} `xml:"Subject"`
		} `xml:"AuthenticationStatement"`
	} `xml:"Assertion"`
}

// ParseLARES decodes and parses a base64 LARES form value into an
// Assertion. Validation is the caller's job; see Assertion.Validate.
func ParseLARES(lares string) (*Assertion, error) {
	raw, err := base64.StdEncoding.DecodeString(lares)
	if err != nil {
		return nil, fmt.Errorf("amxml: decode LARES: %w", err)
	}

	var doc authnResponseDoc
	if err := xml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("amxml: parse LARES: %w", err)
	}

	notBefore, err := parseAssertionTime(doc.Assertion.Conditions.NotBefore)
	if err != nil {
		return nil, fmt.Errorf("amxml: LARES NotBefore: %w", err)
	}
	notOnOrAfter, err := parseAssertionTime(doc.Assertion.Conditions.NotOnOrAfter)
	if err != nil {
		return nil, fmt.Errorf("amxml: LARES NotOnOrAfter: %w", err)
	}

	return &Assertion{
		Issuer:       doc.Assertion.Issuer,
		NotBefore:    notBefore,
		NotOnOrAfter: notOnOrAfter,
		SubjectID:    doc.Assertion.AuthenticationStatement.Subject.NameIdentifier,
	}, nil
}

// Validate checks the assertion's issuer and validity window. The window
// is [NotBefore, NotOnOrAfter).
func (a *Assertion) Validate(expectedIssuer string, now time.Time) error {
	if a.Issuer != expectedIssuer {
		return fmt.Errorf("amxml: unknown issuer %q", a.Issuer)
	}
	if now.Before(a.NotBefore) || !now.Before(a.NotOnOrAfter) {
		return fmt.Errorf("amxml: assertion not in date: %s - %s", a.NotBefore, a.NotOnOrAfter)
	}
	if a.SubjectID == "" {
		return fmt.Errorf("amxml: assertion carries no subject")
	}
	return nil
}

func parseAssertionTime(v string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		// some AM versions emit fractional seconds
		return time.Parse("2006-01-02T15:04:05.999Z07:00", v)
	}
	return t, nil
}
