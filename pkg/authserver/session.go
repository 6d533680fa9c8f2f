// SPDX-FileCopyrightText: Copyright 2025 Tasklane, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"time"

	"github.com/ory/fosite"
	"github.com/ory/fosite/handler/oauth2"
	"github.com/ory/fosite/token/jwt"
)

// JWT claim keys specific to Tasklane tokens.
const (
	// LoginSessionIDClaimKey ("tsid") carries the browser login session a
	// token chain descends from, so refresh grants can re-resolve the
	// active organization and logout can be correlated.
	LoginSessionIDClaimKey = "tsid"

	// ClientIDClaimKey identifies the OAuth client the token was issued to.
	ClientIDClaimKey = "client_id"

	// AuthorizedPartyClaimKey is the OIDC azp claim, same value as client_id.
	AuthorizedPartyClaimKey = "azp"
)

// Session is the fosite session for all Tasklane token chains. It embeds
// the JWT session (claims become the signed access token payload) and
// keeps the originating login session ID so tenant claims can be
// recomputed on refresh.
type Session struct {
	*oauth2.JWTSession

	// LoginSessionID is empty for device-grant chains, which have no
	// browser session.
	LoginSessionID string `json:"login_session_id,omitempty"`
}

// NewSession creates a session for a subject. claims carries the resolved
// identity and tenant claims merged into the token payload.
func NewSession(subject, loginSessionID, clientID string, claims map[string]any) *Session {
	extra := make(map[string]any, len(claims)+3)
	for k, v := range claims {
		extra[k] = v
	}
	if loginSessionID != "" {
		extra[LoginSessionIDClaimKey] = loginSessionID
	}
	if clientID != "" {
		extra[ClientIDClaimKey] = clientID
		extra[AuthorizedPartyClaimKey] = clientID
	}

	return &Session{
		JWTSession: &oauth2.JWTSession{
			JWTClaims: &jwt.JWTClaims{
				Subject:  subject,
				Extra:    extra,
				IssuedAt: time.Now(),
			},
			JWTHeader: &jwt.Headers{
				Extra: map[string]any{},
			},
			Subject: subject,
		},
		LoginSessionID: loginSessionID,
	}
}

// GetLoginSessionID returns the originating login session ID. Storage
// backends persist it through this accessor regardless of the concrete
// session type they deserialize into.
func (s *Session) GetLoginSessionID() string {
	if s == nil {
		return ""
	}
	return s.LoginSessionID
}

// GetSubject returns the session subject, tolerating partially built
// sessions from deserialization.
func (s *Session) GetSubject() string {
	if s == nil || s.JWTSession == nil {
		return ""
	}
	return s.JWTSession.GetSubject()
}

// SetSubject sets the subject, initializing nil fields.
func (s *Session) SetSubject(subject string) {
	s.ensureJWTSession()
	s.JWTClaims.Subject = subject
	s.JWTSession.Subject = subject
}

// GetExpiresAt returns the expiry for a token type, zero when unset.
func (s *Session) GetExpiresAt(key fosite.TokenType) time.Time {
	if s == nil || s.JWTSession == nil {
		return time.Time{}
	}
	return s.JWTSession.GetExpiresAt(key)
}

// SetExpiresAt sets the expiry for a token type, initializing nil fields.
func (s *Session) SetExpiresAt(key fosite.TokenType, exp time.Time) {
	s.ensureJWTSession()
	s.JWTSession.SetExpiresAt(key, exp)
}

// Clone deep-copies the session so fosite's per-request mutation never
// leaks between requests.
func (s *Session) Clone() fosite.Session {
	if s == nil {
		return nil
	}
	cp := &Session{LoginSessionID: s.LoginSessionID}
	if s.JWTSession != nil {
		if inner, ok := s.JWTSession.Clone().(*oauth2.JWTSession); ok {
			cp.JWTSession = inner
		}
	}
	return cp
}

func (s *Session) ensureJWTSession() {
	if s.JWTSession == nil {
		s.JWTSession = &oauth2.JWTSession{}
	}
	if s.JWTClaims == nil {
		s.JWTClaims = &jwt.JWTClaims{Extra: map[string]any{}}
	}
	if s.JWTHeader == nil {
		s.JWTHeader = &jwt.Headers{Extra: map[string]any{}}
	}
}

var _ fosite.Session = (*Session)(nil)
