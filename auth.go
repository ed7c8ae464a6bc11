/*
	Copyright Nettrack Inc.

	Licensed under the Apache License, Version 2.0 (the "License");
	you may not use this file except in compliance with the License.
	You may obtain a copy of the License at

	https://www.apache.org/licenses/LICENSE-2.0

	Unless required by applicable law or agreed to in writing, software
	distributed under the License is distributed on an "AS IS" BASIS,
	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
	See the License for the specific language governing permissions and
	limitations under the License.
*/

package websrv

import (
	"crypto/subtle"
	"net"
	"net/http"

	"github.com/sirupsen/logrus"
)

// CredentialCheckFunc verifies a basic-auth username/password pair. Credential storage and hashing are
// external concerns; the core only needs the verdict.
type CredentialCheckFunc func(user, password string) bool

// staticCredentialCheck verifies against a single configured account with constant-time comparison.
func staticCredentialCheck(confUser, confPassword string) CredentialCheckFunc {
	return func(user, password string) bool {
		if confUser == "" || confPassword == "" {
			return false
		}
		userOk := subtle.ConstantTimeCompare([]byte(user), []byte(confUser)) == 1
		passOk := subtle.ConstantTimeCompare([]byte(password), []byte(confPassword)) == 1
		return userOk && passOk
	}
}

// authenticate runs the authentication chain for a handler that requires a login. Order: valid session
// cookie, then basic-auth credentials, then the trusted-loopback allowance. First success wins. Returns
// false when every check fails; the handler is never invoked in that case.
func (s *Server) authenticate(c *Conn) bool {
	if s.attachSession(c) {
		return true
	}

	if user, password, ok := basicAuth(c.header); ok {
		if s.checker(user, password) {
			session, err := s.sessions.Create(s.config.SessionLifetime)
			if err != nil {
				logrus.Errorf("unable to create session for %s: %v", user, err)
				return false
			}
			c.session = session
			return true
		}
		logrus.Debugf("rejected basic auth for user %s from %s", user, c.remoteAddr)
		return false
	}

	if s.config.TrustLoopback && isLoopback(c.remoteAddr) {
		return true
	}

	return false
}

// attachSession looks for a valid session cookie and attaches the refreshed session to the connection.
func (s *Server) attachSession(c *Conn) bool {
	token := readCookie(c.header, SessionCookieName)
	if token == "" {
		return false
	}

	session, ok := s.sessions.Find(token)
	if !ok {
		return false
	}

	c.session = session
	return true
}

// challenge freezes the connection into an authentication-challenge response.
func (s *Server) challenge(c *Conn) {
	c.SetStatus(http.StatusUnauthorized)
	c.respHeader.Set("WWW-Authenticate", `Basic realm="`+s.config.Realm+`"`)
}

// CreateSession mints a session and attaches it to the connection, for use by login-style endpoints
// that establish a session pre-emptively. The session cookie is appended when the response is frozen.
func (s *Server) CreateSession(c *Conn) (*Session, error) {
	session, err := s.sessions.Create(s.config.SessionLifetime)
	if err != nil {
		return nil, err
	}
	c.session = session
	return session, nil
}

func basicAuth(header http.Header) (user, password string, ok bool) {
	r := http.Request{Header: header}
	return r.BasicAuth()
}

func readCookie(header http.Header, name string) string {
	r := http.Request{Header: header}
	cookie, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return cookie.Value
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// registerSessionEndpoints installs the built-in login-flow surface: check_setup_ok reports whether an
// admin account is configured (pre-login, so the login form can render), check_login succeeds only with
// valid credentials or a live session, and logout tears the session down.
func (s *Server) registerSessionEndpoints() {
	s.registry.RegisterUnauthenticated(NewGeneratedEndpoint("/session/check_setup_ok", func() (interface{}, error) {
		return map[string]bool{"setup_ok": s.config.AdminUser != "" && s.config.AdminPassword != ""}, nil
	}, nil))

	s.registry.Register(NewGeneratedEndpoint("/session/check_login", func() (interface{}, error) {
		return map[string]bool{"login_ok": true}, nil
	}, nil))

	logout := NewGeneratedEndpoint("/session/logout", func() (interface{}, error) {
		return map[string]bool{"logout_ok": true}, nil
	}, nil)
	s.registry.Register(&logoutEndpoint{inner: logout, sessions: s.sessions})
}

// logoutEndpoint wraps a generated endpoint so the matched session is removed before the response is
// produced. The cookie the client holds stops resolving immediately.
type logoutEndpoint struct {
	inner    *GeneratedEndpoint
	sessions *SessionStore
}

var _ Handler = (*logoutEndpoint)(nil)

func (e *logoutEndpoint) Matches(path, method string) bool {
	return e.inner.Matches(path, method)
}

func (e *logoutEndpoint) ProduceResponse(c *Conn) error {
	if session := c.Session(); session != nil {
		e.sessions.Remove(session.Token)
		c.session = nil
	}
	return e.inner.ProduceResponse(c)
}

func (e *logoutEndpoint) ConsumePostChunk(c *Conn, chunk []byte) error {
	return e.inner.ConsumePostChunk(c, chunk)
}

func (e *logoutEndpoint) FinalizePost(c *Conn) error {
	return e.ProduceResponse(c)
}
