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
	"bytes"
	"io"
	"net/http"
	"net/url"

	"github.com/michaelquigley/pfxlog"
	"github.com/openziti/foundation/v2/debugz"
	"github.com/pkg/errors"
)

type connState int

const (
	stateNew connState = iota
	statePostAccumulate
	statePostFinalize
	stateResponded
	stateClosed
)

type connKind int

const (
	connRead connKind = iota
	connPost
)

// postChunkSize is the body chunk size the bundled transport adapter delivers.
const postChunkSize = 32 * 1024

// Conn is the per-request context threaded through the connection state machine. It is exclusively owned
// by its connection's worker: callbacks for one Conn are strictly sequential, so no internal locking is
// needed. The registry and session store carry their own locks for cross-request state.
type Conn struct {
	server *Server

	method  string
	kind    connKind
	path    string
	mimeURL string
	query   url.Values
	header  http.Header

	remoteAddr string

	state        connState
	handler      Handler
	authRequired bool
	session      *Session

	vars         *Variables
	decoder      bodyDecoder
	postComplete bool
	fields       []string

	status     int
	respHeader http.Header
	body       bytes.Buffer
	stream     io.ReadCloser
	payload    interface{}
	hasPayload bool

	cleanups []func()

	// Extension is an opaque slot handlers may use to stash per-request state between the consume and
	// finalize phases.
	Extension interface{}
}

// Method returns the request method.
func (c *Conn) Method() string { return c.method }

// URL returns the alias-resolved request path.
func (c *Conn) URL() string { return c.path }

// Query returns the parsed query parameters of the request.
func (c *Conn) Query() url.Values { return c.query }

// RequestHeader returns the inbound request headers.
func (c *Conn) RequestHeader() http.Header { return c.header }

// Header returns the response headers, mutable until the response is frozen.
func (c *Conn) Header() http.Header { return c.respHeader }

// Status returns the response status code.
func (c *Conn) Status() int { return c.status }

// SetStatus sets the response status code.
func (c *Conn) SetStatus(status int) { c.status = status }

// Session returns the session attached to this request, or nil.
func (c *Conn) Session() *Session { return c.session }

// Variables returns the decoded POST variable cache.
func (c *Conn) Variables() *Variables { return c.vars }

// PostComplete reports whether the full request body has been delivered.
func (c *Conn) PostComplete() bool { return c.postComplete }

// Write appends to the buffered response body.
func (c *Conn) Write(p []byte) (int, error) {
	return c.body.Write(p)
}

// SetBodyStream installs a pull-based response body. The transport drains the reader until EOF, so large
// payloads are never fully buffered; it is closed when the connection closes.
func (c *Conn) SetBodyStream(stream io.ReadCloser) {
	c.stream = stream
	c.OnClose(func() { _ = stream.Close() })
}

// ServeObject marks obj as the response payload. After the handler returns, the summarization pass runs
// if the request carried a field spec, then the suffix-selected codec encodes the result.
func (c *Conn) ServeObject(obj interface{}) {
	c.payload = obj
	c.hasPayload = true
}

// OnClose registers a cleanup run when the transport signals connection completion, including aborts.
func (c *Conn) OnClose(fn func()) {
	c.cleanups = append(c.cleanups, fn)
}

// fault freezes the connection into a 500-class response. Internal error detail is logged, never echoed.
func (c *Conn) fault() {
	c.status = http.StatusInternalServerError
	c.body.Reset()
	c.payload = nil
	c.hasPayload = false
	c.stream = nil
	c.body.WriteString("internal server error\n")
	c.respHeader.Set("Content-Type", "text/plain")
}

// badRequest freezes the connection into a 400-class response with a generic message.
func (c *Conn) badRequest() {
	c.status = http.StatusBadRequest
	c.body.Reset()
	c.payload = nil
	c.hasPayload = false
	c.body.WriteString("bad request\n")
	c.respHeader.Set("Content-Type", "text/plain")
}

// OnRequest is the first transport callback for a connection. It builds the context, resolves aliases,
// matches a handler, and runs the authentication check. Read-style requests are dispatched immediately;
// POST/PUT requests wait for body chunks.
func (s *Server) OnRequest(method, rawURL string, header http.Header, remoteAddr string) *Conn {
	c := &Conn{
		server:     s,
		method:     method,
		kind:       connRead,
		header:     header,
		remoteAddr: remoteAddr,
		status:     http.StatusOK,
		respHeader: http.Header{},
		vars:       newVariables(),
	}
	if method == http.MethodPost || method == http.MethodPut {
		c.kind = connPost
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		c.badRequest()
		s.respond(c)
		return c
	}
	c.path = s.registry.ResolveAlias(parsed.Path)
	c.mimeURL = c.path
	c.query = parsed.Query()

	handler, authRequired, found := s.registry.Match(c.path, c.method)
	if !found {
		if c.kind == connRead && s.serveStatic(c) {
			s.respond(c)
			return c
		}
		c.SetStatus(http.StatusNotFound)
		s.respond(c)
		return c
	}

	c.handler = handler
	c.authRequired = authRequired

	if authRequired {
		if !s.authenticate(c) {
			s.challenge(c)
			s.respond(c)
			return c
		}
	} else {
		// refresh an existing session on pre-login paths so the cookie stays live across the login flow
		s.attachSession(c)
	}

	if c.kind == connPost {
		decoder, err := decoderForContentType(header.Get("Content-Type"), c.vars)
		if err != nil {
			pfxlog.Logger().Debugf("rejecting post body for %s: %v", c.path, err)
			c.badRequest()
			s.respond(c)
			return c
		}
		c.decoder = decoder
		c.state = statePostAccumulate
		return c
	}

	if !s.applyFieldSpec(c, c.query.Get("fields")) {
		s.respond(c)
		return c
	}

	s.dispatch(c, func() error { return c.handler.ProduceResponse(c) })
	s.encodePayload(c)
	s.respond(c)
	return c
}

// OnBodyChunk delivers one body chunk. The chunk is decoded into the variable cache and forwarded
// unmodified to the matched handler's consume callback. A returned error means the state machine has
// aborted and the transport should stop delivering body data.
func (s *Server) OnBodyChunk(c *Conn, chunk []byte) error {
	if c.state != statePostAccumulate {
		return nil
	}

	if err := c.decoder.consume(chunk); err != nil {
		pfxlog.Logger().Debugf("body decode failure for %s: %v", c.path, err)
		c.badRequest()
		s.respond(c)
		return err
	}

	s.dispatch(c, func() error { return c.handler.ConsumePostChunk(c, chunk) })
	if c.state == stateResponded {
		return errors.New("handler aborted body processing")
	}
	return nil
}

// OnBodyComplete signals that the full body has arrived. The decoder is flushed and the handler's
// finalize callback produces the response.
func (s *Server) OnBodyComplete(c *Conn) error {
	if c.state != statePostAccumulate {
		return nil
	}

	if err := c.decoder.finish(); err != nil {
		pfxlog.Logger().Debugf("body decode failure for %s: %v", c.path, err)
		c.badRequest()
		s.respond(c)
		return err
	}

	c.postComplete = true
	c.state = statePostFinalize

	fieldSpec := c.query.Get("fields")
	if v, err := c.vars.String("fields"); err == nil {
		fieldSpec = v
	}
	if !s.applyFieldSpec(c, fieldSpec) {
		s.respond(c)
		return nil
	}

	s.dispatch(c, func() error { return c.handler.FinalizePost(c) })
	s.encodePayload(c)
	s.respond(c)
	return nil
}

// OnConnectionClosed is the final transport callback. An abort mid-body lands here without finalize
// having run; the context and any handler scratch state are discarded either way.
func (s *Server) OnConnectionClosed(c *Conn) {
	if c.state == stateClosed {
		return
	}
	c.state = stateClosed

	for _, fn := range c.cleanups {
		fn()
	}
	c.cleanups = nil
	c.Extension = nil
}

// dispatch runs one handler callback inside the fault boundary. Panics and returned errors become a
// 500-class response; handler failures never corrupt registry or session state.
func (s *Server) dispatch(c *Conn, fn func() error) {
	defer func() {
		if panicVal := recover(); panicVal != nil {
			pfxlog.Logger().Errorf("panic in handler for %s: %v\n%v", c.path, panicVal, debugz.GenerateLocalStack())
			c.fault()
			c.state = stateResponded
		}
	}()

	if err := fn(); err != nil {
		pfxlog.Logger().Errorf("handler fault for %s: %v", c.path, err)
		c.fault()
		c.state = stateResponded
	}
}

// applyFieldSpec parses a request-supplied field-selection spec. A malformed spec is a client error;
// false means the connection was frozen into a 400 and the handler must not run.
func (s *Server) applyFieldSpec(c *Conn, spec string) bool {
	fields, err := parseFieldSpec(spec)
	if err != nil {
		pfxlog.Logger().Debugf("bad field spec for %s: %v", c.path, err)
		c.badRequest()
		return false
	}
	c.fields = fields
	return true
}

// encodePayload runs the summarization pass when a field spec is present, then encodes the payload with
// the codec selected by the URL suffix.
func (s *Server) encodePayload(c *Conn) {
	if !c.hasPayload || c.state == stateResponded {
		return
	}

	obj := c.payload
	if len(c.fields) > 0 {
		renames := RenameMap{}
		summarized, err := s.summarize(obj, c.fields, renames)
		if err != nil {
			pfxlog.Logger().Debugf("summarization failure for %s: %v", c.path, err)
			c.badRequest()
			return
		}
		obj = summarized
	}

	suffix := suffixOf(c.mimeURL)
	encode, contentType := s.codec(suffix)
	if c.respHeader.Get("Content-Type") == "" {
		c.respHeader.Set("Content-Type", contentType)
	}
	if err := encode(&c.body, obj); err != nil {
		pfxlog.Logger().Errorf("encode failure for %s: %v", c.path, err)
		c.fault()
	}
}

// respond freezes the response and appends the standard headers exactly once: content type by suffix,
// session cookie when a session exists, and cache control.
func (s *Server) respond(c *Conn) {
	if c.state == stateResponded || c.state == stateClosed {
		return
	}
	c.state = stateResponded

	if c.respHeader.Get("Content-Type") == "" {
		c.respHeader.Set("Content-Type", s.registry.MimeType(suffixOf(c.mimeURL)))
	}

	if c.session != nil {
		cookie := &http.Cookie{
			Name:   SessionCookieName,
			Value:  c.session.Token,
			Path:   "/",
			MaxAge: int(c.session.Lifetime.Seconds()),
		}
		c.respHeader.Add("Set-Cookie", cookie.String())
	}

	if c.respHeader.Get("Cache-Control") == "" {
		c.respHeader.Set("Cache-Control", "no-cache")
	}
}
