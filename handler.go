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
	"io"
	"net/http"
	"sync"

	"github.com/pkg/errors"
)

// Handler is the contract every registered endpoint satisfies. Matching is a callback rather than a static
// route table: a single Handler may accept an open-ended family of paths (see PathEndpoint). Once a Handler
// is matched to a Conn, all further callbacks for that Conn are routed to it and only it.
//
// ProduceResponse serves read-style requests (GET/HEAD/DELETE). ConsumePostChunk receives raw body bytes as
// they arrive, unmodified, in delivery order. FinalizePost runs once the transport signals body completion
// and has access to the fully decoded variable cache via the Conn.
type Handler interface {
	Matches(path, method string) bool
	ProduceResponse(c *Conn) error
	ConsumePostChunk(c *Conn, chunk []byte) error
	FinalizePost(c *Conn) error
}

// GenerateFunc produces a fresh serializable object for a request.
type GenerateFunc func() (interface{}, error)

// PathGenerateFunc produces a serializable object from the parsed path segments of a matched request.
type PathGenerateFunc func(path []string) (interface{}, error)

// PathMatchFunc decides whether a handler accepts a request given its parsed path segments. The suffix
// (.json etc.) is stripped from the final segment before the call.
type PathMatchFunc func(path []string) bool

// PostHandlerFunc handles a completed POST body. It writes the response body to stream and returns the
// status code for the response.
type PostHandlerFunc func(stream io.Writer, uri string, vars *Variables) (int, error)

// PathPostHandlerFunc is PostHandlerFunc with access to the parsed path segments of the matched request.
type PathPostHandlerFunc func(stream io.Writer, path []string, uri string, vars *Variables) (int, error)

// errWrongPhase is returned when a lifecycle callback reaches a handler shape that never expects it.
var errWrongPhase = errors.New("handler invoked in wrong request phase")

func readMethod(method string) bool {
	return method == http.MethodGet || method == http.MethodHead || method == http.MethodDelete
}

// withGuard runs fn while holding guard, if one is present. The guard is released before the caller
// encodes the response, on every exit path including panics.
func withGuard(guard sync.Locker, fn func() error) error {
	if guard == nil {
		return fn()
	}
	guard.Lock()
	defer guard.Unlock()
	return fn()
}

// FixedEndpoint serves a single pre-built object at a fixed URI. The object may be mutated elsewhere in
// the system; each request serializes its current state, under the guard if one was supplied.
type FixedEndpoint struct {
	URI     string
	Content interface{}
	Guard   sync.Locker
}

var _ Handler = (*FixedEndpoint)(nil)

func NewFixedEndpoint(uri string, content interface{}, guard sync.Locker) *FixedEndpoint {
	return &FixedEndpoint{URI: uri, Content: content, Guard: guard}
}

func (e *FixedEndpoint) Matches(path, method string) bool {
	if !readMethod(method) && method != http.MethodPost {
		return false
	}
	return stripSuffix(path) == e.URI
}

func (e *FixedEndpoint) ProduceResponse(c *Conn) error {
	return withGuard(e.Guard, func() error {
		c.ServeObject(e.Content)
		return nil
	})
}

func (e *FixedEndpoint) ConsumePostChunk(*Conn, []byte) error { return nil }

// FinalizePost serves the same object as a read; a POST to a read endpoint exists so clients can carry a
// field-selection spec in the body instead of the query string.
func (e *FixedEndpoint) FinalizePost(c *Conn) error {
	return e.ProduceResponse(c)
}

// GeneratedEndpoint serves an object produced fresh per request by a generator function at a fixed URI.
type GeneratedEndpoint struct {
	URI      string
	Generate GenerateFunc
	Guard    sync.Locker
}

var _ Handler = (*GeneratedEndpoint)(nil)

func NewGeneratedEndpoint(uri string, generate GenerateFunc, guard sync.Locker) *GeneratedEndpoint {
	return &GeneratedEndpoint{URI: uri, Generate: generate, Guard: guard}
}

func (e *GeneratedEndpoint) Matches(path, method string) bool {
	if !readMethod(method) && method != http.MethodPost {
		return false
	}
	return stripSuffix(path) == e.URI
}

func (e *GeneratedEndpoint) ProduceResponse(c *Conn) error {
	var obj interface{}
	err := withGuard(e.Guard, func() error {
		var genErr error
		obj, genErr = e.Generate()
		return genErr
	})
	if err != nil {
		return err
	}
	c.ServeObject(obj)
	return nil
}

func (e *GeneratedEndpoint) ConsumePostChunk(*Conn, []byte) error { return nil }

func (e *GeneratedEndpoint) FinalizePost(c *Conn) error {
	return e.ProduceResponse(c)
}

// PathEndpoint serves a REST-style family of resources keyed by path components. Accept decides
// applicability from the parsed segments; Generate receives the same segments.
type PathEndpoint struct {
	Accept   PathMatchFunc
	Generate PathGenerateFunc
	Guard    sync.Locker
}

var _ Handler = (*PathEndpoint)(nil)

func NewPathEndpoint(accept PathMatchFunc, generate PathGenerateFunc, guard sync.Locker) *PathEndpoint {
	return &PathEndpoint{Accept: accept, Generate: generate, Guard: guard}
}

func (e *PathEndpoint) Matches(path, method string) bool {
	if !readMethod(method) && method != http.MethodPost {
		return false
	}
	return e.Accept(splitPath(stripSuffix(path)))
}

func (e *PathEndpoint) ProduceResponse(c *Conn) error {
	segments := splitPath(stripSuffix(c.URL()))

	var obj interface{}
	err := withGuard(e.Guard, func() error {
		var genErr error
		obj, genErr = e.Generate(segments)
		return genErr
	})
	if err != nil {
		return err
	}
	c.ServeObject(obj)
	return nil
}

func (e *PathEndpoint) ConsumePostChunk(*Conn, []byte) error { return nil }

func (e *PathEndpoint) FinalizePost(c *Conn) error {
	return e.ProduceResponse(c)
}

// PostEndpoint invokes a handler function once the full POST body has arrived. The function writes the
// response body directly and returns the status code.
type PostEndpoint struct {
	URI    string
	Handle PostHandlerFunc
	Guard  sync.Locker
}

var _ Handler = (*PostEndpoint)(nil)

func NewPostEndpoint(uri string, handle PostHandlerFunc, guard sync.Locker) *PostEndpoint {
	return &PostEndpoint{URI: uri, Handle: handle, Guard: guard}
}

func (e *PostEndpoint) Matches(path, method string) bool {
	if method != http.MethodPost && method != http.MethodPut {
		return false
	}
	return stripSuffix(path) == e.URI
}

func (e *PostEndpoint) ProduceResponse(*Conn) error { return errWrongPhase }

func (e *PostEndpoint) ConsumePostChunk(*Conn, []byte) error { return nil }

func (e *PostEndpoint) FinalizePost(c *Conn) error {
	return withGuard(e.Guard, func() error {
		status, err := e.Handle(c, c.URL(), c.Variables())
		if err != nil {
			return err
		}
		c.SetStatus(status)
		return nil
	})
}

// PathPostEndpoint is the path-templated variant of PostEndpoint for REST-style submission endpoints.
type PathPostEndpoint struct {
	Accept PathMatchFunc
	Handle PathPostHandlerFunc
	Guard  sync.Locker
}

var _ Handler = (*PathPostEndpoint)(nil)

func NewPathPostEndpoint(accept PathMatchFunc, handle PathPostHandlerFunc, guard sync.Locker) *PathPostEndpoint {
	return &PathPostEndpoint{Accept: accept, Handle: handle, Guard: guard}
}

func (e *PathPostEndpoint) Matches(path, method string) bool {
	if method != http.MethodPost && method != http.MethodPut {
		return false
	}
	return e.Accept(splitPath(stripSuffix(path)))
}

func (e *PathPostEndpoint) ProduceResponse(*Conn) error { return errWrongPhase }

func (e *PathPostEndpoint) ConsumePostChunk(*Conn, []byte) error { return nil }

func (e *PathPostEndpoint) FinalizePost(c *Conn) error {
	segments := splitPath(stripSuffix(c.URL()))

	return withGuard(e.Guard, func() error {
		status, err := e.Handle(c, segments, c.URL(), c.Variables())
		if err != nil {
			return err
		}
		c.SetStatus(status)
		return nil
	})
}
