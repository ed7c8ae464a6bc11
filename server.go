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
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"

	"github.com/michaelquigley/pfxlog"
	"github.com/nettrack/websrv/middleware"
	"github.com/openziti/foundation/v2/debugz"
	transporttls "github.com/openziti/transport/v2/tls"
)

type ContextKey string

// ServerContextKey locates the owning *Server on a request context, for embedding code that mixes raw
// http.Handler middleware with this server's dispatch.
const ServerContextKey = ContextKey("websrv.Server.ContextKey")

// ServerFromRequestContext retrieves the *Server reference from an http.Request context.
func ServerFromRequestContext(ctx context.Context) *Server {
	if val := ctx.Value(ServerContextKey); val != nil {
		if server, ok := val.(*Server); ok {
			return server
		}
	}
	return nil
}

// EncodeFunc encodes a served object onto the response body.
type EncodeFunc func(w io.Writer, obj interface{}) error

type codecEntry struct {
	encode      EncodeFunc
	contentType string
}

// Server owns the handler registry and session store and drives the per-connection state machine. There
// is no ambient global: embedding applications construct a Server and hand it to whatever registers
// endpoints.
//
// The transport contract is the OnRequest/OnBodyChunk/OnBodyComplete/OnConnectionClosed methods in
// connection.go; Start runs the bundled net/http transport against them.
type Server struct {
	config   *Config
	registry *HandlerRegistry
	sessions *SessionStore

	checker   CredentialCheckFunc
	summarize SummarizeFunc

	codecLock sync.Mutex
	codecs    map[string]codecEntry

	httpServer *http.Server
	logWriter  *io.PipeWriter
}

// NewServer creates a Server from a validated Config. The session db, if configured, is loaded before
// return so restarts do not force re-authentication.
func NewServer(config *Config) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	sessions := NewSessionStore(config.SessionDBPath, config.SessionFlushInterval)
	if err := sessions.Load(); err != nil {
		return nil, err
	}

	server := &Server{
		config:    config,
		registry:  NewHandlerRegistry(),
		sessions:  sessions,
		checker:   staticCredentialCheck(config.AdminUser, config.AdminPassword),
		summarize: passthroughSummarize,
		codecs: map[string]codecEntry{
			"json": {encode: jsonEncode, contentType: "application/json"},
		},
	}

	for _, dir := range config.StaticDirs {
		server.registry.RegisterStaticDir(dir.Prefix, dir.Root)
	}
	for alias, dest := range config.Aliases {
		server.registry.RegisterAlias(alias, dest)
	}
	for suffix, mimeType := range config.MimeTypes {
		server.registry.RegisterMimeType(suffix, mimeType)
	}

	server.registerSessionEndpoints()

	return server, nil
}

// Registry returns the handler registry for endpoint registration.
func (server *Server) Registry() *HandlerRegistry {
	return server.registry
}

// Sessions returns the session store.
func (server *Server) Sessions() *SessionStore {
	return server.sessions
}

// SetCredentialCheck replaces the basic-auth verifier. The default checks the configured admin account.
func (server *Server) SetCredentialCheck(checker CredentialCheckFunc) {
	server.checker = checker
}

// SetSummarizer installs the field-selection pass applied to served objects when a request carries a
// field spec.
func (server *Server) SetSummarizer(fn SummarizeFunc) {
	server.summarize = fn
}

// RegisterCodec maps a URL suffix to an encoder and its content type. The json codec is built in.
func (server *Server) RegisterCodec(suffix, contentType string, encode EncodeFunc) {
	server.codecLock.Lock()
	defer server.codecLock.Unlock()

	server.codecs[suffix] = codecEntry{encode: encode, contentType: contentType}
}

func (server *Server) codec(suffix string) (EncodeFunc, string) {
	server.codecLock.Lock()
	defer server.codecLock.Unlock()

	if entry, ok := server.codecs[suffix]; ok {
		return entry.encode, entry.contentType
	}
	entry := server.codecs["json"]
	return entry.encode, entry.contentType
}

func jsonEncode(w io.Writer, obj interface{}) error {
	return json.NewEncoder(w).Encode(obj)
}

// Handler returns the bundled transport as an http.Handler: panic recovery and response compression
// wrapped around the state-machine adapter. Useful for embedding into an existing http.Server or for
// httptest-driven exercises.
func (server *Server) Handler() http.Handler {
	var handler http.Handler = &httpAdapter{server: server}
	handler = server.wrapPanicRecovery(handler)
	handler = middleware.NewCompressionHandler(handler)
	return handler
}

// wrapPanicRecovery guards against faults escaping the adapter itself; handler panics are already
// caught at the dispatch boundary.
func (server *Server) wrapPanicRecovery(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		defer func() {
			if panicVal := recover(); panicVal != nil {
				pfxlog.Logger().Errorf("panic caught by server handler: %v\n%v", panicVal, debugz.GenerateLocalStack())
			}
		}()

		handler.ServeHTTP(writer, request)
	})
}

// Start builds the http.Server and serves until Shutdown. TLS is used when the config carries an
// identity; otherwise a plain listener is opened.
func (server *Server) Start() error {
	logger := pfxlog.Logger()

	server.logWriter = logger.Writer()
	server.sessions.Run()

	httpServer := &http.Server{
		Addr:         server.config.ListenAddress,
		WriteTimeout: server.config.Options.WriteTimeout,
		ReadTimeout:  server.config.Options.ReadTimeout,
		IdleTimeout:  server.config.Options.IdleTimeout,
		Handler:      server.Handler(),
		ErrorLog:     log.New(server.logWriter, "", 0),
	}
	httpServer.BaseContext = func(net.Listener) context.Context {
		return context.WithValue(context.Background(), ServerContextKey, server)
	}
	server.httpServer = httpServer

	var listener net.Listener
	var err error

	if server.config.Identity != nil {
		tlsConfig := server.config.Identity.ServerTLSConfig()
		tlsConfig.ClientAuth = tls.RequestClientCert
		tlsConfig.MinVersion = uint16(server.config.Options.MinTLSVersion)
		tlsConfig.MaxVersion = uint16(server.config.Options.MaxTLSVersion)
		tlsConfig.NextProtos = append(tlsConfig.NextProtos, "h2", "http/1.1", "")
		httpServer.TLSConfig = tlsConfig

		logger.Infof("starting to listen and serve tls on %s", server.config.ListenAddress)
		listener, err = transporttls.ListenTLS(server.config.ListenAddress, "websrv", tlsConfig)
	} else {
		logger.Infof("starting to listen and serve on %s", server.config.ListenAddress)
		listener, err = net.Listen("tcp", server.config.ListenAddress)
	}

	if err != nil {
		return fmt.Errorf("error listening: %s", err)
	}

	if err := httpServer.Serve(listener); err != http.ErrServerClosed {
		return fmt.Errorf("error serving: %s", err)
	}

	return nil
}

// Shutdown stops the http.Server and flushes the session table.
func (server *Server) Shutdown(ctx context.Context) {
	if server.logWriter != nil {
		_ = server.logWriter.Close()
	}

	if server.httpServer != nil {
		_ = server.httpServer.Shutdown(ctx)
	}

	server.sessions.Close()
}

// httpAdapter is the bundled transport: it maps one http.Request onto the transport contract, delivering
// POST bodies in postChunkSize chunks and writing back the frozen response or draining the pull stream.
type httpAdapter struct {
	server *Server
}

func (a *httpAdapter) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	c := a.server.OnRequest(request.Method, request.URL.RequestURI(), request.Header, request.RemoteAddr)
	defer a.server.OnConnectionClosed(c)

	if c.state == statePostAccumulate && request.Body != nil {
		buf := make([]byte, postChunkSize)
		for {
			n, readErr := request.Body.Read(buf)
			if n > 0 {
				if err := a.server.OnBodyChunk(c, buf[:n]); err != nil {
					break
				}
			}
			if readErr == io.EOF {
				_ = a.server.OnBodyComplete(c)
				break
			}
			if readErr != nil {
				// connection dropped mid-body: discard the context, attempt no response
				return
			}
		}
	}

	if c.state != stateResponded {
		return
	}

	for name, values := range c.respHeader {
		for _, value := range values {
			writer.Header().Add(name, value)
		}
	}
	writer.WriteHeader(c.status)

	if c.stream != nil {
		if _, err := io.Copy(writer, c.stream); err != nil {
			pfxlog.Logger().Debugf("error streaming response body for %s: %v", c.path, err)
		}
		return
	}

	_, _ = writer.Write(c.body.Bytes())
}
