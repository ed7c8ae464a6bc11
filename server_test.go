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
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *Server {
	server, err := NewServer(&Config{
		ListenAddress:   "127.0.0.1:0",
		AdminUser:       "admin",
		AdminPassword:   "secret",
		SessionLifetime: time.Hour,
	})
	require.NoError(t, err)
	return server
}

func do(server *Server, request *http.Request) *httptest.ResponseRecorder {
	recorder := httptest.NewRecorder()
	server.Handler().ServeHTTP(recorder, request)
	return recorder
}

func Test_ReadDispatch(t *testing.T) {

	t.Run("an unauthenticated generated endpoint serves without a session", func(t *testing.T) {
		server := newTestServer(t)
		server.Registry().RegisterUnauthenticated(NewGeneratedEndpoint("/status", func() (interface{}, error) {
			return map[string]bool{"ok": true}, nil
		}, nil))

		result := do(server, httptest.NewRequest(http.MethodGet, "/status.json", nil))

		req := require.New(t)
		req.Equal(http.StatusOK, result.Code)
		req.JSONEq(`{"ok": true}`, result.Body.String())
		req.Equal("application/json", result.Header().Get("Content-Type"))
	})

	t.Run("an unmatched path is a 404", func(t *testing.T) {
		server := newTestServer(t)

		result := do(server, httptest.NewRequest(http.MethodGet, "/nope", nil))

		require.Equal(t, http.StatusNotFound, result.Code)
	})

	t.Run("a fixed endpoint serializes the current object state per request", func(t *testing.T) {
		server := newTestServer(t)
		content := map[string]int{"count": 1}
		server.Registry().RegisterUnauthenticated(NewFixedEndpoint("/counter", content, nil))

		first := do(server, httptest.NewRequest(http.MethodGet, "/counter.json", nil))
		content["count"] = 2
		second := do(server, httptest.NewRequest(http.MethodGet, "/counter.json", nil))

		req := require.New(t)
		req.JSONEq(`{"count": 1}`, first.Body.String())
		req.JSONEq(`{"count": 2}`, second.Body.String())
	})

	t.Run("a path endpoint serves a family of paths from its segments", func(t *testing.T) {
		server := newTestServer(t)
		server.Registry().RegisterUnauthenticated(NewPathEndpoint(
			func(path []string) bool {
				return len(path) == 3 && path[0] == "devices" && path[1] == "by-mac"
			},
			func(path []string) (interface{}, error) {
				return map[string]string{"mac": path[2]}, nil
			}, nil))

		result := do(server, httptest.NewRequest(http.MethodGet, "/devices/by-mac/aa:bb:cc.json", nil))

		req := require.New(t)
		req.Equal(http.StatusOK, result.Code)
		req.JSONEq(`{"mac": "aa:bb:cc"}`, result.Body.String())
	})

	t.Run("a generator error becomes a generic 500", func(t *testing.T) {
		server := newTestServer(t)
		server.Registry().RegisterUnauthenticated(NewGeneratedEndpoint("/broken", func() (interface{}, error) {
			return nil, errors.New("backing store exploded: password=hunter2")
		}, nil))

		result := do(server, httptest.NewRequest(http.MethodGet, "/broken", nil))

		req := require.New(t)
		req.Equal(http.StatusInternalServerError, result.Code)
		req.Equal("internal server error\n", result.Body.String())
		req.NotContains(result.Body.String(), "hunter2")
	})

	t.Run("a generator panic becomes a generic 500", func(t *testing.T) {
		server := newTestServer(t)
		server.Registry().RegisterUnauthenticated(NewGeneratedEndpoint("/panics", func() (interface{}, error) {
			panic("boom")
		}, nil))

		result := do(server, httptest.NewRequest(http.MethodGet, "/panics", nil))

		require.Equal(t, http.StatusInternalServerError, result.Code)
	})

	t.Run("the endpoint guard is held during generation and released after", func(t *testing.T) {
		server := newTestServer(t)
		guard := &recordingLocker{}
		server.Registry().RegisterUnauthenticated(NewGeneratedEndpoint("/guarded", func() (interface{}, error) {
			guard.events = append(guard.events, "generate")
			return map[string]bool{"ok": true}, nil
		}, guard))

		result := do(server, httptest.NewRequest(http.MethodGet, "/guarded", nil))

		req := require.New(t)
		req.Equal(http.StatusOK, result.Code)
		req.Equal([]string{"lock", "generate", "unlock"}, guard.events)
	})

	t.Run("the guard is released when the generator fails", func(t *testing.T) {
		server := newTestServer(t)
		guard := &recordingLocker{}
		server.Registry().RegisterUnauthenticated(NewGeneratedEndpoint("/guarded-fail", func() (interface{}, error) {
			return nil, errors.New("nope")
		}, guard))

		do(server, httptest.NewRequest(http.MethodGet, "/guarded-fail", nil))

		require.Equal(t, []string{"lock", "unlock"}, guard.events)
	})
}

type recordingLocker struct {
	events []string
}

func (l *recordingLocker) Lock()   { l.events = append(l.events, "lock") }
func (l *recordingLocker) Unlock() { l.events = append(l.events, "unlock") }

func Test_Authentication(t *testing.T) {

	t.Run("an authenticated path without credentials is challenged and the handler never runs", func(t *testing.T) {
		server := newTestServer(t)
		calls := 0
		server.Registry().Register(NewGeneratedEndpoint("/secure", func() (interface{}, error) {
			calls++
			return map[string]bool{"ok": true}, nil
		}, nil))

		result := do(server, httptest.NewRequest(http.MethodGet, "/secure.json", nil))

		req := require.New(t)
		req.Equal(http.StatusUnauthorized, result.Code)
		req.Equal(`Basic realm="websrv"`, result.Header().Get("WWW-Authenticate"))
		req.Empty(result.Body.String())
		req.Equal(0, calls)
	})

	t.Run("valid basic auth serves the handler and mints a session cookie", func(t *testing.T) {
		server := newTestServer(t)
		server.Registry().Register(NewGeneratedEndpoint("/secure", func() (interface{}, error) {
			return map[string]bool{"ok": true}, nil
		}, nil))

		request := httptest.NewRequest(http.MethodGet, "/secure.json", nil)
		request.SetBasicAuth("admin", "secret")
		result := do(server, request)

		req := require.New(t)
		req.Equal(http.StatusOK, result.Code)

		cookie := sessionCookie(t, result)
		req.NotEmpty(cookie.Value)
		req.Equal("/", cookie.Path)
		req.Equal(int(time.Hour.Seconds()), cookie.MaxAge)

		// the cookie alone authenticates the next request
		followup := httptest.NewRequest(http.MethodGet, "/secure.json", nil)
		followup.AddCookie(&http.Cookie{Name: SessionCookieName, Value: cookie.Value})
		req.Equal(http.StatusOK, do(server, followup).Code)
	})

	t.Run("bad credentials are rejected", func(t *testing.T) {
		server := newTestServer(t)
		server.Registry().Register(NewGeneratedEndpoint("/secure", func() (interface{}, error) {
			return map[string]bool{"ok": true}, nil
		}, nil))

		request := httptest.NewRequest(http.MethodGet, "/secure.json", nil)
		request.SetBasicAuth("admin", "wrong")

		require.Equal(t, http.StatusUnauthorized, do(server, request).Code)
	})

	t.Run("loopback requests pass when trustLoopback is enabled", func(t *testing.T) {
		server, err := NewServer(&Config{
			ListenAddress:   "127.0.0.1:0",
			TrustLoopback:   true,
			SessionLifetime: time.Hour,
		})
		require.NoError(t, err)
		server.Registry().Register(NewGeneratedEndpoint("/secure", func() (interface{}, error) {
			return map[string]bool{"ok": true}, nil
		}, nil))

		remote := httptest.NewRequest(http.MethodGet, "/secure", nil)
		remote.RemoteAddr = "192.0.2.10:4444"
		local := httptest.NewRequest(http.MethodGet, "/secure", nil)
		local.RemoteAddr = "127.0.0.1:4444"

		req := require.New(t)
		req.Equal(http.StatusUnauthorized, do(server, remote).Code)
		req.Equal(http.StatusOK, do(server, local).Code)
	})

	t.Run("logout removes the session", func(t *testing.T) {
		server := newTestServer(t)

		login := httptest.NewRequest(http.MethodGet, "/session/check_login", nil)
		login.SetBasicAuth("admin", "secret")
		result := do(server, login)
		require.Equal(t, http.StatusOK, result.Code)
		cookie := sessionCookie(t, result)

		logout := httptest.NewRequest(http.MethodGet, "/session/logout", nil)
		logout.AddCookie(&http.Cookie{Name: SessionCookieName, Value: cookie.Value})
		require.Equal(t, http.StatusOK, do(server, logout).Code)

		stale := httptest.NewRequest(http.MethodGet, "/session/check_login", nil)
		stale.AddCookie(&http.Cookie{Name: SessionCookieName, Value: cookie.Value})
		require.Equal(t, http.StatusUnauthorized, do(server, stale).Code)
	})

	t.Run("check_setup_ok is reachable pre-login", func(t *testing.T) {
		server := newTestServer(t)

		result := do(server, httptest.NewRequest(http.MethodGet, "/session/check_setup_ok", nil))

		req := require.New(t)
		req.Equal(http.StatusOK, result.Code)
		req.JSONEq(`{"setup_ok": true}`, result.Body.String())
	})
}

func sessionCookie(t *testing.T, result *httptest.ResponseRecorder) *http.Cookie {
	for _, cookie := range result.Result().Cookies() {
		if cookie.Name == SessionCookieName {
			return cookie
		}
	}
	t.Fatal("no session cookie in response")
	return nil
}

func Test_PostDispatch(t *testing.T) {

	t.Run("a post endpoint receives the decoded variables and writes the response", func(t *testing.T) {
		server := newTestServer(t)
		server.Registry().RegisterUnauthenticated(NewPostEndpoint("/submit", func(stream io.Writer, uri string, vars *Variables) (int, error) {
			a, err := vars.String("a")
			if err != nil {
				return 0, err
			}
			b, err := vars.Int("b")
			if err != nil {
				return 0, err
			}
			_, _ = fmt.Fprintf(stream, "a=%s b=%d", a, b)
			return http.StatusOK, nil
		}, nil))

		request := httptest.NewRequest(http.MethodPost, "/submit", strings.NewReader("a=one&b=2"))
		request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		result := do(server, request)

		req := require.New(t)
		req.Equal(http.StatusOK, result.Code)
		req.Equal("a=one b=2", result.Body.String())
	})

	t.Run("chunked body delivery matches single delivery through the transport contract", func(t *testing.T) {
		server := newTestServer(t)
		server.Registry().RegisterUnauthenticated(NewPostEndpoint("/submit", func(stream io.Writer, uri string, vars *Variables) (int, error) {
			a, _ := vars.String("a")
			b, _ := vars.String("b")
			_, _ = fmt.Fprintf(stream, "%s|%s", a, b)
			return http.StatusOK, nil
		}, nil))

		header := http.Header{}
		header.Set("Content-Type", "application/x-www-form-urlencoded")

		chunked := server.OnRequest(http.MethodPost, "/submit", header, "192.0.2.1:1")
		require.NoError(t, server.OnBodyChunk(chunked, []byte("a=1")))
		require.NoError(t, server.OnBodyChunk(chunked, []byte("&b=2")))
		require.NoError(t, server.OnBodyComplete(chunked))
		server.OnConnectionClosed(chunked)

		single := server.OnRequest(http.MethodPost, "/submit", header, "192.0.2.1:2")
		require.NoError(t, server.OnBodyChunk(single, []byte("a=1&b=2")))
		require.NoError(t, server.OnBodyComplete(single))
		server.OnConnectionClosed(single)

		req := require.New(t)
		req.Equal(http.StatusOK, chunked.Status())
		req.Equal(single.body.String(), chunked.body.String())
		req.Equal("1|2", chunked.body.String())
	})

	t.Run("raw chunks reach the handler sink unmodified", func(t *testing.T) {
		server := newTestServer(t)
		sink := &chunkSink{}
		server.Registry().RegisterUnauthenticated(sink)

		request := httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader("payload-bytes"))
		request.Header.Set("Content-Type", "application/octet-stream")
		result := do(server, request)

		req := require.New(t)
		req.Equal(http.StatusOK, result.Code)
		req.Equal("payload-bytes", sink.received.String())
	})

	t.Run("a malformed body aborts with a 400", func(t *testing.T) {
		server := newTestServer(t)
		server.Registry().RegisterUnauthenticated(NewPostEndpoint("/submit", func(io.Writer, string, *Variables) (int, error) {
			return http.StatusOK, nil
		}, nil))

		request := httptest.NewRequest(http.MethodPost, "/submit", strings.NewReader("bad=%zz&x=1"))
		request.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		require.Equal(t, http.StatusBadRequest, do(server, request).Code)
	})

	t.Run("a connection abort never invokes finalize", func(t *testing.T) {
		server := newTestServer(t)
		finalized := 0
		server.Registry().RegisterUnauthenticated(NewPostEndpoint("/submit", func(io.Writer, string, *Variables) (int, error) {
			finalized++
			return http.StatusOK, nil
		}, nil))

		header := http.Header{}
		header.Set("Content-Type", "application/x-www-form-urlencoded")
		c := server.OnRequest(http.MethodPost, "/submit", header, "192.0.2.1:3")
		require.NoError(t, server.OnBodyChunk(c, []byte("a=1")))
		server.OnConnectionClosed(c)

		require.Equal(t, 0, finalized)
	})

	t.Run("a path post endpoint receives the parsed segments", func(t *testing.T) {
		server := newTestServer(t)
		server.Registry().RegisterUnauthenticated(NewPathPostEndpoint(
			func(path []string) bool {
				return len(path) == 3 && path[0] == "devices" && path[2] == "rename"
			},
			func(stream io.Writer, path []string, uri string, vars *Variables) (int, error) {
				name, err := vars.String("name")
				if err != nil {
					return 0, err
				}
				_, _ = fmt.Fprintf(stream, "%s -> %s", path[1], name)
				return http.StatusOK, nil
			}, nil))

		request := httptest.NewRequest(http.MethodPost, "/devices/dev1/rename", strings.NewReader("name=lab"))
		request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		result := do(server, request)

		req := require.New(t)
		req.Equal(http.StatusOK, result.Code)
		req.Equal("dev1 -> lab", result.Body.String())
	})
}

// chunkSink matches /upload and accumulates raw body bytes, checking the dual decode/sink path.
type chunkSink struct {
	received strings.Builder
}

var _ Handler = (*chunkSink)(nil)

func (s *chunkSink) Matches(path, method string) bool {
	return path == "/upload" && method == http.MethodPost
}

func (s *chunkSink) ProduceResponse(*Conn) error { return errWrongPhase }

func (s *chunkSink) ConsumePostChunk(_ *Conn, chunk []byte) error {
	s.received.Write(chunk)
	return nil
}

func (s *chunkSink) FinalizePost(c *Conn) error {
	c.SetStatus(http.StatusOK)
	return nil
}

func Test_Summarization(t *testing.T) {

	newSummarizingServer := func(t *testing.T) *Server {
		server := newTestServer(t)
		server.SetSummarizer(func(obj interface{}, fields []string, renames RenameMap) (interface{}, error) {
			source, ok := obj.(map[string]interface{})
			if !ok {
				return nil, errors.New("unsupported object shape")
			}
			out := map[string]interface{}{}
			for _, field := range fields {
				if value, ok := source[field]; ok {
					out[field] = value
				}
			}
			return out, nil
		})
		server.Registry().RegisterUnauthenticated(NewGeneratedEndpoint("/device", func() (interface{}, error) {
			return map[string]interface{}{"mac": "aa:bb", "signal": -40, "seen": 12}, nil
		}, nil))
		return server
	}

	t.Run("a field spec trims the served object", func(t *testing.T) {
		server := newSummarizingServer(t)

		result := do(server, httptest.NewRequest(http.MethodGet, "/device.json?fields=mac,signal", nil))

		req := require.New(t)
		req.Equal(http.StatusOK, result.Code)
		req.JSONEq(`{"mac": "aa:bb", "signal": -40}`, result.Body.String())
	})

	t.Run("no field spec serves the object unmodified", func(t *testing.T) {
		server := newSummarizingServer(t)

		result := do(server, httptest.NewRequest(http.MethodGet, "/device.json", nil))

		require.JSONEq(t, `{"mac": "aa:bb", "signal": -40, "seen": 12}`, result.Body.String())
	})

	t.Run("a malformed field spec is a 400 and the handler never runs", func(t *testing.T) {
		server := newTestServer(t)
		calls := 0
		server.Registry().RegisterUnauthenticated(NewGeneratedEndpoint("/device", func() (interface{}, error) {
			calls++
			return map[string]bool{}, nil
		}, nil))

		result := do(server, httptest.NewRequest(http.MethodGet, "/device.json?fields=a,,b", nil))

		req := require.New(t)
		req.Equal(http.StatusBadRequest, result.Code)
		req.Equal(0, calls)
	})

	t.Run("a field spec in the post variables drives summarization", func(t *testing.T) {
		server := newSummarizingServer(t)

		request := httptest.NewRequest(http.MethodPost, "/device.json", strings.NewReader("fields=mac"))
		request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		result := do(server, request)

		req := require.New(t)
		req.Equal(http.StatusOK, result.Code)
		req.JSONEq(`{"mac": "aa:bb"}`, result.Body.String())
	})
}

func Test_AliasesAndStatic(t *testing.T) {

	t.Run("aliases rewrite before matching and never chain", func(t *testing.T) {
		server := newTestServer(t)
		server.Registry().RegisterUnauthenticated(NewGeneratedEndpoint("/new", func() (interface{}, error) {
			return map[string]string{"served": "new"}, nil
		}, nil))
		server.Registry().RegisterUnauthenticated(NewGeneratedEndpoint("/newer", func() (interface{}, error) {
			return map[string]string{"served": "newer"}, nil
		}, nil))
		server.Registry().RegisterAlias("/old", "/new")
		server.Registry().RegisterAlias("/new", "/newer")

		result := do(server, httptest.NewRequest(http.MethodGet, "/old", nil))

		req := require.New(t)
		req.Equal(http.StatusOK, result.Code)
		req.JSONEq(`{"served": "new"}`, result.Body.String())
	})

	t.Run("static files serve when no dynamic handler matches", func(t *testing.T) {
		server := newTestServer(t)
		root := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(root, "greeting.txt"), []byte("hello static"), 0644))
		server.Registry().RegisterStaticDir("/assets/", root)

		result := do(server, httptest.NewRequest(http.MethodGet, "/assets/greeting.txt", nil))

		req := require.New(t)
		req.Equal(http.StatusOK, result.Code)
		req.Equal("hello static", result.Body.String())
		req.Equal("text/plain", result.Header().Get("Content-Type"))
	})

	t.Run("dynamic handlers take precedence over static files", func(t *testing.T) {
		server := newTestServer(t)
		root := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(root, "page"), []byte("from disk"), 0644))
		server.Registry().RegisterStaticDir("/assets/", root)
		server.Registry().RegisterUnauthenticated(NewGeneratedEndpoint("/assets/page", func() (interface{}, error) {
			return map[string]string{"from": "handler"}, nil
		}, nil))

		result := do(server, httptest.NewRequest(http.MethodGet, "/assets/page", nil))

		require.JSONEq(t, `{"from": "handler"}`, result.Body.String())
	})

	t.Run("path traversal cannot escape the static root", func(t *testing.T) {
		server := newTestServer(t)
		parent := t.TempDir()
		root := filepath.Join(parent, "www")
		require.NoError(t, os.Mkdir(root, 0755))
		require.NoError(t, os.WriteFile(filepath.Join(parent, "outside.txt"), []byte("secret"), 0644))
		server.Registry().RegisterStaticDir("/assets/", root)

		result := do(server, httptest.NewRequest(http.MethodGet, "/assets/../outside.txt", nil))

		require.Equal(t, http.StatusNotFound, result.Code)
	})

	t.Run("directories serve their index.html", func(t *testing.T) {
		server := newTestServer(t)
		root := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(root, "index.html"), []byte("<html></html>"), 0644))
		server.Registry().RegisterStaticDir("/assets/", root)

		result := do(server, httptest.NewRequest(http.MethodGet, "/assets/", nil))

		req := require.New(t)
		req.Equal(http.StatusOK, result.Code)
		req.Equal("text/html", result.Header().Get("Content-Type"))
		req.Equal("<html></html>", result.Body.String())
	})
}
