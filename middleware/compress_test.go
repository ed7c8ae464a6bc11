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

package middleware

import (
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/require"
)

func echoHandler(body string) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
		writer.Header().Set("Content-Type", "text/plain")
		_, _ = writer.Write([]byte(body))
	})
}

func Test_CompressionHandler(t *testing.T) {

	t.Run("no accept-encoding passes through uncompressed", func(t *testing.T) {
		handler := NewCompressionHandler(echoHandler("plain body"))
		recorder := httptest.NewRecorder()

		handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/", nil))

		req := require.New(t)
		req.Empty(recorder.Header().Get("Content-Encoding"))
		req.Equal("plain body", recorder.Body.String())
	})

	t.Run("gzip is negotiated and decodes to the original body", func(t *testing.T) {
		handler := NewCompressionHandler(echoHandler("gzip body"))
		recorder := httptest.NewRecorder()
		request := httptest.NewRequest(http.MethodGet, "/", nil)
		request.Header.Set("Accept-Encoding", "gzip")

		handler.ServeHTTP(recorder, request)

		req := require.New(t)
		req.Equal("gzip", recorder.Header().Get("Content-Encoding"))

		reader, err := gzip.NewReader(recorder.Body)
		req.NoError(err)
		decoded, err := io.ReadAll(reader)
		req.NoError(err)
		req.Equal("gzip body", string(decoded))
	})

	t.Run("brotli is preferred over gzip", func(t *testing.T) {
		handler := NewCompressionHandler(echoHandler("brotli body"))
		recorder := httptest.NewRecorder()
		request := httptest.NewRequest(http.MethodGet, "/", nil)
		request.Header.Set("Accept-Encoding", "gzip, br")

		handler.ServeHTTP(recorder, request)

		req := require.New(t)
		req.Equal("br", recorder.Header().Get("Content-Encoding"))

		decoded, err := io.ReadAll(brotli.NewReader(recorder.Body))
		req.NoError(err)
		req.Equal("brotli body", string(decoded))
	})

	t.Run("already-encoded responses pass through untouched", func(t *testing.T) {
		inner := http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
			writer.Header().Set("Content-Encoding", "identity")
			writer.WriteHeader(http.StatusOK)
			_, _ = writer.Write([]byte("raw"))
		})
		handler := NewCompressionHandler(inner)
		recorder := httptest.NewRecorder()
		request := httptest.NewRequest(http.MethodGet, "/", nil)
		request.Header.Set("Accept-Encoding", "gzip")

		handler.ServeHTTP(recorder, request)

		req := require.New(t)
		req.Equal("identity", recorder.Header().Get("Content-Encoding"))
		req.Equal("raw", recorder.Body.String())
	})
}
