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

// Package middleware provides http.Handler wrappers applied outside the dispatch core.
package middleware

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
)

const (
	encodingBrotli = "br"
	encodingGzip   = "gzip"
)

// NewCompressionHandler wraps next with response compression negotiated from the Accept-Encoding
// header. Brotli is preferred, gzip is the fallback; responses that already carry a Content-Encoding
// pass through untouched.
func NewCompressionHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		encoding := selectEncoding(request.Header.Get("Accept-Encoding"))
		if encoding == "" {
			next.ServeHTTP(writer, request)
			return
		}

		cw := &compressedWriter{ResponseWriter: writer, encoding: encoding}
		defer func() { _ = cw.Close() }()

		next.ServeHTTP(cw, request)
	})
}

func selectEncoding(acceptEncoding string) string {
	supportsGzip := false
	for _, part := range strings.Split(acceptEncoding, ",") {
		name := strings.TrimSpace(part)
		if i := strings.IndexByte(name, ';'); i >= 0 {
			name = strings.TrimSpace(name[:i])
		}
		switch name {
		case encodingBrotli:
			return encodingBrotli
		case encodingGzip:
			supportsGzip = true
		}
	}
	if supportsGzip {
		return encodingGzip
	}
	return ""
}

type compressedWriter struct {
	http.ResponseWriter
	encoding    string
	compressor  io.WriteCloser
	wroteHeader bool
	passthrough bool
}

func (w *compressedWriter) WriteHeader(status int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true

	// leave already-encoded responses alone
	if w.Header().Get("Content-Encoding") != "" {
		w.passthrough = true
		w.ResponseWriter.WriteHeader(status)
		return
	}

	w.Header().Set("Content-Encoding", w.encoding)
	w.Header().Del("Content-Length")
	w.Header().Add("Vary", "Accept-Encoding")
	w.ResponseWriter.WriteHeader(status)

	if w.encoding == encodingBrotli {
		w.compressor = brotli.NewWriter(w.ResponseWriter)
	} else {
		w.compressor = gzip.NewWriter(w.ResponseWriter)
	}
}

func (w *compressedWriter) Write(p []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	if w.passthrough {
		return w.ResponseWriter.Write(p)
	}
	return w.compressor.Write(p)
}

func (w *compressedWriter) Close() error {
	if w.compressor != nil {
		return w.compressor.Close()
	}
	return nil
}
