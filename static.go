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
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/michaelquigley/pfxlog"
)

var defaultMimeTypes = map[string]string{
	"html": "text/html",
	"htm":  "text/html",
	"css":  "text/css",
	"js":   "application/javascript",
	"json": "application/json",
	"xml":  "text/xml",
	"txt":  "text/plain",
	"ico":  "image/x-icon",
	"png":  "image/png",
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"gif":  "image/gif",
	"svg":  "image/svg+xml",
	"pcap": "application/vnd.tcpdump.pcap",
}

// suffixOf returns the file suffix of a path, without the dot; empty when there is none.
func suffixOf(path string) string {
	base := path
	if i := strings.LastIndexByte(base, '/'); i >= 0 {
		base = base[i+1:]
	}
	if i := strings.LastIndexByte(base, '.'); i >= 0 {
		return base[i+1:]
	}
	return ""
}

// stripSuffix removes a trailing file suffix from a path. The suffix selects the serialization format
// but never participates in handler matching, so /status.json matches a handler for /status.
func stripSuffix(path string) string {
	base := path
	slash := strings.LastIndexByte(base, '/')
	if i := strings.LastIndexByte(base, '.'); i > slash {
		return base[:i]
	}
	return path
}

// splitPath splits a URL path on '/', dropping empty segments.
func splitPath(path string) []string {
	var segments []string
	for _, segment := range strings.Split(path, "/") {
		if segment != "" {
			segments = append(segments, segment)
		}
	}
	return segments
}

// serveStatic attempts to serve the request from a registered static directory. Dynamic handlers have
// already declined by the time this runs; static serving is the last resort before 404. Files are
// streamed via the pull callback so large content is never fully buffered.
func (s *Server) serveStatic(c *Conn) bool {
	for _, dir := range s.registry.StaticDirs() {
		if !strings.HasPrefix(c.path, dir.Prefix) {
			continue
		}

		rel := strings.TrimPrefix(c.path, dir.Prefix)
		// Clean against a rooted path so ".." can never escape the directory root
		fsPath := filepath.Join(dir.Root, filepath.Clean("/"+rel))

		info, err := os.Stat(fsPath)
		if err != nil {
			continue
		}
		if info.IsDir() {
			fsPath = filepath.Join(fsPath, "index.html")
			if _, err := os.Stat(fsPath); err != nil {
				continue
			}
		}

		f, err := os.Open(fsPath)
		if err != nil {
			pfxlog.Logger().Debugf("unable to open static file %s: %v", fsPath, err)
			continue
		}

		c.mimeURL = fsPath
		c.respHeader.Set("Content-Type", s.registry.MimeType(suffixOf(fsPath)))
		c.SetBodyStream(f)
		c.SetStatus(http.StatusOK)
		return true
	}

	return false
}
