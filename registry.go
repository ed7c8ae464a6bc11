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
	"sync"

	"github.com/sirupsen/logrus"
)

// StaticDir maps a URL prefix to a filesystem root for direct file serving.
type StaticDir struct {
	Prefix string
	Root   string
}

// HandlerRegistry holds the ordered handler lists and the path rewrite tables consulted during dispatch.
//
// Handlers registered via Register require a valid login; RegisterUnauthenticated is the explicit opt-in
// for the narrow set of paths that must be reachable pre-login. Registration order defines match priority
// (first match wins), so more specific handlers should be registered before generic fallbacks.
//
// All tables are guarded by a single lock. Dispatch takes it too; registration is rare and the tables are
// small, so the contention is acceptable and keeps a slow handler from ever blocking registration traffic
// (handlers run outside the lock).
type HandlerRegistry struct {
	lock sync.Mutex

	authHandlers   []Handler
	unauthHandlers []Handler

	aliases    map[string]string
	staticDirs []StaticDir
	mimeTypes  map[string]string
}

func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		aliases:   map[string]string{},
		mimeTypes: map[string]string{},
	}
}

// Register appends a handler to the authenticated list.
func (registry *HandlerRegistry) Register(handler Handler) {
	logrus.Debugf("registering handler of type %T", handler)

	registry.lock.Lock()
	defer registry.lock.Unlock()

	registry.authHandlers = append(registry.authHandlers, handler)
}

// RegisterUnauthenticated appends a handler to the unauthenticated list. Use of this should be very
// limited: login-form rendering and similar pre-login surfaces only.
func (registry *HandlerRegistry) RegisterUnauthenticated(handler Handler) {
	logrus.Debugf("registering unauthenticated handler of type %T", handler)

	registry.lock.Lock()
	defer registry.lock.Unlock()

	registry.unauthHandlers = append(registry.unauthHandlers, handler)
}

// Unregister removes a handler by identity from whichever list holds it. No-op if absent.
func (registry *HandlerRegistry) Unregister(handler Handler) {
	registry.lock.Lock()
	defer registry.lock.Unlock()

	registry.authHandlers = removeHandler(registry.authHandlers, handler)
	registry.unauthHandlers = removeHandler(registry.unauthHandlers, handler)
}

func removeHandler(handlers []Handler, target Handler) []Handler {
	for i, h := range handlers {
		if h == target {
			return append(handlers[:i], handlers[i+1:]...)
		}
	}
	return handlers
}

// Match returns the first handler accepting path/method, scanning the unauthenticated list before the
// authenticated list. authRequired reports which list produced the match.
func (registry *HandlerRegistry) Match(path, method string) (handler Handler, authRequired bool, found bool) {
	registry.lock.Lock()
	defer registry.lock.Unlock()

	for _, h := range registry.unauthHandlers {
		if h.Matches(path, method) {
			return h, false, true
		}
	}

	for _, h := range registry.authHandlers {
		if h.Matches(path, method) {
			return h, true, true
		}
	}

	return nil, false, false
}

// RegisterAlias installs an exact path rewrite applied before handler matching.
func (registry *HandlerRegistry) RegisterAlias(alias, dest string) {
	registry.lock.Lock()
	defer registry.lock.Unlock()

	registry.aliases[alias] = dest
}

// RemoveAlias deletes an alias; idempotent.
func (registry *HandlerRegistry) RemoveAlias(alias string) {
	registry.lock.Lock()
	defer registry.lock.Unlock()

	delete(registry.aliases, alias)
}

// ResolveAlias applies at most one rewrite; chained aliases are deliberately not followed.
func (registry *HandlerRegistry) ResolveAlias(path string) string {
	registry.lock.Lock()
	defer registry.lock.Unlock()

	if dest, ok := registry.aliases[path]; ok {
		return dest
	}
	return path
}

// RegisterStaticDir maps a URL prefix to a filesystem root. Static directories are consulted only after
// no dynamic handler matches; earlier registrations win on overlapping prefixes.
func (registry *HandlerRegistry) RegisterStaticDir(prefix, root string) {
	logrus.Debugf("registering static dir %s -> %s", prefix, root)

	registry.lock.Lock()
	defer registry.lock.Unlock()

	registry.staticDirs = append(registry.staticDirs, StaticDir{Prefix: prefix, Root: root})
}

// StaticDirs returns a snapshot of the registered static directories in registration order.
func (registry *HandlerRegistry) StaticDirs() []StaticDir {
	registry.lock.Lock()
	defer registry.lock.Unlock()

	dirs := make([]StaticDir, len(registry.staticDirs))
	copy(dirs, registry.staticDirs)
	return dirs
}

// RegisterMimeType maps a file suffix (without the dot) to a MIME type, overriding the built-in table.
func (registry *HandlerRegistry) RegisterMimeType(suffix, mimeType string) {
	registry.lock.Lock()
	defer registry.lock.Unlock()

	registry.mimeTypes[suffix] = mimeType
}

// MimeType resolves a file suffix to a MIME type, falling back to the built-in table and finally to
// application/octet-stream for unknown suffixes.
func (registry *HandlerRegistry) MimeType(suffix string) string {
	registry.lock.Lock()
	defer registry.lock.Unlock()

	if mimeType, ok := registry.mimeTypes[suffix]; ok {
		return mimeType
	}
	if mimeType, ok := defaultMimeTypes[suffix]; ok {
		return mimeType
	}
	return "application/octet-stream"
}
