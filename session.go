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
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/michaelquigley/pfxlog"
	"github.com/pkg/errors"
)

// SessionCookieName is the fixed cookie name carrying the session token.
const SessionCookieName = "WEBSRV_SESSION"

// Session represents an authenticated client. Validity is a sliding window: a session is valid iff
// now <= LastSeen + Lifetime, re-evaluated on every lookup rather than cached.
type Session struct {
	Token    string
	Created  time.Time
	LastSeen time.Time
	Lifetime time.Duration
}

// Valid reports whether the session is fresh at the given instant.
func (s *Session) Valid(now time.Time) bool {
	return !now.After(s.LastSeen.Add(s.Lifetime))
}

// sessionRecord is the on-disk form of a Session.
type sessionRecord struct {
	Token           string `json:"token"`
	Created         int64  `json:"created"`
	LastSeen        int64  `json:"last_seen"`
	LifetimeSeconds int64  `json:"lifetime"`
}

// SessionStore creates, looks up, expires, and optionally persists sessions keyed by opaque random
// tokens. All mutation is serialized by a single lock scoped to the store.
//
// Persistence is best-effort: the table is written whole on a periodic cadence and at Close, and read
// once at startup via Load. Flush failures are logged, never fatal.
type SessionStore struct {
	lock     sync.Mutex
	sessions map[string]*Session

	path     string
	interval time.Duration
	done     chan struct{}
	stopOnce sync.Once

	// test seam for expiry behavior
	now func() time.Time
}

// NewSessionStore creates a store. path may be empty to disable persistence; flushInterval controls the
// periodic write cadence once Run is called.
func NewSessionStore(path string, flushInterval time.Duration) *SessionStore {
	return &SessionStore{
		sessions: map[string]*Session{},
		path:     path,
		interval: flushInterval,
		done:     make(chan struct{}),
		now:      time.Now,
	}
}

// Create mints a session with a cryptographically random token distinct from all live tokens and
// inserts it into the table. If persistence is enabled a durable write is scheduled.
func (store *SessionStore) Create(lifetime time.Duration) (*Session, error) {
	store.lock.Lock()

	var token string
	for {
		buf := make([]byte, 16)
		if _, err := rand.Read(buf); err != nil {
			store.lock.Unlock()
			return nil, errors.Wrap(err, "unable to generate session token")
		}
		token = hex.EncodeToString(buf)
		if _, exists := store.sessions[token]; !exists {
			break
		}
	}

	now := store.now()
	session := &Session{
		Token:    token,
		Created:  now,
		LastSeen: now,
		Lifetime: lifetime,
	}
	store.sessions[token] = session
	store.lock.Unlock()

	if store.path != "" {
		go func() {
			if err := store.Flush(); err != nil {
				pfxlog.Logger().Errorf("error persisting session table: %v", err)
			}
		}()
	}

	return copySession(session), nil
}

// Find looks up a session by token. Expired sessions are removed on first lookup and reported as
// absent. A found session has its last-seen refreshed; the caller receives a copy.
func (store *SessionStore) Find(token string) (*Session, bool) {
	store.lock.Lock()
	defer store.lock.Unlock()

	session, ok := store.sessions[token]
	if !ok {
		return nil, false
	}

	now := store.now()
	if !session.Valid(now) {
		delete(store.sessions, token)
		return nil, false
	}

	session.LastSeen = now
	return copySession(session), true
}

// Remove deletes the session if present; idempotent.
func (store *SessionStore) Remove(token string) {
	store.lock.Lock()
	defer store.lock.Unlock()

	delete(store.sessions, token)
}

// Flush serializes all non-expired sessions to the session db file. No-op when persistence is disabled.
func (store *SessionStore) Flush() error {
	if store.path == "" {
		return nil
	}

	store.lock.Lock()
	now := store.now()
	var records []sessionRecord
	for _, session := range store.sessions {
		if !session.Valid(now) {
			continue
		}
		records = append(records, sessionRecord{
			Token:           session.Token,
			Created:         session.Created.Unix(),
			LastSeen:        session.LastSeen.Unix(),
			LifetimeSeconds: int64(session.Lifetime / time.Second),
		})
	}
	store.lock.Unlock()

	data, err := json.Marshal(records)
	if err != nil {
		return errors.Wrap(err, "unable to serialize session table")
	}

	tmp := store.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return errors.Wrapf(err, "unable to write session db [%s]", tmp)
	}

	if err := os.Rename(tmp, store.path); err != nil {
		return errors.Wrapf(err, "unable to replace session db [%s]", store.path)
	}

	return nil
}

// Load repopulates the table from the session db file, discarding expired entries. A missing file is
// not an error; restarts before the first flush are normal.
func (store *SessionStore) Load() error {
	if store.path == "" {
		return nil
	}

	data, err := os.ReadFile(store.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "unable to read session db [%s]", store.path)
	}

	var records []sessionRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return errors.Wrapf(err, "unable to parse session db [%s]", store.path)
	}

	store.lock.Lock()
	defer store.lock.Unlock()

	now := store.now()
	loaded := 0
	for _, record := range records {
		session := &Session{
			Token:    record.Token,
			Created:  time.Unix(record.Created, 0),
			LastSeen: time.Unix(record.LastSeen, 0),
			Lifetime: time.Duration(record.LifetimeSeconds) * time.Second,
		}
		if !session.Valid(now) {
			continue
		}
		store.sessions[session.Token] = session
		loaded++
	}

	pfxlog.Logger().Debugf("loaded %d session(s) from %s", loaded, store.path)
	return nil
}

// Run starts the periodic flusher. It returns immediately; call Close to stop it and write a final
// snapshot.
func (store *SessionStore) Run() {
	if store.path == "" || store.interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(store.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := store.Flush(); err != nil {
					pfxlog.Logger().Errorf("error persisting session table: %v", err)
				}
			case <-store.done:
				return
			}
		}
	}()
}

// Close stops the periodic flusher and writes a final snapshot.
func (store *SessionStore) Close() {
	store.stopOnce.Do(func() {
		close(store.done)
	})

	if err := store.Flush(); err != nil {
		pfxlog.Logger().Errorf("error persisting session table at shutdown: %v", err)
	}
}

func copySession(session *Session) *Session {
	dup := *session
	return &dup
}
