// Copyright 2026 the mailvault authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package state persists per-account synchronization state: the last
// acknowledged change token, the manifest of archived objects, and
// units carried over from a failed pass.  Commit is atomic as
// observed through Load; a crashed pass is invisible to the next one.
package state

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/mailvault/mailvault/internal/message"
)

var (
	createTableSql = []string{
		// The sync_state table holds one row per account.
		//
		// Field: state_token
		//
		//   The last change-feed token acknowledged by a committed
		//   pass.  Opaque and remote-issued; it only ever advances
		//   to a value the remote returned for a request made with
		//   the immediately preceding token.  Empty until the first
		//   commit.
		//
		// Field: manifest_version
		//
		//   Monotonically increasing commit counter.  Each commit
		//   checks it against the version the pass loaded, which
		//   turns a lost-update race into a hard error instead of
		//   silent corruption.
		`
CREATE TABLE IF NOT EXISTS sync_state (
account TEXT NOT NULL PRIMARY KEY,
state_token TEXT NOT NULL,
manifest_version INTEGER NOT NULL,
last_committed_at INTEGER NOT NULL
);`,
		// The manifest table is the ground truth of what has been
		// archived.  Rows are insert-only: a row's content_key is
		// never altered or removed, even when the remote destroys
		// the message.  Several remote_ids may share a content_key
		// when identical content was observed more than once.
		`
CREATE TABLE IF NOT EXISTS manifest (
account TEXT NOT NULL,
remote_id TEXT NOT NULL,
content_key TEXT NOT NULL,
size INTEGER NOT NULL,
archived_at INTEGER NOT NULL,
PRIMARY KEY (account, remote_id)
);`,
		// The pending_units table carries objects whose fetch or
		// write failed in a committed pass.  The next pass retries
		// them without re-fetching their change records.  attempts
		// is cumulative across passes.
		`
CREATE TABLE IF NOT EXISTS pending_units (
account TEXT NOT NULL,
remote_id TEXT NOT NULL,
change_kind TEXT NOT NULL,
attempts INTEGER NOT NULL,
PRIMARY KEY (account, remote_id)
);`,
	}
)

// ErrCorrupt reports a commit-layer invariant violation: a manifest
// rewrite or a version mismatch.  It is fatal; the store refuses the
// commit and the prior state remains intact.
var ErrCorrupt = errors.New("state: store invariant violated")

// IsCorrupt reports whether err is, or wraps, ErrCorrupt.
func IsCorrupt(err error) bool {
	return errors.Is(err, ErrCorrupt)
}

// ManifestEntry records one archived mail object.
type ManifestEntry struct {
	RemoteID   string
	ContentKey string
	Size       int64
	ArchivedAt time.Time
}

// PendingUnit is a fetch+write task carried over from an earlier
// pass after its attempts failed.
type PendingUnit struct {
	RemoteID string
	Kind     message.ChangeKind
	Attempts int
}

// SyncState is the per-account record Load returns and Commit
// advances.  Manifest is keyed by remote ID.
type SyncState struct {
	Token           string
	ManifestVersion int64
	LastCommittedAt time.Time
	Manifest        map[string]ManifestEntry
	Pending         []PendingUnit
}

// HasArchived reports whether remoteID is already in the manifest.
func (s *SyncState) HasArchived(remoteID string) bool {
	_, ok := s.Manifest[remoteID]
	return ok
}

type Store struct {
	db *sql.DB
}

func dsnFromPath(path string, addValues url.Values) (string, error) {
	var u *url.URL
	if !strings.HasPrefix(path, "file:") {
		u = &url.URL{Scheme: "file", Path: path}
	} else {
		var err error
		u, err = url.Parse(path)
		if err != nil {
			return "", err
		}
	}
	values := u.Query()
	for k, v := range addValues {
		for _, item := range v {
			values.Add(k, item)
		}
	}
	u.RawQuery = values.Encode()
	return u.String(), nil
}

func Open(ctx context.Context, path string) (*Store, error) {
	// The _busy_timeout is a SQLite extension that controls how
	// long SQLite will poll before giving up.  The default of 5
	// seconds is too short in practice, especially in slower
	// debug builds; go with 5 minutes.
	var busyTimeout = int(5*time.Minute) / int(time.Millisecond)

	dsn, err := dsnFromPath(path, url.Values{
		"_busy_timeout": {fmt.Sprintf("%d", busyTimeout)}})
	if err != nil {
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not form a DB DSN from "+
				"the given path",
			path)
	}
	log.Printf("opening state store at %q\n", dsn)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not open database at %q",
			path, dsn)
	}

	if err = initSchema(ctx, db); err != nil {
		db.Close()
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not initialize the "+
				"database schema", path)
	}

	return &Store{db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func initSchema(ctx context.Context, db *sql.DB) error {
	for _, sql := range createTableSql {
		if _, err := db.ExecContext(ctx, sql); err != nil {
			return errors.Wrapf(err, "while executing %q", sql)
		}
	}
	return nil
}

// Load returns the persisted state for account.  A never-synced
// account yields an empty state, not an error.
func (s *Store) Load(ctx context.Context, account string) (*SyncState, error) {
	st := &SyncState{Manifest: make(map[string]ManifestEntry)}

	row := s.db.QueryRowContext(ctx, `
SELECT state_token, manifest_version, last_committed_at
FROM sync_state WHERE account = $1`, account)
	var committedAt int64
	err := row.Scan(&st.Token, &st.ManifestVersion, &committedAt)
	if err == sql.ErrNoRows {
		return st, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "unable to load sync state for %q", account)
	}
	st.LastCommittedAt = time.Unix(committedAt, 0).UTC()

	rows, err := s.db.QueryContext(ctx, `
SELECT remote_id, content_key, size, archived_at
FROM manifest WHERE account = $1`, account)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to load manifest for %q", account)
	}
	defer rows.Close()
	for rows.Next() {
		var e ManifestEntry
		var archivedAt int64
		if err := rows.Scan(&e.RemoteID, &e.ContentKey, &e.Size, &archivedAt); err != nil {
			return nil, errors.Wrap(err, "db scan failed for manifest entry")
		}
		e.ArchivedAt = time.Unix(archivedAt, 0).UTC()
		st.Manifest[e.RemoteID] = e
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "unable to load manifest for %q", account)
	}

	prows, err := s.db.QueryContext(ctx, `
SELECT remote_id, change_kind, attempts
FROM pending_units WHERE account = $1 ORDER BY remote_id`, account)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to load pending units for %q", account)
	}
	defer prows.Close()
	for prows.Next() {
		var u PendingUnit
		var kind string
		if err := prows.Scan(&u.RemoteID, &kind, &u.Attempts); err != nil {
			return nil, errors.Wrap(err, "db scan failed for pending unit")
		}
		u.Kind = message.ParseChangeKind(kind)
		st.Pending = append(st.Pending, u)
	}
	if err := prows.Err(); err != nil {
		return nil, errors.Wrapf(err, "unable to load pending units for %q", account)
	}

	return st, nil
}

// Commit atomically advances account's state: the token moves to
// newToken, entries are appended to the manifest, and the pending set
// is replaced.  prev must be the state this pass loaded; a version
// mismatch or an entry that would rewrite an existing content key
// fails the whole commit with ErrCorrupt.  On success the returned
// state reflects the commit.
func (s *Store) Commit(ctx context.Context, account string, prev *SyncState,
	newToken string, entries []ManifestEntry, pending []PendingUnit) (*SyncState, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin transaction failed")
	}
	defer tx.Rollback()

	var stored int64
	row := tx.QueryRowContext(ctx,
		`SELECT manifest_version FROM sync_state WHERE account = $1`, account)
	if err := row.Scan(&stored); err != nil && err != sql.ErrNoRows {
		return nil, errors.Wrap(err, "unable to read manifest version")
	}
	if stored != prev.ManifestVersion {
		return nil, errors.Wrapf(ErrCorrupt,
			"manifest version moved from %d to %d under account %q; "+
				"is another pass running?",
			prev.ManifestVersion, stored, account)
	}

	insert, err := tx.PrepareContext(ctx, `
INSERT INTO manifest (account, remote_id, content_key, size, archived_at)
VALUES ($1, $2, $3, $4, $5)`)
	if err != nil {
		return nil, errors.Wrap(err, "db prepare statement failed for manifest insert")
	}
	defer insert.Close()

	now := time.Now().UTC()
	next := &SyncState{
		Token:           newToken,
		ManifestVersion: prev.ManifestVersion + 1,
		LastCommittedAt: now,
		Manifest:        make(map[string]ManifestEntry, len(prev.Manifest)+len(entries)),
		Pending:         pending,
	}
	for id, e := range prev.Manifest {
		next.Manifest[id] = e
	}

	for _, e := range entries {
		var existing string
		row := tx.QueryRowContext(ctx, `
SELECT content_key FROM manifest WHERE account = $1 AND remote_id = $2`,
			account, e.RemoteID)
		err := row.Scan(&existing)
		switch {
		case err == sql.ErrNoRows:
			if _, err := insert.ExecContext(ctx, account, e.RemoteID,
				e.ContentKey, e.Size, e.ArchivedAt.Unix()); err != nil {
				return nil, errors.Wrapf(err, "db insert failed for %q", e.RemoteID)
			}
		case err != nil:
			return nil, errors.Wrapf(err, "unable to check manifest for %q", e.RemoteID)
		case existing != e.ContentKey:
			return nil, errors.Wrapf(ErrCorrupt,
				"refusing to rewrite content key for %q (have %s, got %s)",
				e.RemoteID, existing, e.ContentKey)
		}
		next.Manifest[e.RemoteID] = e
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM pending_units WHERE account = $1`, account); err != nil {
		return nil, errors.Wrap(err, "unable to clear pending units")
	}
	for _, u := range pending {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO pending_units (account, remote_id, change_kind, attempts)
VALUES ($1, $2, $3, $4)`,
			account, u.RemoteID, u.Kind.String(), u.Attempts); err != nil {
			return nil, errors.Wrapf(err, "unable to record pending unit %q", u.RemoteID)
		}
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO sync_state (account, state_token, manifest_version, last_committed_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (account)
DO UPDATE SET (state_token, manifest_version, last_committed_at) = ($2, $3, $4)`,
		account, newToken, next.ManifestVersion, now.Unix()); err != nil {
		return nil, errors.Wrap(err, "unable to advance sync state")
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit failed")
	}
	return next, nil
}
