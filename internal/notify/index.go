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

package notify

import (
	"bytes"
	"context"
	"database/sql"
	"log"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/pkg/errors"

	"github.com/mailvault/mailvault/internal/objstore"
)

// Index is a Notifier that maintains a searchable header index over
// the archive.  For each notification it reads the object back out of
// the store, extracts a few RFC 5322 headers, and upserts a row keyed
// by content address.  It is a pure consumer: it never writes to the
// archive and its failures never reach the sync engine.
type Index struct {
	db    *sql.DB
	store objstore.Store
}

const indexSchema = `
CREATE TABLE IF NOT EXISTS email_index (
content_key TEXT NOT NULL PRIMARY KEY,
remote_id TEXT NOT NULL,
message_id TEXT,
subject TEXT,
sender TEXT,
sent_at INTEGER,
archived_at INTEGER NOT NULL
);`

// OpenIndex opens (or creates) the header index database at path.
// Archived bytes are read back through store.
func OpenIndex(ctx context.Context, path string, store objstore.Store) (*Index, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not open index database at %q", path)
	}
	if _, err := db.ExecContext(ctx, indexSchema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "could not initialize index schema")
	}
	return &Index{db: db, store: store}, nil
}

func (ix *Index) Close() error {
	return ix.db.Close()
}

// doc is what headerFields extracts from one message.
type doc struct {
	messageID string
	subject   string
	sender    string
	sentAt    time.Time
}

// headerFields parses just the header section of raw.  Messages with
// malformed headers still index whatever parsed; an unreadable header
// indexes an empty document rather than failing the batch.
func headerFields(raw []byte) doc {
	var d doc
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && mr == nil {
		return d
	}
	h := mr.Header
	d.messageID, _ = h.MessageID()
	d.subject, _ = h.Subject()
	if addrs, err := h.AddressList("From"); err == nil && len(addrs) > 0 {
		parts := make([]string, len(addrs))
		for i, a := range addrs {
			parts[i] = a.Address
		}
		d.sender = strings.Join(parts, ", ")
	}
	d.sentAt, _ = h.Date()
	return d
}

func (ix *Index) Notify(ctx context.Context, batch []Notification) error {
	stmt, err := ix.db.PrepareContext(ctx, `
INSERT INTO email_index
(content_key, remote_id, message_id, subject, sender, sent_at, archived_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (content_key)
DO UPDATE SET (remote_id, archived_at) = ($2, $7)`)
	if err != nil {
		return errors.Wrap(err, "db prepare statement failed for index upsert")
	}
	defer stmt.Close()

	for _, n := range batch {
		raw, err := ix.store.Get(ctx, n.ContentKey)
		if err != nil {
			// Keep indexing the rest of the batch.
			log.Printf("index: unable to read %s: %v", n.ContentKey, err)
			continue
		}
		d := headerFields(raw)
		var sentAt int64
		if !d.sentAt.IsZero() {
			sentAt = d.sentAt.Unix()
		}
		if _, err := stmt.ExecContext(ctx, n.ContentKey, n.RemoteID,
			d.messageID, d.subject, d.sender, sentAt, n.ArchivedAt.Unix()); err != nil {
			return errors.Wrapf(err, "unable to index %s", n.ContentKey)
		}
	}
	return nil
}
