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

package state

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailvault/mailvault/internal/message"

	_ "github.com/mattn/go-sqlite3"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func entry(remoteID, key string, size int64) ManifestEntry {
	return ManifestEntry{
		RemoteID:   remoteID,
		ContentKey: key,
		Size:       size,
		ArchivedAt: time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC),
	}
}

func TestLoadNeverSyncedAccount(t *testing.T) {
	s := openTestStore(t)

	st, err := s.Load(context.Background(), "fresh")
	require.NoError(t, err)
	assert.Empty(t, st.Token)
	assert.Zero(t, st.ManifestVersion)
	assert.Empty(t, st.Manifest)
	assert.Empty(t, st.Pending)
}

func TestCommitRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	st, err := s.Load(ctx, "acct")
	require.NoError(t, err)

	entries := []ManifestEntry{
		entry("m1", "sha256:aa", 10),
		entry("m2", "sha256:bb", 20),
	}
	pending := []PendingUnit{{RemoteID: "m3", Kind: message.Created, Attempts: 1}}
	next, err := s.Commit(ctx, "acct", st, "tok-1", entries, pending)
	require.NoError(t, err)
	assert.Equal(t, int64(1), next.ManifestVersion)
	assert.True(t, next.HasArchived("m1"))

	loaded, err := s.Load(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", loaded.Token)
	assert.Equal(t, int64(1), loaded.ManifestVersion)
	require.Len(t, loaded.Manifest, 2)
	assert.Equal(t, "sha256:aa", loaded.Manifest["m1"].ContentKey)
	assert.Equal(t, int64(20), loaded.Manifest["m2"].Size)
	require.Len(t, loaded.Pending, 1)
	assert.Equal(t, "m3", loaded.Pending[0].RemoteID)
	assert.Equal(t, message.Created, loaded.Pending[0].Kind)
	assert.Equal(t, 1, loaded.Pending[0].Attempts)
	assert.False(t, loaded.LastCommittedAt.IsZero())
}

func TestCommitReplacesPendingSet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	st, err := s.Load(ctx, "acct")
	require.NoError(t, err)
	st, err = s.Commit(ctx, "acct", st, "tok-1", nil,
		[]PendingUnit{{RemoteID: "m1", Kind: message.Created, Attempts: 1}})
	require.NoError(t, err)

	// The retry succeeded; the next commit archives m1 and clears the
	// pending set.
	st, err = s.Commit(ctx, "acct", st, "tok-2",
		[]ManifestEntry{entry("m1", "sha256:aa", 10)}, nil)
	require.NoError(t, err)

	loaded, err := s.Load(ctx, "acct")
	require.NoError(t, err)
	assert.Empty(t, loaded.Pending)
	assert.True(t, loaded.HasArchived("m1"))
}

func TestCommitDetectsConcurrentAdvance(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	st, err := s.Load(ctx, "acct")
	require.NoError(t, err)

	// Two passes load the same state; the slower one must fail.
	stale := *st
	_, err = s.Commit(ctx, "acct", st, "tok-1", nil, nil)
	require.NoError(t, err)

	_, err = s.Commit(ctx, "acct", &stale, "tok-other", nil, nil)
	require.Error(t, err)
	assert.True(t, IsCorrupt(err), "want ErrCorrupt, got %v", err)

	loaded, err := s.Load(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", loaded.Token, "failed commit must not change state")
}

func TestCommitRefusesContentKeyRewrite(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	st, err := s.Load(ctx, "acct")
	require.NoError(t, err)
	st, err = s.Commit(ctx, "acct", st, "tok-1",
		[]ManifestEntry{entry("m1", "sha256:aa", 10)}, nil)
	require.NoError(t, err)

	_, err = s.Commit(ctx, "acct", st, "tok-2",
		[]ManifestEntry{entry("m1", "sha256:CHANGED", 10)}, nil)
	require.Error(t, err)
	assert.True(t, IsCorrupt(err), "want ErrCorrupt, got %v", err)

	loaded, err := s.Load(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, "sha256:aa", loaded.Manifest["m1"].ContentKey)
	assert.Equal(t, "tok-1", loaded.Token, "refused commit must roll back entirely")
}

func TestCommitToleratesIdenticalReinsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	st, err := s.Load(ctx, "acct")
	require.NoError(t, err)
	st, err = s.Commit(ctx, "acct", st, "tok-1",
		[]ManifestEntry{entry("m1", "sha256:aa", 10)}, nil)
	require.NoError(t, err)

	// A crashed pass can re-observe an object it already archived.
	st, err = s.Commit(ctx, "acct", st, "tok-2",
		[]ManifestEntry{entry("m1", "sha256:aa", 10)}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.ManifestVersion)

	loaded, err := s.Load(ctx, "acct")
	require.NoError(t, err)
	assert.Len(t, loaded.Manifest, 1)
	assert.Equal(t, "tok-2", loaded.Token)
}

func TestAccountsAreIsolated(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	st, err := s.Load(ctx, "alpha")
	require.NoError(t, err)
	_, err = s.Commit(ctx, "alpha", st, "tok-alpha",
		[]ManifestEntry{entry("m1", "sha256:aa", 10)}, nil)
	require.NoError(t, err)

	other, err := s.Load(ctx, "beta")
	require.NoError(t, err)
	assert.Empty(t, other.Token)
	assert.Empty(t, other.Manifest)
}

func TestDsnFromPath(t *testing.T) {
	dsn, err := dsnFromPath("/tmp/state.db", nil)
	require.NoError(t, err)
	assert.Equal(t, "file:///tmp/state.db", dsn)

	dsn, err = dsnFromPath("file:/tmp/state.db?mode=ro", nil)
	require.NoError(t, err)
	assert.Contains(t, dsn, "mode=ro")
}
