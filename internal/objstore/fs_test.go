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

package objstore

import (
	"context"
	"sort"
	"strings"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContentKey(t *testing.T) {
	key := ContentKey([]byte("hello world"))
	assert.Equal(t,
		"sha256:b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9",
		key)
	assert.Equal(t, key, ContentKey([]byte("hello world")),
		"identical bytes must produce identical keys")
	assert.NotEqual(t, key, ContentKey([]byte("hello world!")))
}

func TestPutGetExists(t *testing.T) {
	s := NewFS(memfs.New())
	ctx := context.Background()
	data := []byte("some message bytes")
	key := ContentKey(data)

	exists, err := s.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = s.Get(ctx, key)
	assert.True(t, IsNotExist(err), "want ErrNotExist, got %v", err)

	require.NoError(t, s.Put(ctx, key, data))

	exists, err = s.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, exists)

	got, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestPutIsIdempotent(t *testing.T) {
	s := NewFS(memfs.New())
	ctx := context.Background()
	data := []byte("written twice")
	key := ContentKey(data)

	require.NoError(t, s.Put(ctx, key, data))
	require.NoError(t, s.Put(ctx, key, data))

	got, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestKeyPathRoundTrip(t *testing.T) {
	for _, key := range []string{
		"sha256:b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9",
		"sha256:0000aaaa",
		"plain-key",
		"weird key/with:stuff%20",
		"md5:short",
	} {
		assert.Equal(t, key, pathKey(keyPath(key)), "key %q must round-trip", key)
	}
}

func TestKeyPathFansOut(t *testing.T) {
	p := keyPath("sha256:abcdef0123456789")
	assert.Equal(t, "sha256/ab/cd/abcdef0123456789", p)
}

func TestList(t *testing.T) {
	s := NewFS(memfs.New())
	ctx := context.Background()

	objects := map[string][]byte{
		ContentKey([]byte("one")):   []byte("one"),
		ContentKey([]byte("two")):   []byte("two"),
		ContentKey([]byte("three")): []byte("three"),
		"manifest-backup":           []byte("not a digest key"),
	}
	for key, data := range objects {
		require.NoError(t, s.Put(ctx, key, data))
	}

	var all []string
	require.NoError(t, s.List(ctx, "", func(key string) error {
		all = append(all, key)
		return nil
	}))
	sort.Strings(all)
	var want []string
	for key := range objects {
		want = append(want, key)
	}
	sort.Strings(want)
	assert.Equal(t, want, all)

	var digests []string
	require.NoError(t, s.List(ctx, "sha256:", func(key string) error {
		digests = append(digests, key)
		return nil
	}))
	assert.Len(t, digests, 3)
	for _, key := range digests {
		assert.True(t, strings.HasPrefix(key, "sha256:"))
	}
}

func TestListEmptyStore(t *testing.T) {
	s := NewFS(memfs.New())
	err := s.List(context.Background(), "", func(string) error {
		t.Fatal("handler must not be called for an empty store")
		return nil
	})
	require.NoError(t, err)
}

func TestListSkipsAbandonedTempFiles(t *testing.T) {
	fs := memfs.New()
	s := NewFS(fs)
	ctx := context.Background()
	data := []byte("published")
	require.NoError(t, s.Put(ctx, ContentKey(data), data))

	// Simulate a Put interrupted before rename.
	f, err := fs.Create("sha256/ab/cd/" + tmpPrefix + "12345")
	require.NoError(t, err)
	_, err = f.Write([]byte("partial"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	var keys []string
	require.NoError(t, s.List(ctx, "", func(key string) error {
		keys = append(keys, key)
		return nil
	}))
	assert.Equal(t, []string{ContentKey(data)}, keys)
}

func TestListHandlerErrorStopsWalk(t *testing.T) {
	s := NewFS(memfs.New())
	ctx := context.Background()
	for _, data := range [][]byte{[]byte("a"), []byte("b"), []byte("c")} {
		require.NoError(t, s.Put(ctx, ContentKey(data), data))
	}

	calls := 0
	err := s.List(ctx, "", func(string) error {
		calls++
		return context.Canceled
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestOpenDirCreatesRoot(t *testing.T) {
	root := t.TempDir() + "/nested/archive"
	s, err := OpenDir(root)
	require.NoError(t, err)

	ctx := context.Background()
	data := []byte("on disk")
	key := ContentKey(data)
	require.NoError(t, s.Put(ctx, key, data))
	got, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}
