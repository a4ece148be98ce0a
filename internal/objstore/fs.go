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
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/pkg/errors"
)

const (
	dirMode = 0o700

	// Digest-style keys fan out across two directory levels so no
	// single directory accumulates the whole archive.
	fanChars = 4
)

// FS is a Store over a billy filesystem.  Production use roots it at
// a directory on disk; tests run it over an in-memory filesystem.
type FS struct {
	fs billy.Filesystem
}

// NewFS returns a Store backed by fs.
func NewFS(fs billy.Filesystem) *FS {
	return &FS{fs: fs}
}

// OpenDir returns a Store rooted at the directory root on the local
// filesystem, creating it if needed.
func OpenDir(root string) (*FS, error) {
	if err := os.MkdirAll(root, dirMode); err != nil {
		return nil, errors.Wrapf(err, "unable to create object store root %q", root)
	}
	return NewFS(osfs.New(root)), nil
}

// keyPath maps an opaque key to a relative path.  Keys of the form
// "alg:digest" fan out by the digest's leading characters; anything
// else lands escaped under misc/.  The mapping must stay invertible
// for List.
func keyPath(key string) string {
	if i := strings.IndexByte(key, ':'); i > 0 {
		alg, digest := key[:i], key[i+1:]
		if len(digest) > fanChars && !strings.ContainsAny(digest, "/:%") {
			return path.Join(alg, digest[:2], digest[2:4], digest)
		}
	}
	return path.Join("misc", url.PathEscape(key))
}

// pathKey is the inverse of keyPath.  It returns "" for paths that do
// not decode to a key, such as temp files left by an interrupted Put.
func pathKey(p string) string {
	parts := strings.Split(p, "/")
	switch {
	case len(parts) == 2 && parts[0] == "misc":
		key, err := url.PathUnescape(parts[1])
		if err != nil {
			return ""
		}
		return key
	case len(parts) == 4:
		digest := parts[3]
		if strings.HasPrefix(digest, tmpPrefix) {
			return ""
		}
		return parts[0] + ":" + digest
	}
	return ""
}

const tmpPrefix = ".put-"

func (s *FS) Exists(_ context.Context, key string) (bool, error) {
	_, err := s.fs.Stat(keyPath(key))
	switch {
	case err == nil:
		return true, nil
	case os.IsNotExist(err):
		return false, nil
	}
	return false, errors.Wrapf(err, "unable to stat object %q", key)
}

// Put stores data under key.  The object is written to a temp name
// and renamed into place, so a key never resolves to partial bytes.
func (s *FS) Put(_ context.Context, key string, data []byte) error {
	p := keyPath(key)
	dir := path.Dir(p)
	if err := s.fs.MkdirAll(dir, dirMode); err != nil {
		return errors.Wrapf(err, "unable to create directory for object %q", key)
	}
	f, err := util.TempFile(s.fs, dir, tmpPrefix)
	if err != nil {
		return errors.Wrapf(err, "unable to create temp file for object %q", key)
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		s.fs.Remove(tmp)
		return errors.Wrapf(err, "unable to write object %q", key)
	}
	if err := f.Close(); err != nil {
		s.fs.Remove(tmp)
		return errors.Wrapf(err, "unable to finish writing object %q", key)
	}
	if err := s.fs.Rename(tmp, p); err != nil {
		s.fs.Remove(tmp)
		return errors.Wrapf(err, "unable to publish object %q", key)
	}
	return nil
}

func (s *FS) Get(_ context.Context, key string) ([]byte, error) {
	data, err := util.ReadFile(s.fs, keyPath(key))
	if os.IsNotExist(err) {
		return nil, errors.Wrapf(ErrNotExist, "object %q", key)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "unable to read object %q", key)
	}
	return data, nil
}

// List calls handler for every stored key with the given prefix, in
// unspecified order.
func (s *FS) List(ctx context.Context, prefix string, handler func(key string) error) error {
	return s.walk(ctx, "", prefix, handler)
}

func (s *FS) walk(ctx context.Context, dir, prefix string, handler func(key string) error) error {
	infos, err := s.fs.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "unable to list objects under %q", dir)
	}
	for _, info := range infos {
		if err := ctx.Err(); err != nil {
			return err
		}
		p := path.Join(dir, info.Name())
		if info.IsDir() {
			if err := s.walk(ctx, p, prefix, handler); err != nil {
				return err
			}
			continue
		}
		key := pathKey(p)
		if key == "" || !strings.HasPrefix(key, prefix) {
			continue
		}
		if err := handler(key); err != nil {
			return err
		}
	}
	return nil
}
