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

package engine

import (
	"context"
	"log"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/mailvault/mailvault/internal/objstore"
	"github.com/mailvault/mailvault/internal/remote"
	"github.com/mailvault/mailvault/internal/state"
)

// outcome is the result of attempting one unit of work.
type outcome struct {
	unit  unit
	entry state.ManifestEntry

	// skipped means the remote no longer has the object.  The unit
	// is acknowledged without a manifest entry.
	skipped bool

	err error
}

// writeUnits fetches and archives every unit, up to the configured
// concurrency.  Units have no ordering dependency on each other, so
// writes may complete out of order; outcomes are returned in unit
// order regardless so downstream consumers see deterministic,
// remote-order-stable results.
func (e *Engine) writeUnits(ctx context.Context, p *pass, units []unit) []outcome {
	outs := make([]outcome, len(units))

	grp, ctx := errgroup.WithContext(ctx)
	grp.SetLimit(e.opts.WriteConcurrency)
	for i, u := range units {
		i, u := i, u
		grp.Go(func() error {
			outs[i] = e.writeOne(ctx, p, u)
			return nil
		})
	}
	_ = grp.Wait()
	return outs
}

// writeOne archives a single object: fetch the canonical bytes,
// derive the content address, store under it unless already present,
// and confirm the write is durable.  The confirmation is a post-write
// existence check, not trust in the put call, to guard against
// backends with weak write-then-read consistency.
func (e *Engine) writeOne(ctx context.Context, p *pass, u unit) outcome {
	out := outcome{unit: u}

	data, err := backoff.Retry(ctx, func() ([]byte, error) {
		data, err := e.remote.Fetch(ctx, u.remoteID)
		if err != nil {
			if remote.IsObjectNotFound(err) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return data, nil
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(uint(e.opts.MaxFetchTries)))
	if remote.IsObjectNotFound(err) {
		// The change feed sometimes lists messages that can no
		// longer be fetched; acknowledge and move on.
		log.Printf("sync %s: %s vanished from remote, skipping", p.id, u.remoteID)
		out.skipped = true
		return out
	}
	if err != nil {
		out.err = errors.Wrapf(err, "unable to fetch object %q", u.remoteID)
		return out
	}

	key := objstore.ContentKey(data)
	exists, err := e.objects.Exists(ctx, key)
	if err != nil {
		out.err = errors.Wrapf(err, "unable to check store for %q", u.remoteID)
		return out
	}
	if !exists {
		if err := e.objects.Put(ctx, key, data); err != nil {
			out.err = errors.Wrapf(err, "unable to write object %q", u.remoteID)
			return out
		}
	}

	confirmed, err := e.objects.Exists(ctx, key)
	if err == nil && !confirmed {
		err = errors.Errorf("object %s not visible after write", key)
	}
	if err != nil {
		out.err = errors.Wrapf(err, "unable to confirm durability of %q", u.remoteID)
		return out
	}

	out.entry = state.ManifestEntry{
		RemoteID:   u.remoteID,
		ContentKey: key,
		Size:       int64(len(data)),
		ArchivedAt: time.Now().UTC(),
	}
	return out
}
