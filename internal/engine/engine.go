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

// Package engine implements the incremental sync engine: it drives
// fetch, reconcile, write, commit and notify for one account per
// pass, persisting new sync state only after object writes are
// durable.  A pass interrupted at any point leaves the archive
// exactly as consistent as before it started.
package engine

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/mailvault/mailvault/internal/notify"
	"github.com/mailvault/mailvault/internal/objstore"
	"github.com/mailvault/mailvault/internal/remote"
	"github.com/mailvault/mailvault/internal/state"
)

// Options bound a pass.  Zero values take defaults.
type Options struct {
	// PageSize is the maximum change records requested per page.
	PageSize int

	// MaxPages caps pages fetched in one pass.  Hitting the cap
	// ends the pass at a committable intermediate token, bounding
	// memory for very large backlogs.
	MaxPages int

	// WriteConcurrency bounds parallel archive writes.
	WriteConcurrency int

	// MaxFetchTries bounds backoff retries for one remote call.
	MaxFetchTries int

	// MaxObjectAttempts is the cumulative cap on archive attempts
	// for one object before it is surfaced as a fatal per-object
	// error and dropped.
	MaxObjectAttempts int
}

func (o Options) withDefaults() Options {
	if o.PageSize <= 0 {
		o.PageSize = 500
	}
	if o.MaxPages <= 0 {
		o.MaxPages = 20
	}
	if o.WriteConcurrency <= 0 {
		o.WriteConcurrency = 4
	}
	if o.MaxFetchTries <= 0 {
		o.MaxFetchTries = 4
	}
	if o.MaxObjectAttempts <= 0 {
		o.MaxObjectAttempts = 3
	}
	return o
}

// phase tracks where a pass is.  Retry counters travel as plain data
// on units, so resuming after a crash is "reload state and recompute"
// rather than replaying suspended control flow.
type phase int

const (
	phaseIdle phase = iota
	phaseFetching
	phaseReconciling
	phaseWriting
	phaseCommitting
	phaseFailed
)

func (p phase) String() string {
	switch p {
	case phaseIdle:
		return "idle"
	case phaseFetching:
		return "fetching"
	case phaseReconciling:
		return "reconciling"
	case phaseWriting:
		return "writing"
	case phaseCommitting:
		return "committing"
	case phaseFailed:
		return "failed"
	}
	return "unknown"
}

// pass is the per-pass bookkeeping, including the log correlation id.
type pass struct {
	id         string
	account    string
	phase      phase
	fullResync bool
}

// ObjectError is a fatal per-object failure: the object exhausted its
// archive attempts.  It does not block other objects or the pass.
type ObjectError struct {
	Account  string
	RemoteID string
	Attempts int
	Err      error
}

func (e *ObjectError) Error() string {
	return fmt.Sprintf("object %s/%s failed after %d attempts: %v",
		e.Account, e.RemoteID, e.Attempts, e.Err)
}

// ObjectErrors aggregates the fatal per-object failures of a sync
// run whose passes otherwise completed.
type ObjectErrors []*ObjectError

func (e ObjectErrors) Error() string {
	msgs := make([]string, len(e))
	for i, oe := range e {
		msgs[i] = oe.Error()
	}
	return fmt.Sprintf("%d objects failed permanently: %s",
		len(e), strings.Join(msgs, "; "))
}

// AsObjectErrors reports whether err is an ObjectErrors aggregate.
func AsObjectErrors(err error) (ObjectErrors, bool) {
	oe, ok := errors.Cause(err).(ObjectErrors)
	return oe, ok
}

// Engine synchronizes one account's remote mailbox into the archive.
type Engine struct {
	remote   remote.Mailbox
	objects  objstore.Store
	states   *state.Store
	notifier notify.Notifier
	lockDir  string
	opts     Options
}

func New(m remote.Mailbox, objects objstore.Store, states *state.Store,
	notifier notify.Notifier, lockDir string, opts Options) *Engine {
	if notifier == nil {
		notifier = notify.Log{}
	}
	return &Engine{
		remote:   m,
		objects:  objects,
		states:   states,
		notifier: notifier,
		lockDir:  lockDir,
		opts:     opts.withDefaults(),
	}
}

// Sync runs passes for account until the remote reports no more
// changes.  At most one pass may be active per account; Sync fails
// fast if another holds the account lock.  A non-nil ObjectErrors
// return means the archive is up to date except for the named
// objects.
func (e *Engine) Sync(ctx context.Context, account string) error {
	lock := flock.New(filepath.Join(e.lockDir, account+".lock"))
	held, err := lock.TryLock()
	if err != nil {
		return errors.Wrapf(err, "unable to lock account %q", account)
	}
	if !held {
		return errors.Errorf("account %q is locked by another sync", account)
	}
	defer lock.Unlock()

	var objErrs ObjectErrors
	for {
		more, passErrs, err := e.runPass(ctx, account)
		if err != nil {
			return err
		}
		objErrs = append(objErrs, passErrs...)
		if !more {
			break
		}
	}
	if len(objErrs) > 0 {
		return objErrs
	}
	return nil
}

// runPass executes one fetch → reconcile → write → commit → notify
// cycle.  more is true when a backlog remains beyond the committed
// token.
func (e *Engine) runPass(ctx context.Context, account string) (more bool, objErrs ObjectErrors, err error) {
	p := &pass{id: uuid.NewString()[:8], account: account, phase: phaseIdle}

	st, err := e.states.Load(ctx, account)
	if err != nil {
		p.phase = phaseFailed
		return false, nil, err
	}
	log.Printf("sync %s: account %q from token %q (manifest %d entries, %d pending)",
		p.id, account, st.Token, len(st.Manifest), len(st.Pending))

	p.phase = phaseFetching
	res, err := e.fetchChanges(ctx, p, st.Token)
	if remote.IsTokenExpired(err) {
		// The remote expired our resumption point.  Fall back to a
		// full resync: every message comes back as Created and the
		// manifest suppresses refetching what is already archived.
		log.Printf("sync %s: token %q expired, starting full resync", p.id, st.Token)
		p.fullResync = true
		res, err = e.fetchChanges(ctx, p, "")
	}
	if err != nil {
		p.phase = phaseFailed
		return false, nil, errors.Wrapf(err, "pass %s failed for %q (last good token %q)",
			p.id, account, st.Token)
	}

	p.phase = phaseReconciling
	units := reconcile(st.Pending, res.records, st.Manifest)
	if len(units) == 0 && res.token == st.Token && len(st.Pending) == 0 {
		// Nothing new and nothing to re-acknowledge: committing
		// would only churn the manifest version.
		log.Printf("sync %s: already caught up at %q", p.id, st.Token)
		return false, nil, nil
	}
	log.Printf("sync %s: %d units of work", p.id, len(units))

	p.phase = phaseWriting
	outcomes := e.writeUnits(ctx, p, units)
	if err := ctx.Err(); err != nil {
		// Cancelled between units.  Nothing was committed, so the
		// next invocation resumes from the previous checkpoint.
		p.phase = phaseFailed
		return false, nil, errors.Wrapf(err, "pass %s cancelled for %q", p.id, account)
	}

	entries := make([]state.ManifestEntry, 0, len(outcomes))
	var pending []state.PendingUnit
	for _, out := range outcomes {
		switch {
		case out.err != nil:
			attempts := out.unit.attempts + 1
			if attempts >= e.opts.MaxObjectAttempts {
				objErrs = append(objErrs, &ObjectError{
					Account:  account,
					RemoteID: out.unit.remoteID,
					Attempts: attempts,
					Err:      out.err,
				})
				continue
			}
			log.Printf("sync %s: %s failed (attempt %d), will retry next pass: %v",
				p.id, out.unit.remoteID, attempts, out.err)
			pending = append(pending, state.PendingUnit{
				RemoteID: out.unit.remoteID,
				Kind:     out.unit.kind,
				Attempts: attempts,
			})
		case out.skipped:
			// Acknowledged without archiving.
		default:
			entries = append(entries, out.entry)
		}
	}

	p.phase = phaseCommitting
	st2, err := e.states.Commit(ctx, account, st, res.token, entries, pending)
	if err != nil {
		p.phase = phaseFailed
		return false, nil, errors.Wrapf(err, "pass %s failed to commit for %q (last good token %q)",
			p.id, account, st.Token)
	}
	log.Printf("sync %s: committed token %q, manifest version %d, %d new entries",
		p.id, st2.Token, st2.ManifestVersion, len(entries))

	if len(entries) > 0 {
		batch := make([]notify.Notification, len(entries))
		for i, entry := range entries {
			batch[i] = notify.Notification{
				ContentKey: entry.ContentKey,
				RemoteID:   entry.RemoteID,
				ArchivedAt: entry.ArchivedAt,
			}
		}
		if err := e.notifier.Notify(ctx, batch); err != nil {
			// Indexing failures never block or roll back archival.
			log.Printf("sync %s: notifier failed (ignored): %v", p.id, err)
		}
	}

	p.phase = phaseIdle
	return res.more, objErrs, nil
}
