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
	"github.com/mailvault/mailvault/internal/message"
	"github.com/mailvault/mailvault/internal/state"
)

// unit is one fetch+write task for the current pass.  Units are owned
// by the pass that created them and discarded at pass end; success is
// reflected only through the manifest and checkpoint.
type unit struct {
	remoteID string
	kind     message.ChangeKind

	// attempts made in earlier passes, carried in from the pending
	// set.  Zero for units derived from fresh change records.
	attempts int
}

// reconcile classifies change records against the manifest and
// returns the ordered units of work for this pass.
//
// It is a pure function of its inputs: re-running it on the same
// (pending, records, manifest) yields identical output, which is what
// makes whole-pass retries safe.
//
// Policy:
//   - pending units from earlier passes come first, unless the
//     object has since been archived;
//   - Created and Updated records for unarchived remote IDs produce
//     a unit, in the order the records arrived;
//   - Updated records for archived remote IDs are no-ops: the
//     archive is immutable and captured content is never refetched;
//   - Destroyed records are acknowledged and otherwise ignored;
//   - a remote ID yields at most one unit per pass.
func reconcile(pending []state.PendingUnit, records []message.ChangeRecord,
	manifest map[string]state.ManifestEntry) []unit {
	units := make([]unit, 0, len(pending)+len(records))
	queued := make(map[string]bool, len(pending)+len(records))

	for _, p := range pending {
		if _, archived := manifest[p.RemoteID]; archived {
			continue
		}
		if queued[p.RemoteID] {
			continue
		}
		queued[p.RemoteID] = true
		units = append(units, unit{remoteID: p.RemoteID, kind: p.Kind, attempts: p.Attempts})
	}

	for _, r := range records {
		if r.Kind == message.Destroyed {
			continue
		}
		if _, archived := manifest[r.RemoteID]; archived {
			continue
		}
		if queued[r.RemoteID] {
			continue
		}
		queued[r.RemoteID] = true
		units = append(units, unit{remoteID: r.RemoteID, kind: r.Kind})
	}

	return units
}
