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

// Package notify carries newly archived objects to interested
// consumers, primarily a search index.  Notification is fire and
// forget: the sync engine logs notifier failures and never lets them
// block or roll back archival.
package notify

import (
	"context"
	"log"
	"time"
)

// Notification describes one newly archived object.
type Notification struct {
	ContentKey string
	RemoteID   string
	ArchivedAt time.Time
}

// Notifier receives archived-object notifications in the order the
// objects were reported by the remote.
type Notifier interface {
	Notify(ctx context.Context, batch []Notification) error
}

// Log is a Notifier that prints each notification.  It is the
// default when no search index is configured.
type Log struct{}

func (Log) Notify(_ context.Context, batch []Notification) error {
	for _, n := range batch {
		log.Printf("archived %s as %s", n.RemoteID, n.ContentKey)
	}
	return nil
}

// Multi fans one notification batch out to several notifiers.  Each
// notifier sees the full batch even when an earlier one fails; the
// first error is returned.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, batch []Notification) error {
	var first error
	for _, n := range m {
		if err := n.Notify(ctx, batch); err != nil && first == nil {
			first = err
		}
	}
	return first
}
