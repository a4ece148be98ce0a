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

	"github.com/cenkalti/backoff/v5"
	"github.com/pkg/errors"

	"github.com/mailvault/mailvault/internal/message"
	"github.com/mailvault/mailvault/internal/remote"
)

// fetchResult is everything one pass learned from the remote change
// feed.
type fetchResult struct {
	// Records in the order the remote reported them.
	records []message.ChangeRecord

	// The token a successful pass commits.
	token string

	// more is true when the fetcher stopped at the page cap with
	// changes still outstanding.  token is then a mid-sequence
	// checkpoint the caller may commit and resume from.
	more bool
}

// fetchChanges pages through the remote change feed from sinceToken.
// Pages are fetched strictly in sequence; each page's token feeds the
// next request.  Transient page failures are retried with backoff and
// never advance the token.  A token the remote reports as expired is
// surfaced unretried so the caller can fall back to a full resync.
func (e *Engine) fetchChanges(ctx context.Context, p *pass, sinceToken string) (*fetchResult, error) {
	res := &fetchResult{token: sinceToken}
	token := sinceToken

	for pages := 0; pages < e.opts.MaxPages; pages++ {
		page, err := backoff.Retry(ctx, func() (*message.ChangePage, error) {
			page, err := e.remote.Changes(ctx, token, e.opts.PageSize)
			if err != nil {
				if remote.IsTokenExpired(err) {
					return nil, backoff.Permanent(err)
				}
				log.Printf("sync %s: transient change fetch failure: %v", p.id, err)
				return nil, err
			}
			return page, nil
		},
			backoff.WithBackOff(backoff.NewExponentialBackOff()),
			backoff.WithMaxTries(uint(e.opts.MaxFetchTries)))
		if err != nil {
			return nil, errors.Wrapf(err, "unable to fetch changes since %q", token)
		}
		if page.NextToken == "" {
			return nil, errors.Errorf(
				"remote returned no resumption token for page after %q", token)
		}

		res.records = append(res.records, page.Records...)
		token = page.NextToken
		res.token = token
		res.more = page.HasMore
		if !page.HasMore {
			break
		}
	}
	log.Printf("sync %s: fetched %d change records, more=%v",
		p.id, len(res.records), res.more)
	return res, nil
}
