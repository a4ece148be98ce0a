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

// Package gmail implements the remote mailbox contract over the
// GMail API.  Users.history.list supplies the change feed; the
// change token is a history ID rendered in decimal.
package gmail

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
	gmail_api "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/mailvault/mailvault/internal/message"
	"github.com/mailvault/mailvault/internal/remote"
)

const (
	ReadonlyScope = gmail_api.GmailReadonlyScope

	// See https://developers.google.com/gmail/api/v1/reference/quota
	quotaUnitsMessagesGet     = 5
	quotaUnitsPerGetProfile   = 2
	quotaUnitsPerHistoryList  = 2
	quotaUnitsPerMessagesList = 1

	quotaUnitsPerSecond = 250
	rateLimitPerSecond  = quotaUnitsPerSecond * 0.8
	rateLimitBurst      = quotaUnitsPerSecond
)

// Service provides change-feed access to messages stored in Google's
// GMail system.  It satisfies remote.Mailbox.
type Service struct {
	service *gmail_api.Service
	limiter *rate.Limiter
}

func New(ctx context.Context, client *http.Client) (*Service, error) {
	s, err := gmail_api.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, err
	}
	l := rate.NewLimiter(rateLimitPerSecond, rateLimitBurst)
	return &Service{service: s, limiter: l}, nil
}

func isChat(msg *gmail_api.Message) bool {
	for _, label := range msg.LabelIds {
		if label == "CHAT" {
			return true
		}
	}
	return false
}

// enumPrefix marks mid-enumeration tokens: "all:<pageToken>:<historyId>".
// The embedded history ID was captured before enumeration began, so
// completing the walk lands exactly where incremental history picks
// up.  GMail page tokens are short-lived; if one dies mid-walk the
// token is reported expired and the walk restarts, deduplicated by
// the caller's manifest.
const enumPrefix = "all:"

func formatHistoryID(id uint64) string {
	return strconv.FormatUint(id, 10)
}

// Changes reports changes since sinceToken.  With a history-ID token
// it maps Users.history.list records: added messages become Created,
// label churn becomes Updated, deletions become Destroyed.  Pages that
// filtering left empty are walked through within the call, so the
// result always covers a contiguous window.  The next token is always
// itself a history ID, never a page token, so any returned token is a
// committable resumption point.
func (s *Service) Changes(ctx context.Context, sinceToken string, maxRecords int) (*message.ChangePage, error) {
	if sinceToken == "" || strings.HasPrefix(sinceToken, enumPrefix) {
		return s.enumerate(ctx, sinceToken, maxRecords)
	}
	startID, err := strconv.ParseUint(sinceToken, 10, 64)
	if err != nil {
		return nil, errors.Wrapf(err, "malformed history token %q", sinceToken)
	}

	page := &message.ChangePage{}
	var lastSeen uint64
	var pageToken string
	for {
		if err := s.limiter.WaitN(ctx, quotaUnitsPerHistoryList); err != nil {
			return nil, err
		}
		call := gmail_api.NewUsersHistoryService(s.service).List("me").
			Context(ctx).
			StartHistoryId(startID).
			HistoryTypes("messageAdded", "messageDeleted", "labelAdded", "labelRemoved").
			MaxResults(int64(maxRecords))
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Do()
		if err != nil {
			if cause, ok := errors.Cause(err).(*googleapi.Error); ok &&
				cause.Code == http.StatusNotFound {
				// GMail reports an out-of-window startHistoryId as 404.
				return nil, errors.Wrapf(remote.ErrTokenExpired, "history id %d", startID)
			}
			return nil, errors.Wrapf(err, "unable to list history from %d", startID)
		}

		for _, h := range resp.History {
			lastSeen = h.Id
			for _, added := range h.MessagesAdded {
				page.Records = append(page.Records, message.ChangeRecord{
					RemoteID: added.Message.Id, Kind: message.Created})
			}
			for _, labeled := range h.LabelsAdded {
				page.Records = append(page.Records, message.ChangeRecord{
					RemoteID: labeled.Message.Id, Kind: message.Updated})
			}
			for _, unlabeled := range h.LabelsRemoved {
				page.Records = append(page.Records, message.ChangeRecord{
					RemoteID: unlabeled.Message.Id, Kind: message.Updated})
			}
			for _, deleted := range h.MessagesDeleted {
				page.Records = append(page.Records, message.ChangeRecord{
					RemoteID: deleted.Message.Id, Kind: message.Destroyed})
			}
		}

		if resp.NextPageToken == "" {
			// The whole window is walked; the mailbox's current
			// history id is now a safe resumption point.
			page.NextToken = formatHistoryID(resp.HistoryId)
			return page, nil
		}
		if lastSeen > 0 {
			page.NextToken = formatHistoryID(lastSeen)
			page.HasMore = true
			return page, nil
		}
		// History-type filtering can produce an empty page that still
		// carries a nextPageToken.  There is no history id to resume
		// from yet, so keep walking; stopping here would commit a
		// token beyond the unread pages and drop their messages.
		pageToken = resp.NextPageToken
	}
}

// enumerate walks the whole mailbox via Users.messages.list, used on
// first sync and after token expiry.  Every message is reported as
// Created; the final token is the history ID captured before the walk
// began.
func (s *Service) enumerate(ctx context.Context, token string, maxRecords int) (*message.ChangePage, error) {
	var pageToken, targetID string
	if token != "" {
		rest := strings.TrimPrefix(token, enumPrefix)
		i := strings.IndexByte(rest, ':')
		if i < 0 {
			return nil, errors.Errorf("malformed enumeration token %q", token)
		}
		pageToken, targetID = rest[:i], rest[i+1:]
	} else {
		profile, err := s.GetProfile(ctx)
		if err != nil {
			return nil, err
		}
		targetID = profile.Token
	}

	if err := s.limiter.WaitN(ctx, quotaUnitsPerMessagesList); err != nil {
		return nil, err
	}
	call := gmail_api.NewUsersMessagesService(s.service).List("me").
		Context(ctx).
		Q("-is:chat").
		MaxResults(int64(maxRecords))
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	resp, err := call.Do()
	if err != nil {
		if cause, ok := errors.Cause(err).(*googleapi.Error); ok &&
			cause.Code == http.StatusBadRequest && pageToken != "" {
			// The stashed page token died; restart the walk.
			return nil, errors.Wrapf(remote.ErrTokenExpired, "stale list page token")
		}
		return nil, errors.Wrap(err, "unable to list messages")
	}

	page := &message.ChangePage{}
	for _, msg := range resp.Messages {
		page.Records = append(page.Records, message.ChangeRecord{
			RemoteID: msg.Id, Kind: message.Created})
	}
	if resp.NextPageToken != "" {
		page.NextToken = fmt.Sprintf("%s%s:%s", enumPrefix, resp.NextPageToken, targetID)
		page.HasMore = true
	} else {
		page.NextToken = targetID
	}
	return page, nil
}

// Fetch downloads the canonical RFC 5322 bytes of one message.
func (s *Service) Fetch(ctx context.Context, remoteID string) ([]byte, error) {
	for {
		if err := s.limiter.WaitN(ctx, quotaUnitsMessagesGet); err != nil {
			return nil, err
		}
		msg, err := gmail_api.NewUsersMessagesService(s.service).Get("me", remoteID).
			Context(ctx).Format("raw").Do()
		if err == nil && isChat(msg) {
			return nil, errors.Wrapf(remote.ErrObjectNotFound, "message %v is chat", remoteID)
		}
		if err == nil {
			raw, err := base64.URLEncoding.DecodeString(msg.Raw)
			if err != nil {
				return nil, errors.Wrapf(err, "decoding message %v from gmail", remoteID)
			}
			return raw, nil
		}

		if cause, ok := errors.Cause(err).(*googleapi.Error); ok {
			if cause.Code == http.StatusTooManyRequests {
				continue // retry
			}
			if cause.Code == http.StatusNotFound {
				// The history list sometimes delivers messages
				// that can't be fetched.
				return nil, errors.Wrapf(remote.ErrObjectNotFound, "message %v", remoteID)
			}
		}
		return nil, errors.Wrapf(err, "getting message %v from gmail", remoteID)
	}
}

// GetProfile reports the account address and its current history
// position.
func (s *Service) GetProfile(ctx context.Context) (*message.Profile, error) {
	if err := s.limiter.WaitN(ctx, quotaUnitsPerGetProfile); err != nil {
		return nil, err
	}
	u, err := gmail_api.NewUsersService(s.service).GetProfile("me").Context(ctx).Do()
	if err != nil {
		return nil, errors.Wrap(err, "unable to fetch gmail profile")
	}
	return &message.Profile{
		EmailAddress: u.EmailAddress,
		Token:        formatHistoryID(u.HistoryId),
	}, nil
}
