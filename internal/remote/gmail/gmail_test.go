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

package gmail

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailvault/mailvault/internal/message"
	"github.com/mailvault/mailvault/internal/remote"
)

// newTestService points the GMail client at a scripted HTTP server.
func newTestService(t *testing.T, handler http.Handler) *Service {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	s, err := New(context.Background(), srv.Client())
	require.NoError(t, err)
	s.service.BasePath = srv.URL + "/"
	return s
}

func TestChangesMapsHistory(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/history", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "100", r.URL.Query().Get("startHistoryId"))
		w.Write([]byte(`{
			"historyId": "200",
			"history": [
				{"id": "110", "messagesAdded": [{"message": {"id": "m1"}}]},
				{"id": "120", "labelsAdded": [{"message": {"id": "m2"}}]},
				{"id": "130", "messagesDeleted": [{"message": {"id": "m3"}}]}
			]
		}`))
	})
	s := newTestService(t, mux)

	page, err := s.Changes(context.Background(), "100", 50)
	require.NoError(t, err)
	assert.Equal(t, "200", page.NextToken)
	assert.False(t, page.HasMore)
	require.Len(t, page.Records, 3)
	assert.Equal(t, message.ChangeRecord{RemoteID: "m1", Kind: message.Created}, page.Records[0])
	assert.Equal(t, message.ChangeRecord{RemoteID: "m2", Kind: message.Updated}, page.Records[1])
	assert.Equal(t, message.ChangeRecord{RemoteID: "m3", Kind: message.Destroyed}, page.Records[2])
}

func TestChangesPagedHistoryResumesAtLastSeenID(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/history", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"historyId": "900",
			"nextPageToken": "page-2",
			"history": [{"id": "150", "messagesAdded": [{"message": {"id": "m1"}}]}]
		}`))
	})
	s := newTestService(t, mux)

	page, err := s.Changes(context.Background(), "100", 1)
	require.NoError(t, err)
	assert.True(t, page.HasMore)
	assert.Equal(t, "150", page.NextToken,
		"a mid-backlog token must be a history id, not a page token")
}

func TestChangesFollowsEmptyFilteredPages(t *testing.T) {
	// History-type filtering can yield pages with no history records
	// but a nextPageToken.  The walk must continue into those pages
	// rather than leap to the mailbox's current history id, which
	// would skip every message on them.
	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/history", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("pageToken") {
		case "":
			w.Write([]byte(`{"historyId": "900", "nextPageToken": "page-2", "history": []}`))
		case "page-2":
			w.Write([]byte(`{
				"historyId": "900",
				"nextPageToken": "page-3",
				"history": [{"id": "150", "messagesAdded": [{"message": {"id": "m1"}}]}]
			}`))
		default:
			t.Errorf("unexpected pageToken %q", r.URL.Query().Get("pageToken"))
			http.NotFound(w, r)
		}
	})
	s := newTestService(t, mux)

	page, err := s.Changes(context.Background(), "100", 50)
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	assert.Equal(t, "m1", page.Records[0].RemoteID)
	assert.Equal(t, "150", page.NextToken)
	assert.True(t, page.HasMore)
}

func TestChangesAllPagesEmptyLandsOnCurrentHistoryID(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/history", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("pageToken") == "" {
			w.Write([]byte(`{"historyId": "900", "nextPageToken": "page-2", "history": []}`))
			return
		}
		w.Write([]byte(`{"historyId": "900", "history": []}`))
	})
	s := newTestService(t, mux)

	page, err := s.Changes(context.Background(), "100", 50)
	require.NoError(t, err)
	assert.Empty(t, page.Records)
	assert.Equal(t, "900", page.NextToken,
		"only a fully walked window may advance to the current history id")
	assert.False(t, page.HasMore)
}

func TestChangesExpiredHistoryID(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/history", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": {"code": 404, "message": "not found"}}`,
			http.StatusNotFound)
	})
	s := newTestService(t, mux)

	_, err := s.Changes(context.Background(), "1", 50)
	assert.True(t, remote.IsTokenExpired(err), "want token-expired, got %v", err)
}

func TestChangesEnumeratesFromEmptyToken(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/profile", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"emailAddress": "a@example.com", "historyId": "500"}`))
	})
	mux.HandleFunc("/gmail/v1/users/me/messages", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "-is:chat", r.URL.Query().Get("q"))
		w.Write([]byte(`{
			"messages": [{"id": "m1"}, {"id": "m2"}],
			"nextPageToken": "page-2"
		}`))
	})
	s := newTestService(t, mux)

	page, err := s.Changes(context.Background(), "", 2)
	require.NoError(t, err)
	assert.Equal(t, "all:page-2:500", page.NextToken)
	assert.True(t, page.HasMore)
	require.Len(t, page.Records, 2)
	assert.Equal(t, message.Created, page.Records[0].Kind)
}

func TestChangesEnumerationFinishesAtCapturedHistoryID(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/messages", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "page-2", r.URL.Query().Get("pageToken"))
		w.Write([]byte(`{"messages": [{"id": "m3"}]}`))
	})
	s := newTestService(t, mux)

	page, err := s.Changes(context.Background(), "all:page-2:500", 2)
	require.NoError(t, err)
	assert.Equal(t, "500", page.NextToken)
	assert.False(t, page.HasMore)
}

func TestChangesStalePageTokenRestartsWalk(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/messages", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": {"code": 400, "message": "Invalid pageToken"}}`,
			http.StatusBadRequest)
	})
	s := newTestService(t, mux)

	_, err := s.Changes(context.Background(), "all:dead-token:500", 2)
	assert.True(t, remote.IsTokenExpired(err), "want token-expired, got %v", err)
}

func TestFetchDecodesRawMessage(t *testing.T) {
	raw := []byte("From: a@example.com\r\n\r\nhello\r\n")
	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/messages/m1", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "raw", r.URL.Query().Get("format"))
		w.Write([]byte(`{"id": "m1", "raw": "` +
			base64.URLEncoding.EncodeToString(raw) + `"}`))
	})
	s := newTestService(t, mux)

	got, err := s.Fetch(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, raw, got)
}

func TestFetchChatMessage(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/messages/chat1", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id": "chat1", "raw": "aGk=", "labelIds": ["CHAT"]}`))
	})
	s := newTestService(t, mux)

	_, err := s.Fetch(context.Background(), "chat1")
	assert.True(t, remote.IsObjectNotFound(err), "want object-not-found, got %v", err)
}

func TestFetchMissingMessage(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/messages/gone", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": {"code": 404, "message": "not found"}}`,
			http.StatusNotFound)
	})
	s := newTestService(t, mux)

	_, err := s.Fetch(context.Background(), "gone")
	assert.True(t, remote.IsObjectNotFound(err), "want object-not-found, got %v", err)
}

func TestGetProfile(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/profile", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"emailAddress": "a@example.com", "historyId": "777"}`))
	})
	s := newTestService(t, mux)

	p, err := s.GetProfile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", p.EmailAddress)
	assert.Equal(t, "777", p.Token)
}
