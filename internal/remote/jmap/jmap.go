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

// Package jmap implements the remote mailbox contract over the JMAP
// mail protocol (RFC 8620/8621).  Email/changes supplies the change
// feed; message bytes come from the blob download endpoint.
package jmap

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/mailvault/mailvault/internal/message"
	"github.com/mailvault/mailvault/internal/remote"
)

const (
	coreCapability = "urn:ietf:params:jmap:core"
	mailCapability = "urn:ietf:params:jmap:mail"

	// Most JMAP servers allow bursts well beyond this; stay polite.
	requestsPerSecond = 5
	requestBurst      = 10
)

// Options configure a Client.
type Options struct {
	// Endpoint is the server host ("api.fastmail.com") or a full
	// session URL.
	Endpoint string

	// Auth is "basic" or "token".
	Auth string

	Username string
	Secret   string

	// HTTPClient overrides the transport, mainly for tests and
	// wire tracing.
	HTTPClient *http.Client
}

// Client speaks JMAP to one account.  It satisfies remote.Mailbox.
type Client struct {
	sessionURL string
	hc         *http.Client
	limiter    *rate.Limiter

	basicUser, basicPass string

	mu      sync.Mutex
	session *session
}

// session is the subset of the JMAP session object the client needs.
type session struct {
	Username        string                     `json:"username"`
	APIURL          string                     `json:"apiUrl"`
	DownloadURL     string                     `json:"downloadUrl"`
	PrimaryAccounts map[string]string          `json:"primaryAccounts"`
	Capabilities    map[string]json.RawMessage `json:"capabilities"`

	accountID string
}

func sessionURL(endpoint string) string {
	if !strings.Contains(endpoint, "://") {
		endpoint = "https://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Path == "" || u.Path == "/" {
		return strings.TrimSuffix(endpoint, "/") + "/.well-known/jmap"
	}
	return endpoint
}

// New returns a Client for the given endpoint and credentials.
func New(opts Options) (*Client, error) {
	c := &Client{
		sessionURL: sessionURL(opts.Endpoint),
		limiter:    rate.NewLimiter(requestsPerSecond, requestBurst),
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Transport: http.DefaultTransport}
	}
	switch opts.Auth {
	case "token":
		// A static bearer token behind oauth2.Transport; the reuse
		// source keeps the plumbing uniform if refresh support is
		// added later.
		src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: opts.Secret})
		hc = &http.Client{Transport: &oauth2.Transport{
			Source: oauth2.ReuseTokenSource(nil, src),
			Base:   hc.Transport,
		}}
	case "", "basic":
		c.basicUser, c.basicPass = opts.Username, opts.Secret
	default:
		return nil, errors.Errorf("unknown auth mode %q", opts.Auth)
	}
	c.hc = hc
	return c, nil
}

func (c *Client) do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	if c.basicUser != "" || c.basicPass != "" {
		req.SetBasicAuth(c.basicUser, c.basicPass)
	}
	return c.hc.Do(req.WithContext(ctx))
}

// getSession fetches and caches the session object.
func (c *Client) getSession(ctx context.Context) (*session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		return c.session, nil
	}

	req, err := http.NewRequest(http.MethodGet, c.sessionURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "unable to build session request")
	}
	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to fetch JMAP session from %q", c.sessionURL)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("JMAP session request to %q failed: %s",
			c.sessionURL, resp.Status)
	}

	s := &session{}
	if err := json.NewDecoder(resp.Body).Decode(s); err != nil {
		return nil, errors.Wrap(err, "unable to decode JMAP session")
	}
	s.accountID = s.PrimaryAccounts[mailCapability]
	if s.accountID == "" {
		return nil, errors.Errorf("JMAP session at %q has no primary mail account",
			c.sessionURL)
	}
	if s.APIURL == "" || s.DownloadURL == "" {
		return nil, errors.Errorf("JMAP session at %q is missing endpoint URLs",
			c.sessionURL)
	}
	c.session = s
	return s, nil
}

// invocation is one [name, arguments, callId] triple on the wire.
type invocation struct {
	Name   string
	Args   json.RawMessage
	CallID string
}

func (inv invocation) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{inv.Name, json.RawMessage(inv.Args), inv.CallID})
}

func (inv *invocation) UnmarshalJSON(data []byte) error {
	parts := []json.RawMessage{}
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	if len(parts) != 3 {
		return fmt.Errorf("method response has %d elements, want 3", len(parts))
	}
	if err := json.Unmarshal(parts[0], &inv.Name); err != nil {
		return err
	}
	inv.Args = parts[1]
	return json.Unmarshal(parts[2], &inv.CallID)
}

// methodError is the arguments object of an "error" response.
type methodError struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

// call performs a single-method JMAP request and returns the matching
// response arguments.  Method-level errors come back as methodError.
func (c *Client) call(ctx context.Context, s *session, method string, args interface{}) (json.RawMessage, error) {
	rawArgs, err := json.Marshal(args)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to encode %s arguments", method)
	}
	body, err := json.Marshal(map[string]interface{}{
		"using":       []string{coreCapability, mailCapability},
		"methodCalls": []invocation{{Name: method, Args: rawArgs, CallID: "0"}},
	})
	if err != nil {
		return nil, errors.Wrap(err, "unable to encode JMAP request")
	}

	req, err := http.NewRequest(http.MethodPost, s.APIURL, strings.NewReader(string(body)))
	if err != nil {
		return nil, errors.Wrap(err, "unable to build JMAP request")
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s request failed", method)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("%s request failed: %s", method, resp.Status)
	}

	var decoded struct {
		MethodResponses []invocation `json:"methodResponses"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, errors.Wrapf(err, "unable to decode %s response", method)
	}
	if len(decoded.MethodResponses) != 1 {
		return nil, errors.Errorf("%s returned %d method responses, want 1",
			method, len(decoded.MethodResponses))
	}
	inv := decoded.MethodResponses[0]
	if inv.Name == "error" {
		var me methodError
		if err := json.Unmarshal(inv.Args, &me); err != nil {
			return nil, errors.Wrapf(err, "%s failed with undecodable error", method)
		}
		if me.Type == "cannotCalculateChanges" {
			return nil, errors.Wrapf(remote.ErrTokenExpired, "%s: %s", method, me.Description)
		}
		return nil, errors.Errorf("%s failed: %s (%s)", method, me.Type, me.Description)
	}
	if inv.Name != method {
		return nil, errors.Errorf("asked for %s, got %s", method, inv.Name)
	}
	return inv.Args, nil
}

// Changes reports email changes since sinceToken.  An empty token, or
// a token minted by an earlier full enumeration, walks the whole
// mailbox reporting every message as Created; the final token of that
// walk is the server's real Email state, so subsequent passes resume
// incrementally.
func (c *Client) Changes(ctx context.Context, sinceToken string, maxRecords int) (*message.ChangePage, error) {
	s, err := c.getSession(ctx)
	if err != nil {
		return nil, err
	}
	if sinceToken == "" || strings.HasPrefix(sinceToken, enumPrefix) {
		return c.enumerate(ctx, s, sinceToken, maxRecords)
	}

	args, err := c.call(ctx, s, "Email/changes", map[string]interface{}{
		"accountId":  s.accountID,
		"sinceState": sinceToken,
		"maxChanges": maxRecords,
	})
	if err != nil {
		return nil, err
	}
	var changes struct {
		NewState       string   `json:"newState"`
		HasMoreChanges bool     `json:"hasMoreChanges"`
		Created        []string `json:"created"`
		Updated        []string `json:"updated"`
		Destroyed      []string `json:"destroyed"`
	}
	if err := json.Unmarshal(args, &changes); err != nil {
		return nil, errors.Wrap(err, "unable to decode Email/changes response")
	}

	page := &message.ChangePage{
		NextToken: changes.NewState,
		HasMore:   changes.HasMoreChanges,
	}
	for _, id := range changes.Created {
		page.Records = append(page.Records, message.ChangeRecord{RemoteID: id, Kind: message.Created})
	}
	for _, id := range changes.Updated {
		page.Records = append(page.Records, message.ChangeRecord{RemoteID: id, Kind: message.Updated})
	}
	for _, id := range changes.Destroyed {
		page.Records = append(page.Records, message.ChangeRecord{RemoteID: id, Kind: message.Destroyed})
	}
	return page, nil
}

// enumPrefix marks mid-enumeration tokens: "all:<position>:<state>".
// The embedded state is the Email state captured before enumeration
// began, so finishing the walk lands exactly where incremental
// changes pick up.
const enumPrefix = "all:"

func parseEnumToken(token string) (pos int, state string, err error) {
	if token == "" {
		return 0, "", nil
	}
	rest := strings.TrimPrefix(token, enumPrefix)
	i := strings.IndexByte(rest, ':')
	if i < 0 {
		return 0, "", errors.Errorf("malformed enumeration token %q", token)
	}
	pos, err = strconv.Atoi(rest[:i])
	if err != nil {
		return 0, "", errors.Wrapf(err, "malformed enumeration token %q", token)
	}
	return pos, rest[i+1:], nil
}

func (c *Client) enumerate(ctx context.Context, s *session, token string, maxRecords int) (*message.ChangePage, error) {
	pos, state, err := parseEnumToken(token)
	if err != nil {
		return nil, err
	}
	if state == "" {
		if state, err = c.emailState(ctx, s); err != nil {
			return nil, err
		}
	}

	args, err := c.call(ctx, s, "Email/query", map[string]interface{}{
		"accountId":      s.accountID,
		"position":       pos,
		"limit":          maxRecords,
		"sort":           []map[string]interface{}{{"property": "receivedAt", "isAscending": true}},
		"calculateTotal": true,
	})
	if err != nil {
		return nil, err
	}
	var query struct {
		IDs   []string `json:"ids"`
		Total int      `json:"total"`
	}
	if err := json.Unmarshal(args, &query); err != nil {
		return nil, errors.Wrap(err, "unable to decode Email/query response")
	}

	page := &message.ChangePage{}
	for _, id := range query.IDs {
		page.Records = append(page.Records, message.ChangeRecord{RemoteID: id, Kind: message.Created})
	}
	next := pos + len(query.IDs)
	if len(query.IDs) > 0 && next < query.Total {
		page.NextToken = fmt.Sprintf("%s%d:%s", enumPrefix, next, state)
		page.HasMore = true
	} else {
		page.NextToken = state
	}
	return page, nil
}

// emailState asks for the current Email state without fetching any
// objects.
func (c *Client) emailState(ctx context.Context, s *session) (string, error) {
	args, err := c.call(ctx, s, "Email/get", map[string]interface{}{
		"accountId": s.accountID,
		"ids":       []string{},
	})
	if err != nil {
		return "", err
	}
	var got struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal(args, &got); err != nil {
		return "", errors.Wrap(err, "unable to decode Email/get response")
	}
	if got.State == "" {
		return "", errors.New("server reported no Email state")
	}
	return got.State, nil
}

// Fetch downloads the canonical RFC 5322 bytes of one message.
func (c *Client) Fetch(ctx context.Context, remoteID string) ([]byte, error) {
	s, err := c.getSession(ctx)
	if err != nil {
		return nil, err
	}

	args, err := c.call(ctx, s, "Email/get", map[string]interface{}{
		"accountId":  s.accountID,
		"ids":        []string{remoteID},
		"properties": []string{"blobId"},
	})
	if err != nil {
		return nil, err
	}
	var got struct {
		List []struct {
			ID     string `json:"id"`
			BlobID string `json:"blobId"`
		} `json:"list"`
		NotFound []string `json:"notFound"`
	}
	if err := json.Unmarshal(args, &got); err != nil {
		return nil, errors.Wrap(err, "unable to decode Email/get response")
	}
	if len(got.List) == 0 || got.List[0].BlobID == "" {
		return nil, errors.Wrapf(remote.ErrObjectNotFound, "email %q", remoteID)
	}

	return c.download(ctx, s, got.List[0].BlobID, remoteID)
}

func (c *Client) download(ctx context.Context, s *session, blobID, name string) ([]byte, error) {
	r := strings.NewReplacer(
		"{accountId}", url.PathEscape(s.accountID),
		"{blobId}", url.PathEscape(blobID),
		"{name}", url.PathEscape(name),
		"{type}", url.QueryEscape("application/octet-stream"),
	)
	req, err := http.NewRequest(http.MethodGet, r.Replace(s.DownloadURL), nil)
	if err != nil {
		return nil, errors.Wrap(err, "unable to build blob request")
	}
	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to download blob %q", blobID)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, errors.Wrapf(remote.ErrObjectNotFound, "blob %q", blobID)
	case resp.StatusCode != http.StatusOK:
		return nil, errors.Errorf("blob download for %q failed: %s", blobID, resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to read blob %q", blobID)
	}
	return data, nil
}

// GetProfile reports the account's address and current change-feed
// position.
func (c *Client) GetProfile(ctx context.Context) (*message.Profile, error) {
	s, err := c.getSession(ctx)
	if err != nil {
		return nil, err
	}
	state, err := c.emailState(ctx, s)
	if err != nil {
		return nil, err
	}
	// The session's username is authoritative; under bearer auth
	// there is no local username to fall back to.
	addr := s.Username
	if addr == "" {
		addr = c.basicUser
	}
	return &message.Profile{EmailAddress: addr, Token: state}, nil
}
