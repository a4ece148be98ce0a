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
	"bytes"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
)

// commandTokenSource mints OAuth 2.0 bearer tokens by running an
// external program that prints an access token, such as
// "gcloud auth print-access-token".  The program's actual token
// lifetime is unknown, so tokens are re-fetched every five minutes.
type commandTokenSource struct {
	name string
	args []string
}

// Token satisfies oauth2.TokenSource.
func (s *commandTokenSource) Token() (*oauth2.Token, error) {
	cmd := exec.Command(s.name, s.args...)

	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return nil, errors.Wrapf(err, "token command %q failed", s.name)
	}

	return &oauth2.Token{
		AccessToken: strings.TrimSpace(out.String()),
		Expiry:      time.Now().Add(time.Minute * 5),
	}, nil
}

// NewHTTPClient returns an HTTP client that authenticates GMail API
// calls.  With a tokenCommand, tokens come from running it; otherwise
// secret is used as a static bearer token.
func NewHTTPClient(secret, tokenCommand string) (*http.Client, error) {
	var src oauth2.TokenSource
	switch {
	case tokenCommand != "":
		fields := strings.Fields(tokenCommand)
		src = &commandTokenSource{name: fields[0], args: fields[1:]}
	case secret != "":
		src = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: secret})
	default:
		return nil, errors.New("gmail remote needs a secret or a token command")
	}

	trans := &oauth2.Transport{
		Source: oauth2.ReuseTokenSource(nil, src),
	}
	return &http.Client{Transport: trans}, nil
}
