package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"
)

// RemoteVerifier delegates to the auth service's /v1/auth/verify endpoint.
// Concurrent checks of the same token share one upstream call.
type RemoteVerifier struct {
	verifyURL string
	client    *http.Client
	group     singleflight.Group
}

// NewRemoteVerifier takes the auth service base URL without a path.
func NewRemoteVerifier(baseURL string, timeout time.Duration) *RemoteVerifier {
	if timeout <= 0 {
		timeout = 1200 * time.Millisecond
	}
	return &RemoteVerifier{
		verifyURL: strings.TrimRight(baseURL, "/") + "/v1/auth/verify",
		client:    &http.Client{Timeout: timeout},
	}
}

func (v *RemoteVerifier) Verify(ctx context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrMissingToken
	}
	res, err, _ := v.group.Do(token, func() (any, error) {
		return v.call(ctx, token)
	})
	if err != nil {
		return Identity{}, err
	}
	return res.(Identity), nil
}

func (v *RemoteVerifier) call(ctx context.Context, token string) (Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.verifyURL, bytes.NewReader([]byte("{}")))
	if err != nil {
		return Identity{}, fmt.Errorf("build verify request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return Identity{}, fmt.Errorf("auth upstream: %w", err)
	}
	defer resp.Body.Close()

	var body bytes.Buffer
	if _, err := body.ReadFrom(resp.Body); err != nil {
		return Identity{}, fmt.Errorf("read verify response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		msg := gjson.GetBytes(body.Bytes(), "error").String()
		if msg == "" {
			msg = "rejected by auth service"
		}
		return Identity{}, fmt.Errorf("%w: %s", ErrInvalidToken, msg)
	case resp.StatusCode != http.StatusOK:
		return Identity{}, fmt.Errorf("auth upstream: status %d", resp.StatusCode)
	}

	if !json.Valid(body.Bytes()) {
		return Identity{}, fmt.Errorf("auth upstream: invalid verify response")
	}
	parsed := gjson.ParseBytes(body.Bytes())
	if typ := parsed.Get("type").String(); typ != "" && typ != "access" {
		return Identity{}, fmt.Errorf("%w: access token required", ErrInvalidToken)
	}
	uid := parsed.Get("userId")
	if !uid.Exists() {
		uid = parsed.Get("sub")
	}
	id := uid.String()
	if uid.Type == gjson.Number {
		id = strconv.FormatUint(uid.Uint(), 10)
	}
	if id == "" || id == "0" {
		return Identity{}, fmt.Errorf("%w: no user in verify response", ErrInvalidToken)
	}
	return Identity{UserID: id, Username: parsed.Get("username").String(), Email: parsed.Get("email").String()}, nil
}
