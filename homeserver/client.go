// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package homeserver talks to the Matrix homeserver on behalf of stream
// connections.
package homeserver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"

	"github.com/matrix-org/gomatrix"
	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/element-hq/matrix-sse/setup/config"
	"github.com/element-hq/matrix-sse/streamapi/types"
)

// Client issues client-server API requests to a single homeserver. It is
// safe for concurrent use; every request is made with the caller's
// access token.
type Client struct {
	cfg       *config.Homeserver
	transport http.RoundTripper
	tokens    *cache.Cache
}

func NewClient(cfg *config.Homeserver) *Client {
	return &Client{
		cfg:       cfg,
		transport: newTransport(cfg.AllowNetworkCIDRs, cfg.DenyNetworkCIDRs, cfg.DialTimeout),
		tokens:    cache.New(cfg.TokenCacheLifetime, 2*cfg.TokenCacheLifetime),
	}
}

// matrixClient returns a gomatrix client bound to ctx and accessToken.
// gomatrix clients are cheap, and binding one per request is what lets
// cancelling ctx abort the request.
func (c *Client) matrixClient(ctx context.Context, accessToken string) (*gomatrix.Client, error) {
	cli, err := gomatrix.NewClient(c.cfg.URL, "", accessToken)
	if err != nil {
		return nil, err
	}
	cli.Prefix = c.cfg.ClientAPIPrefix
	cli.Client = &http.Client{
		Transport: &contextTransport{ctx: ctx, base: c.transport},
	}
	return cli, nil
}

// Sync performs one /sync request. It blocks until the homeserver
// responds, which for an incremental sync with a timeout is when new data
// arrives or the timeout expires. A request outliving the configured
// query timeout fails with context.DeadlineExceeded.
func (c *Client) Sync(ctx context.Context, accessToken string, req types.SyncRequest) (*types.SyncResult, error) {
	if req.Timeout == 0 {
		req.Timeout = c.cfg.SyncTimeout
	}
	if c.cfg.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.QueryTimeout)
		defer cancel()
	}
	cli, err := c.matrixClient(ctx, accessToken)
	if err != nil {
		return nil, wrapError("sync", err)
	}

	var raw json.RawMessage
	urlPath := cli.BuildURLWithQuery([]string{"sync"}, req.QueryParams())
	if err = cli.MakeRequest(http.MethodGet, urlPath, nil, &raw); err != nil {
		return nil, wrapError("sync", err)
	}
	if !gjson.ValidBytes(raw) {
		return nil, wrapError("sync", errors.New("homeserver returned invalid JSON"))
	}
	nextBatch := gjson.GetBytes(raw, "next_batch")
	if nextBatch.Type != gjson.String || nextBatch.Str == "" {
		return nil, wrapError("sync", errors.New("homeserver response is missing next_batch"))
	}
	return &types.SyncResult{
		NextBatch: nextBatch.Str,
		Raw:       raw,
	}, nil
}

// Versions returns the client-server API versions the homeserver supports.
func (c *Client) Versions(ctx context.Context) ([]string, error) {
	cli, err := c.matrixClient(ctx, "")
	if err != nil {
		return nil, wrapError("versions", err)
	}
	resp, err := cli.Versions()
	if err != nil {
		return nil, wrapError("versions", err)
	}
	return resp.Versions, nil
}

// CheckVersions verifies that the homeserver is reachable and supports at
// least the configured minimum client-server API version.
func (c *Client) CheckVersions(ctx context.Context) error {
	versions, err := c.Versions(ctx)
	if err != nil {
		return errors.Wrap(err, "unable to verify homeserver connection, check homeserver.url")
	}
	if len(versions) == 0 {
		return errors.New("homeserver advertises no client-server API versions")
	}
	if c.cfg.MinimumVersion == "" {
		return nil
	}
	minimum, err := config.ParseClientVersion(c.cfg.MinimumVersion)
	if err != nil {
		return errors.Wrap(err, "invalid minimum version")
	}
	for _, v := range versions {
		parsed, err := config.ParseClientVersion(v)
		if err != nil {
			logrus.WithField("version", v).Debug("Ignoring unparseable homeserver version")
			continue
		}
		if !parsed.LessThan(minimum) {
			return nil
		}
	}
	return errors.Errorf("homeserver supports %v, need at least %s", versions, c.cfg.MinimumVersion)
}

type whoamiResponse struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id,omitempty"`
}

// WhoAmI returns the user ID that owns accessToken.
func (c *Client) WhoAmI(ctx context.Context, accessToken string) (string, error) {
	cli, err := c.matrixClient(ctx, accessToken)
	if err != nil {
		return "", wrapError("whoami", err)
	}
	var resp whoamiResponse
	if err = cli.MakeRequest(http.MethodGet, cli.BuildURL("account", "whoami"), nil, &resp); err != nil {
		return "", wrapError("whoami", err)
	}
	return resp.UserID, nil
}

// VerifyToken is WhoAmI with the answer remembered for the configured
// token cache lifetime. Tokens are only held in memory as hashes.
func (c *Client) VerifyToken(ctx context.Context, accessToken string) (string, error) {
	sum := sha256.Sum256([]byte(accessToken))
	key := hex.EncodeToString(sum[:])
	if userID, ok := c.tokens.Get(key); ok {
		return userID.(string), nil
	}
	userID, err := c.WhoAmI(ctx, accessToken)
	if err != nil {
		return "", err
	}
	c.tokens.SetDefault(key, userID)
	return userID, nil
}
