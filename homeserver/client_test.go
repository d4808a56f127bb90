// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package homeserver

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/element-hq/matrix-sse/setup/config"
	"github.com/element-hq/matrix-sse/streamapi/types"
)

func testConfig(url string) *config.Homeserver {
	cfg := &config.Homeserver{}
	cfg.Defaults()
	cfg.URL = url
	return cfg
}

// accessToken returns the token a request was made with, wherever gomatrix
// chose to put it.
func accessToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("access_token")
}

func TestSyncForwardsParameters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/_matrix/client/v3/sync", r.URL.Path)
		assert.Equal(t, "secret", accessToken(r))
		q := r.URL.Query()
		assert.Equal(t, "s1", q.Get("since"))
		assert.Equal(t, "42", q.Get("filter"))
		assert.Equal(t, "30000", q.Get("timeout"))
		assert.False(t, q.Has("full_state"))
		assert.False(t, q.Has("set_presence"))
		_, _ = w.Write([]byte(`{"next_batch":"s2","rooms":{"join":{}}}`))
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL))
	res, err := c.Sync(context.Background(), "secret", types.SyncRequest{Since: "s1", Filter: "42"})
	require.NoError(t, err)
	assert.Equal(t, "s2", res.NextBatch)
	assert.JSONEq(t, `{"next_batch":"s2","rooms":{"join":{}}}`, string(res.Raw))
}

func TestSyncMatrixError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"errcode":"M_UNKNOWN_TOKEN","error":"Unknown access token"}`))
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL))
	_, err := c.Sync(context.Background(), "stale", types.SyncRequest{})
	require.Error(t, err)

	var hsErr *Error
	require.True(t, errors.As(err, &hsErr))
	assert.Equal(t, http.StatusUnauthorized, hsErr.HTTPStatus())
	assert.Equal(t, "M_UNKNOWN_TOKEN", hsErr.MatrixErrCode())
	assert.True(t, IsUnknownToken(err))
}

func TestSyncRejectsResponseWithoutNextBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"rooms":{}}`))
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL))
	_, err := c.Sync(context.Background(), "secret", types.SyncRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "next_batch")
	assert.False(t, IsUnknownToken(err))
}

func TestSyncCancellationAbortsRequest(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewClient(testConfig(srv.URL))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Sync(ctx, "secret", types.SyncRequest{})
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(5 * time.Second):
		t.Fatal("cancelling the context did not abort the sync request")
	}
}

func TestVerifyTokenIsCached(t *testing.T) {
	calls := atomic.NewInt32(0)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Inc()
		assert.Equal(t, "/_matrix/client/v3/account/whoami", r.URL.Path)
		if accessToken(r) != "good" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"errcode":"M_UNKNOWN_TOKEN","error":"nope"}`))
			return
		}
		_, _ = w.Write([]byte(`{"user_id":"@alice:example.org"}`))
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL))
	for i := 0; i < 3; i++ {
		userID, err := c.VerifyToken(context.Background(), "good")
		require.NoError(t, err)
		assert.Equal(t, "@alice:example.org", userID)
	}
	assert.Equal(t, int32(1), calls.Load())

	_, err := c.VerifyToken(context.Background(), "bad")
	require.Error(t, err)
	assert.True(t, IsUnknownToken(err))
	_, _ = c.VerifyToken(context.Background(), "bad")
	assert.Equal(t, int32(3), calls.Load(), "failures must not be cached")
}

func TestCheckVersions(t *testing.T) {
	tests := []struct {
		name     string
		versions string
		minimum  string
		wantErr  bool
	}{
		{name: "modern server", versions: `["r0.6.1","v1.1","v1.11"]`, minimum: "r0.5.0"},
		{name: "too old", versions: `["r0.0.1","r0.1.0"]`, minimum: "r0.5.0", wantErr: true},
		{name: "no minimum", versions: `["r0.0.1"]`, minimum: ""},
		{name: "nothing advertised", versions: `[]`, minimum: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/_matrix/client/versions", r.URL.Path)
				_, _ = w.Write([]byte(`{"versions":` + tt.versions + `}`))
			}))
			defer srv.Close()

			cfg := testConfig(srv.URL)
			cfg.MinimumVersion = tt.minimum
			err := NewClient(cfg).CheckVersions(context.Background())
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCheckVersionsUnreachable(t *testing.T) {
	c := NewClient(testConfig("http://127.0.0.1:1"))
	err := c.CheckVersions(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unable to verify homeserver connection")
}

func TestIsAllowed(t *testing.T) {
	allow := parseCIDRs([]string{"10.0.0.0/8"})
	deny := parseCIDRs([]string{"10.1.0.0/16", "169.254.0.0/16"})

	assert.True(t, isAllowed(net.ParseIP("10.2.3.4"), allow, deny, true))
	assert.False(t, isAllowed(net.ParseIP("10.1.3.4"), allow, deny, true))
	assert.False(t, isAllowed(net.ParseIP("192.0.2.1"), allow, deny, true))

	assert.True(t, isAllowed(net.ParseIP("192.0.2.1"), nil, deny, false))
	assert.False(t, isAllowed(net.ParseIP("169.254.169.254"), nil, deny, false))
}

func TestSyncQueryTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.QueryTimeout = 100 * time.Millisecond
	_, err := NewClient(cfg).Sync(context.Background(), "secret", types.SyncRequest{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}
