// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package setup

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/matrix-sse/setup/config"
	"github.com/element-hq/matrix-sse/setup/process"
)

// fakeHomeserver serves /versions and an incrementing /sync.
func fakeHomeserver(t *testing.T, versions string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/_matrix/client/versions", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"versions":[%s]}`, versions)
	})
	mux.HandleFunc("/_matrix/client/v3/sync", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("since") != "" {
			<-r.Context().Done()
			return
		}
		fmt.Fprint(w, `{"next_batch":"s1","presence":{"events":[{"type":"m.presence"}]}}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(hsURL string) *config.MatrixSSE {
	cfg := &config.MatrixSSE{}
	cfg.Defaults()
	cfg.Listen = "127.0.0.1:0"
	cfg.Homeserver.URL = hsURL
	cfg.Metrics.Enabled = true
	return cfg
}

func TestServerStreamsAndStops(t *testing.T) {
	hs := fakeHomeserver(t, `"r0.6.1","v1.1"`)
	processCtx := process.NewProcessContext()
	srv, err := NewServer(context.Background(), testConfig(hs.URL), processCtx)
	require.NoError(t, err)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() { served <- srv.Serve(listener) }()
	base := "http://" + listener.Addr().String()

	res, err := http.Get(base + "/_matrix/client/v3/sync/sse?access_token=secret")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	r := bufio.NewReader(res.Body)
	var lines []string
	for len(lines) < 3 {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, ":") || line == "\n" {
			continue
		}
		lines = append(lines, strings.TrimSuffix(line, "\n"))
	}
	assert.Equal(t, []string{
		"event: sync",
		"id: s1",
		`data: {"presence":{"events":[{"type":"m.presence"}]}}`,
	}, lines)

	metrics, err := http.Get(base + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(metrics.Body)
	metrics.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "matrixsse_stream_active_connections 1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))
	require.NoError(t, <-served)

	// The stream ends once the server shuts down.
	_, err = io.ReadAll(r)
	assert.NoError(t, err)
	assert.Equal(t, 0, srv.Pool().Registry().Len())
}

func TestServerRefusesOldHomeserver(t *testing.T) {
	hs := fakeHomeserver(t, `"r0.0.1"`)
	_, err := NewServer(context.Background(), testConfig(hs.URL), process.NewProcessContext())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "need at least r0.5.0")
}

func TestServerDegradesWithoutStartupCheck(t *testing.T) {
	hs := fakeHomeserver(t, `"r0.0.1"`)
	cfg := testConfig(hs.URL)
	cfg.Homeserver.VerifyOnStartup = false
	processCtx := process.NewProcessContext()
	srv, err := NewServer(context.Background(), cfg, processCtx)
	require.NoError(t, err)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	}()

	require.Eventually(t, func() bool {
		degraded, _ := processCtx.IsDegraded()
		return degraded
	}, 5*time.Second, 10*time.Millisecond)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/_matrixsse/admin/status", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"degraded"`)
}
