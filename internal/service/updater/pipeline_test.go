package updater

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roehann/cota/internal/githash"
	"github.com/roehann/cota/internal/source"
	"github.com/roehann/cota/internal/thingsboard"
	"github.com/roehann/cota/internal/transport"
)

// TestService_Run_EndToEnd drives the full pipeline against real protocol
// clients talking to fake backend and repository servers: discovery,
// two-file download with digest verification, staging, swap, descriptor
// publish, UPDATED report and restart signal.
func TestService_Run_EndToEnd(t *testing.T) {
	t.Parallel()

	firmwareFiles := map[string]string{
		"app.py":          "print('version 2')\n",
		"util/helpers.py": "def helper(): return 2\n",
	}
	listing := []string{"app.py", "util/helpers.py"}

	// Repository hosting: tree-listing API plus raw-content host.
	apiServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/repos/o/r/git/trees/main", r.URL.Path)

		var entries []map[string]string
		for _, path := range listing {
			entries = append(entries, map[string]string{
				"path": path,
				"type": "blob",
				"sha":  githash.Blob([]byte(firmwareFiles[path])),
			})
		}

		require.NoError(t, json.NewEncoder(w).Encode(map[string]any{"tree": entries}))
	}))
	t.Cleanup(apiServer.Close)

	rawServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contents, ok := firmwareFiles[r.URL.Path[len("/o/r/main/"):]]
		if !ok {
			http.NotFound(w, r)
			return
		}

		_, _ = w.Write([]byte(contents))
	}))
	t.Cleanup(rawServer.Close)

	// Fleet backend: attributes and telemetry for one device token.
	var (
		telemetry       []map[string]any
		attributeWrites []map[string]any
	)

	repoURL := "https://github.com/o/r"
	backendServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/v1/device-token/attributes" && r.Method == http.MethodGet:
			response := make(map[string]any)
			if r.URL.Query().Has("sharedKeys") {
				response["shared"] = map[string]any{
					"fw_title":   "app",
					"fw_version": "2",
					"fw_url":     repoURL,
				}
			}

			if r.URL.Query().Has("clientKeys") {
				response["client"] = map[string]any{
					"fw_title": "app",
					// Stored as a number by the backend.
					"fw_version": 1,
				}
			}

			require.NoError(t, json.NewEncoder(w).Encode(response))
		case r.URL.Path == "/api/v1/device-token/attributes" && r.Method == http.MethodPost:
			var payload map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
			attributeWrites = append(attributeWrites, payload)
		case r.URL.Path == "/api/v1/device-token/telemetry" && r.Method == http.MethodPost:
			var payload map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
			telemetry = append(telemetry, payload)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(backendServer.Close)

	httpClient := transport.NewClient(transport.WithAttempts(2), transport.WithDelay(time.Millisecond))
	backend := thingsboard.NewClient(backendServer.URL, 0, "device-token", httpClient)
	fetcher := source.NewFetcher(httpClient,
		source.WithAPIBaseURL(apiServer.URL),
		source.WithRawBaseURL(rawServer.URL),
	)

	dir := seedLiveTree(t)
	restarter := &fakeRestarter{}
	service := NewService(backend, NewSourceFetcher(fetcher), restarter, dir)

	// Version 1 vs 2 differ, so an update is available.
	available, err := service.CheckAvailable(context.Background())
	require.NoError(t, err)
	require.True(t, available)

	require.NoError(t, service.Run(context.Background()))
	require.Equal(t, 1, restarter.calls)

	// Telemetry checkpoints arrive in pipeline order.
	var states []string
	for _, point := range telemetry {
		states = append(states, point["fw_state"].(string))
	}

	require.Equal(t, []string{
		"DOWNLOADING", "VERIFIED", "DOWNLOADED", "UPDATING", "UPDATED",
	}, states)

	// The backend now knows the device runs version 2.
	require.Equal(t, []map[string]any{{
		"fw_title":   "app",
		"fw_version": "2",
		"fw_url":     repoURL,
	}}, attributeWrites)

	// Live tree reflects the staged set plus allow-listed survivors.
	require.Equal(t, map[string]string{
		"main.py":         "print('v1')\n",
		"boot.py":         "boot\n",
		"settings.toml":   "token = \"secret\"\n",
		"lib/vendor.py":   "vendored dependency\n",
		"app.py":          "print('version 2')\n",
		"util/helpers.py": "def helper(): return 2\n",
	}, snapshotTree(t, dir))

	_, err = os.Stat(filepath.Join(dir, StagingDirName))
	require.ErrorIs(t, err, os.ErrNotExist)
}
