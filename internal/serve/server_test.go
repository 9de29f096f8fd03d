package serve

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livetree/livetree/internal/api"
	"github.com/livetree/livetree/internal/dom"
	"github.com/livetree/livetree/internal/metrics"
	"github.com/livetree/livetree/internal/patch"
	"github.com/livetree/livetree/internal/session"
)

const waitFor = 2 * time.Second

type testServer struct {
	*Server
	http *httptest.Server
	reg  *prometheus.Registry
}

func newTestServer(t *testing.T, opts Options) *testServer {
	t.Helper()
	reg := prometheus.NewRegistry()
	opts.Metrics = metrics.NewServer(reg)
	opts.Gatherer = reg

	srv := NewServer(mustParse(t, sampleProject), opts)
	mux := http.NewServeMux()
	srv.SetupRoutes(mux)
	hs := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		hs.Close()
	})
	return &testServer{Server: srv, http: hs, reg: reg}
}

func TestInfoAndRead(t *testing.T) {
	ts := newTestServer(t, Options{})
	client := api.NewClient(ts.http.URL, "")
	ctx := context.Background()

	info, err := client.Connect(ctx)
	require.NoError(t, err)
	assert.Equal(t, ts.SessionID(), info.SessionID)
	assert.Equal(t, "MyGame", info.ProjectName)
	assert.Equal(t, Version, info.ServerVersion)
	assert.Equal(t, ts.Tree().Root(), info.RootInstanceID)

	ts.Queue().Push(patch.New())
	resp, err := client.Read(ctx, []patch.Ref{info.RootInstanceID})
	require.NoError(t, err)
	assert.Equal(t, int64(1), resp.MessageCursor)
	assert.Len(t, resp.Instances, 4)

	_, err = client.Read(ctx, []patch.Ref{"missing"})
	assert.ErrorContains(t, err, "unknown instance")
}

func TestAuthorize(t *testing.T) {
	ts := newTestServer(t, Options{Token: "secret"})

	_, err := api.NewClient(ts.http.URL, "wrong").Connect(context.Background())
	assert.ErrorContains(t, err, "unauthorized")

	_, err = api.NewClient(ts.http.URL, "secret").Connect(context.Background())
	assert.NoError(t, err)

	resp, err := http.Get(ts.http.URL + "/api/info?token=secret")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	expected := `
# HELP livetree_server_requests_total API requests by endpoint and result
# TYPE livetree_server_requests_total counter
livetree_server_requests_total{endpoint="info",status="error"} 1
livetree_server_requests_total{endpoint="info",status="success"} 2
`
	assert.NoError(t, testutil.GatherAndCompare(ts.reg, strings.NewReader(expected), "livetree_server_requests_total"))
}

func TestWrite(t *testing.T) {
	ts := newTestServer(t, Options{})
	client := api.NewClient(ts.http.URL, "")
	ctx := context.Background()
	_, err := client.Connect(ctx)
	require.NoError(t, err)

	partID, _ := find(t, ts.Tree(), "Workspace", "Part")
	require.NoError(t, client.Write(ctx, patch.Rename(partID, "Brick")))

	_, part := find(t, ts.Tree(), "Workspace", "Brick")
	assert.Equal(t, "Part", part.ClassName)
	assert.Equal(t, int64(1), ts.Queue().Cursor())

	err = client.Write(ctx, patch.Rename("missing", "X"))
	assert.ErrorContains(t, err, "unknown instance")
	assert.Equal(t, int64(1), ts.Queue().Cursor(), "rejected writes are not published")
}

func TestReadMatchesCursorDuringWrites(t *testing.T) {
	ts := newTestServer(t, Options{})
	writer := api.NewClient(ts.http.URL, "")
	reader := api.NewClient(ts.http.URL, "")
	ctx := context.Background()
	_, err := writer.Connect(ctx)
	require.NoError(t, err)
	_, err = reader.Connect(ctx)
	require.NoError(t, err)

	partID, _ := find(t, ts.Tree(), "Workspace", "Part")
	const writes = 200
	done := make(chan error, 1)
	go func() {
		for i := 1; i <= writes; i++ {
			if err := writer.Write(ctx, patch.Rename(partID, fmt.Sprintf("n%d", i))); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	// Write i publishes cursor i, so a snapshot at cursor c names the part nc.
	for {
		resp, err := reader.Read(ctx, []patch.Ref{partID})
		require.NoError(t, err)
		want := "Part"
		if resp.MessageCursor > 0 {
			want = fmt.Sprintf("n%d", resp.MessageCursor)
		}
		require.Equal(t, want, resp.Instances[partID].Name, "snapshot at cursor %d", resp.MessageCursor)

		select {
		case err := <-done:
			require.NoError(t, err)
			assert.Equal(t, int64(writes), ts.Queue().Cursor())
			return
		default:
		}
	}
}

func TestWriteRejectsForeignSession(t *testing.T) {
	ts := newTestServer(t, Options{})
	body := strings.NewReader(`{"sessionId":"other","removed":[],"added":{},"updated":[]}`)
	resp, err := http.Post(ts.http.URL+"/api/write", "application/json", body)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var errResp api.ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&errResp))
	assert.Contains(t, errResp.Error, "other")
}

func TestSocketDeliversFromCursor(t *testing.T) {
	ts := newTestServer(t, Options{})
	client := api.NewClient(ts.http.URL, "")
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	_, err := client.Connect(ctx)
	require.NoError(t, err)

	partID, _ := find(t, ts.Tree(), "Workspace", "Part")
	first := patch.Rename(partID, "one")
	ts.Queue().Push(first)
	client.SetMessageCursor(1)
	ts.Queue().Push(patch.Rename(partID, "two"))

	msgs, err := client.RetrieveMessages(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "two", *msgs[0].Updated[0].ChangedName)
	assert.Equal(t, int64(2), client.MessageCursor())
	assert.Eventually(t, func() bool { return ts.hub.count() == 1 }, waitFor, 10*time.Millisecond)

	require.NoError(t, client.Disconnect(ctx))
	assert.Eventually(t, func() bool { return ts.hub.count() == 0 }, waitFor, 10*time.Millisecond)
}

func TestSocketExpiredCursor(t *testing.T) {
	ts := newTestServer(t, Options{MessageHistory: 1})
	ts.Queue().Push(patch.New())
	ts.Queue().Push(patch.New())

	url := "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/api/socket/0"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusGone, resp.StatusCode)
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		host    string
		want    bool
	}{
		{"no origin", nil, "", "example.com", true},
		{"same host", nil, "http://example.com", "example.com", true},
		{"loopback", nil, "http://localhost:3000", "example.com", true},
		{"foreign", nil, "http://evil.com", "example.com", false},
		{"allowed exact", []string{"http://studio.test"}, "http://studio.test", "example.com", true},
		{"allowed host", []string{"http://studio.test"}, "https://studio.test", "example.com", true},
		{"allow list excludes loopback", []string{"http://studio.test"}, "http://localhost", "example.com", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(mustParse(t, sampleProject), Options{AllowedOrigins: tt.allowed})
			defer s.Close()
			r := httptest.NewRequest(http.MethodGet, "/api/socket/0", nil)
			r.Host = tt.host
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, s.checkOrigin(r))
		})
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	ts := newTestServer(t, Options{})
	client := api.NewClient(ts.http.URL, "")
	partID, _ := find(t, ts.Tree(), "Workspace", "Part")
	assert.ErrorContains(t, client.Open(ctx, partID), "no open command")
	assert.ErrorContains(t, client.Open(ctx, "missing"), "unknown instance")

	ts = newTestServer(t, Options{OpenCommand: []string{"true", "{name}", "{class}", "{id}"}})
	client = api.NewClient(ts.http.URL, "")
	partID, _ = find(t, ts.Tree(), "Workspace", "Part")
	assert.NoError(t, client.Open(ctx, partID))

	ts = newTestServer(t, Options{OpenCommand: []string{"livetree-no-such-editor"}})
	client = api.NewClient(ts.http.URL, "")
	partID, _ = find(t, ts.Tree(), "Workspace", "Part")
	assert.ErrorContains(t, client.Open(ctx, partID), "not found")
}

func TestReloadProjectPublishes(t *testing.T) {
	ts := newTestServer(t, Options{})

	ts.ReloadProject(mustParse(t, sampleProject))
	assert.Equal(t, int64(0), ts.Queue().Cursor(), "an unchanged project publishes nothing")

	ts.ReloadProject(mustParse(t, `
name: Renamed
tree:
  className: DataModel
  children:
    Workspace:
      className: Workspace
      properties:
        Gravity: 196.2
`))
	msgs, next, err := ts.Queue().Since(0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), next)
	require.Len(t, msgs, 1)
	assert.Len(t, msgs[0].Removed, 2)
	assert.Equal(t, 2, ts.Tree().Len())
	expected := `
# HELP livetree_server_instances Instances in the served tree
# TYPE livetree_server_instances gauge
livetree_server_instances 2
`
	assert.NoError(t, testutil.GatherAndCompare(ts.reg, strings.NewReader(expected), "livetree_server_instances"))

	info, err := api.NewClient(ts.http.URL, "").Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Renamed", info.ProjectName)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, Options{})
	resp, err := http.Get(ts.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

// The session keeps a live tree in step with the server in both directions.
func TestSessionRoundTrip(t *testing.T) {
	ts := newTestServer(t, Options{})

	root := dom.New("DataModel", "game")
	stray := dom.New("Folder", "Stray")
	require.NoError(t, stray.SetParent(root))

	s := session.New(session.Options{
		API:        api.NewClient(ts.http.URL, ""),
		TwoWaySync: true,
		LiveRoot:   root,
	})
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Stop)

	var part *dom.Instance
	require.Eventually(t, func() bool {
		if ws := root.FindFirstChild("Workspace"); ws != nil {
			part = ws.FindFirstChild("Part")
		}
		return part != nil && s.Status() == session.Connected
	}, waitFor, 10*time.Millisecond)
	assert.True(t, stray.Destroyed())
	assert.NotNil(t, root.FindFirstChild("ServerScriptService"))
	anchored, _ := part.Get("Anchored")
	assert.Equal(t, true, anchored)

	// Live edits reach the server.
	part.SetName("Brick")
	wsID, _ := find(t, ts.Tree(), "Workspace")
	assert.Eventually(t, func() bool {
		ws, _ := ts.Tree().Instance(wsID)
		for _, child := range ws.Children {
			if c, _ := ts.Tree().Instance(child); c.Name == "Brick" {
				return true
			}
		}
		return false
	}, waitFor, 10*time.Millisecond)

	// Server changes reach the live tree.
	partID, ok := s.Instances().IDOf(part)
	require.True(t, ok)
	require.NoError(t, ts.Tree().Apply(patch.SetProperty(partID, "Anchored", patch.Bool(false))))
	ts.Queue().Push(patch.SetProperty(partID, "Anchored", patch.Bool(false)))
	assert.Eventually(t, func() bool {
		v, _ := part.Get("Anchored")
		return v == false
	}, waitFor, 10*time.Millisecond)

	s.Stop()
	select {
	case <-s.Done():
	case <-time.After(waitFor):
		t.Fatal("session did not stop")
	}
	assert.NoError(t, s.Err())
	assert.Eventually(t, func() bool { return ts.hub.count() == 0 }, waitFor, 10*time.Millisecond)
}
