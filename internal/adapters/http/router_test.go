package http_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/confcast/internal/adapters/engine"
	router "github.com/dkeye/confcast/internal/adapters/http"
	"github.com/dkeye/confcast/internal/adapters/signal"
	"github.com/dkeye/confcast/internal/adapters/store"
	"github.com/dkeye/confcast/internal/app"
	"github.com/dkeye/confcast/internal/app/compositor"
	"github.com/dkeye/confcast/internal/app/orch"
	"github.com/dkeye/confcast/internal/config"
	"github.com/dkeye/confcast/internal/core"
	"github.com/dkeye/confcast/internal/domain"
	"github.com/dkeye/confcast/internal/metrics"
)

type stillProcess struct {
	done chan struct{}
	once sync.Once
}

func (p *stillProcess) Pid() int              { return 1 }
func (p *stillProcess) Done() <-chan struct{} { return p.done }
func (p *stillProcess) Err() error            { return nil }

func (p *stillProcess) Stop(time.Duration) error {
	p.once.Do(func() { close(p.done) })
	return nil
}

// hlsLauncher writes what ffmpeg would: a playlist with one segment.
type hlsLauncher struct{}

func (hlsLauncher) Launch(_ context.Context, spec compositor.LaunchSpec) (compositor.Process, error) {
	playlist := "#EXTM3U\n#EXTINF:2.0,\nsegment_000.ts\n"
	if err := os.WriteFile(filepath.Join(spec.Dir, compositor.PlaylistName), []byte(playlist), 0o644); err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(spec.Dir, "segment_000.ts"), []byte("ts"), 0o644); err != nil {
		return nil, err
	}
	return &stillProcess{done: make(chan struct{})}, nil
}

type fixture struct {
	srv     *httptest.Server
	rooms   *core.RoomManager
	streams *compositor.Manager
}

func newFixture(t *testing.T, withStreams bool) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	users := store.NewMemory()
	rooms := core.NewRoomManager(engine.NewLoopback("127.0.0.1", 46000), core.RoomOptions{Users: users, Metrics: m})
	f := &fixture{rooms: rooms}

	deps := router.Deps{
		Users:     users,
		Directory: app.NewRoomDirectory(users, rooms),
		Gatherer:  reg,
	}
	if withStreams {
		f.streams = compositor.NewManager(ctx, hlsLauncher{}, compositor.Config{
			OutputDir: t.TempDir(),
			Debounce:  10 * time.Millisecond,
		}, m)
		rooms.Observe(f.streams.Hooks())
		t.Cleanup(f.streams.Close)
		deps.Streams = f.streams
	}
	o := orch.New(app.NewRegistry(), rooms, app.SimplePolicy{}, nil, m)
	deps.Signal = signal.NewSignalWSController(o, signal.Options{PingPeriod: time.Second})

	cfg := &config.Config{Mode: "test", Secret: "test-secret", PublicURL: "http://cast.local"}
	f.srv = httptest.NewServer(router.SetupRouter(ctx, cfg, deps))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) client(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &http.Client{Jar: jar}
}

func do(t *testing.T, c *http.Client, method, url string, body any) (int, map[string]any) {
	t.Helper()
	var payload *strings.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		payload = strings.NewReader(string(raw))
	} else {
		payload = strings.NewReader("")
	}
	req, err := http.NewRequest(method, url, payload)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func TestRouter_SessionAndRooms(t *testing.T) {
	f := newFixture(t, false)
	alice := f.client(t)

	status, _ := do(t, alice, http.MethodGet, f.srv.URL+"/api/session", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, body := do(t, alice, http.MethodPost, f.srv.URL+"/api/session", map[string]string{"name": ""})
	assert.Equal(t, http.StatusBadRequest, status)
	status, body = do(t, alice, http.MethodPost, f.srv.URL+"/api/session", map[string]string{"name": "alice"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "alice", body["name"])
	assert.Equal(t, domain.DefaultAvatar, body["imgSrc"])
	userID := body["id"]

	status, body = do(t, alice, http.MethodGet, f.srv.URL+"/api/session", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, userID, body["id"])

	status, _ = do(t, f.client(t), http.MethodPost, f.srv.URL+"/api/rooms", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, body = do(t, alice, http.MethodPost, f.srv.URL+"/api/rooms", map[string]bool{"inviteOnly": true})
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, userID, body["creator"])
	assert.Equal(t, true, body["inviteOnly"])
	roomID := body["id"].(string)

	status, body = do(t, alice, http.MethodGet, f.srv.URL+"/api/rooms/"+roomID, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, body["live"])

	status, _ = do(t, alice, http.MethodGet, f.srv.URL+"/api/rooms/nope", nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = do(t, alice, http.MethodGet, f.srv.URL+"/healthz", nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestRouter_SignalUpgrade(t *testing.T) {
	f := newFixture(t, false)
	alice := f.client(t)
	status, _ := do(t, alice, http.MethodPost, f.srv.URL+"/api/session", map[string]string{"name": "alice"})
	require.Equal(t, http.StatusOK, status)
	_, room := do(t, alice, http.MethodPost, f.srv.URL+"/api/rooms", nil)
	roomID := room["id"].(string)

	status, _ = do(t, f.client(t), http.MethodGet, f.srv.URL+"/api/rooms/"+roomID+"/signal", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	status, _ = do(t, alice, http.MethodGet, f.srv.URL+"/api/rooms/nope/signal", nil)
	assert.Equal(t, http.StatusNotFound, status)

	u := f.srv.URL + "/api/rooms/" + roomID + "/signal"
	cookies := alice.Jar.Cookies(mustURL(t, u))
	header := http.Header{}
	for _, c := range cookies {
		header.Add("Cookie", c.String())
	}
	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(u, "http"), header)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteJSON(map[string]any{"jsonrpc": "2.0", "id": 1, "method": "initialize"}))
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var resp struct {
		ID     int             `json:"id"`
		Result json.RawMessage `json:"result"`
	}
	require.NoError(t, ws.ReadJSON(&resp))
	assert.Equal(t, 1, resp.ID)

	require.Eventually(t, func() bool {
		r, ok := f.rooms.Get(domain.RoomID(roomID))
		return ok && r.ParticipantCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRouter_Streams(t *testing.T) {
	t.Run("compositor disabled", func(t *testing.T) {
		f := newFixture(t, false)
		status, _ := do(t, f.client(t), http.MethodGet, f.srv.URL+"/api/rooms/r1/stream/playlist.m3u8", nil)
		assert.Equal(t, http.StatusNotFound, status)
		status, _ = do(t, f.client(t), http.MethodGet, f.srv.URL+"/api/rooms/r1/stream/passwd", nil)
		assert.Equal(t, http.StatusBadRequest, status)
	})

	t.Run("live room", func(t *testing.T) {
		f := newFixture(t, true)
		ctx := context.Background()
		room, _, err := f.rooms.Join(ctx, "r1", domain.Identity{ID: "alice", Name: "alice"})
		require.NoError(t, err)
		_, err = room.Capabilities(ctx)
		require.NoError(t, err)
		desc, err := room.CreateTransport(ctx, "alice", domain.DirectionSend)
		require.NoError(t, err)
		_, err = room.CreateProducer(ctx, "alice", desc.ID, domain.KindAudio, domain.RTPParameters{
			Codecs:    []domain.CodecParameters{{MimeType: "audio/opus", PayloadType: 111, ClockRate: 48000, Channels: 2}},
			Encodings: []domain.Encoding{{SSRC: 1111}},
		}, nil)
		require.NoError(t, err)

		c := f.client(t)
		require.Eventually(t, func() bool {
			resp, err := c.Get(f.srv.URL + "/api/rooms/r1/stream/playlist.m3u8")
			if err != nil {
				return false
			}
			defer resp.Body.Close()
			return resp.StatusCode == http.StatusOK
		}, 2*time.Second, 10*time.Millisecond)

		resp, err := c.Get(f.srv.URL + "/api/rooms/r1/stream/playlist.m3u8")
		require.NoError(t, err)
		raw := new(strings.Builder)
		_, err = copyBody(raw, resp)
		require.NoError(t, err)
		assert.Equal(t, "application/vnd.apple.mpegurl", resp.Header.Get("Content-Type"))
		assert.Contains(t, raw.String(), "http://cast.local/api/rooms/r1/stream/segment_000.ts")

		status, _ := do(t, c, http.MethodGet, f.srv.URL+"/api/rooms/r1/stream/segment_000.ts", nil)
		assert.Equal(t, http.StatusOK, status)
		status, _ = do(t, c, http.MethodGet, f.srv.URL+"/api/rooms/r1/stream/segment_999.ts", nil)
		assert.Equal(t, http.StatusNotFound, status)

		status, _ = do(t, c, http.MethodGet, f.srv.URL+"/metrics", nil)
		assert.Equal(t, http.StatusOK, status)
	})
}

func dialSignal(t *testing.T, f *fixture, c *http.Client, roomID string) (*websocket.Conn, error) {
	t.Helper()
	u := f.srv.URL + "/api/rooms/" + roomID + "/signal"
	header := http.Header{}
	for _, cookie := range c.Jar.Cookies(mustURL(t, u)) {
		header.Add("Cookie", cookie.String())
	}
	ws, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(u, "http"), header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return ws, err
}

func TestRouter_InviteOnlyAdmission(t *testing.T) {
	f := newFixture(t, false)
	users := map[string]*http.Client{}
	ids := map[string]any{}
	for _, name := range []string{"alice", "bob", "carol"} {
		users[name] = f.client(t)
		status, body := do(t, users[name], http.MethodPost, f.srv.URL+"/api/session", map[string]string{"name": name})
		require.Equal(t, http.StatusOK, status)
		ids[name] = body["id"]
	}
	alice, bob, carol := users["alice"], users["bob"], users["carol"]

	status, room := do(t, alice, http.MethodPost, f.srv.URL+"/api/rooms", map[string]bool{"inviteOnly": true})
	require.Equal(t, http.StatusCreated, status)
	roomID := room["id"].(string)
	base := f.srv.URL + "/api/rooms/" + roomID

	// The creator needs no admission.
	ws, err := dialSignal(t, f, alice, roomID)
	require.NoError(t, err)
	ws.Close()

	status, _ = do(t, bob, http.MethodGet, base+"/signal", nil)
	assert.Equal(t, http.StatusForbidden, status)
	status, _ = do(t, bob, http.MethodGet, base+"/admission", nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, body := do(t, bob, http.MethodPost, base+"/admission", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "waiting", body["status"])
	assert.Equal(t, "bob", body["userName"])
	status, _ = do(t, carol, http.MethodPost, base+"/admission", nil)
	require.Equal(t, http.StatusOK, status)

	status, _ = do(t, bob, http.MethodGet, base+"/waiters", nil)
	assert.Equal(t, http.StatusForbidden, status)
	status, body = do(t, alice, http.MethodGet, base+"/waiters", nil)
	require.Equal(t, http.StatusOK, status)
	waiting := body["waitingList"].([]any)
	require.Len(t, waiting, 2)
	assert.Equal(t, ids["bob"], waiting[0].(map[string]any)["userId"])

	decided := make(chan any, 1)
	go func() {
		resp, err := bob.Get(base + "/admission?wait=true")
		if err != nil {
			decided <- err
			return
		}
		defer resp.Body.Close()
		out := map[string]any{}
		_ = json.NewDecoder(resp.Body).Decode(&out)
		decided <- out["status"]
	}()

	status, _ = do(t, bob, http.MethodPost, base+"/admit", map[string]any{"userId": ids["bob"]})
	assert.Equal(t, http.StatusForbidden, status)
	status, body = do(t, alice, http.MethodPost, base+"/admit", map[string]any{"userId": ids["bob"]})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "admitted", body["status"])
	select {
	case got := <-decided:
		assert.Equal(t, "admitted", got)
	case <-time.After(2 * time.Second):
		t.Fatal("long poll not woken by the decision")
	}

	ws, err = dialSignal(t, f, bob, roomID)
	require.NoError(t, err)
	ws.Close()

	status, body = do(t, alice, http.MethodPost, base+"/reject", map[string]any{"userId": ids["carol"]})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "rejected", body["status"])
	status, body = do(t, carol, http.MethodGet, base+"/admission", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "rejected", body["status"])
	status, _ = do(t, carol, http.MethodGet, base+"/signal", nil)
	assert.Equal(t, http.StatusForbidden, status)
	status, _ = do(t, alice, http.MethodPost, base+"/admit", map[string]any{"userId": "nobody"})
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = do(t, carol, http.MethodPatch, base, map[string]bool{"inviteOnly": false})
	assert.Equal(t, http.StatusForbidden, status)
	status, _ = do(t, alice, http.MethodPatch, base, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, status)
	status, body = do(t, alice, http.MethodPatch, base, map[string]bool{"inviteOnly": false})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, body["inviteOnly"])

	ws, err = dialSignal(t, f, carol, roomID)
	require.NoError(t, err)
	ws.Close()
}
