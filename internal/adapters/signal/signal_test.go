package signal

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/confcast/internal/adapters/engine"
	"github.com/dkeye/confcast/internal/app"
	"github.com/dkeye/confcast/internal/app/orch"
	"github.com/dkeye/confcast/internal/core"
	"github.com/dkeye/confcast/internal/domain"
)

type frame struct {
	ID     *int            `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int64  `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func newServer(t *testing.T) (*httptest.Server, *orch.Orchestrator) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	rooms := core.NewRoomManager(engine.NewLoopback("127.0.0.1", 44000), core.RoomOptions{})
	o := orch.New(app.NewRegistry(), rooms, app.SimplePolicy{}, nil, nil)
	ctl := NewSignalWSController(o, Options{ReadLimit: 1 << 16, PingPeriod: time.Second})

	r := gin.New()
	r.GET("/signal/:room/:user", func(c *gin.Context) {
		id := domain.ParticipantID(c.Param("user"))
		ctl.HandleSignal(context.Background(), c, domain.RoomID(c.Param("room")), domain.Identity{ID: id, Name: string(id)})
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, o
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func call(t *testing.T, ws *websocket.Conn, id int, method string, params any) {
	t.Helper()
	msg := map[string]any{"jsonrpc": "2.0", "id": id, "method": method}
	if params != nil {
		msg["params"] = params
	}
	require.NoError(t, ws.WriteJSON(msg))
}

// next reads frames until one satisfies match.
func next(t *testing.T, ws *websocket.Conn, match func(frame) bool) frame {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var f frame
		require.NoError(t, ws.ReadJSON(&f))
		if match(f) {
			return f
		}
	}
}

func reply(id int) func(frame) bool {
	return func(f frame) bool { return f.ID != nil && *f.ID == id }
}

func TestSignal_RequestResponse(t *testing.T) {
	srv, _ := newServer(t)
	ws := dial(t, srv, "/signal/room-1/alice")

	call(t, ws, 1, "ping", nil)
	f := next(t, ws, reply(1))
	assert.JSONEq(t, `"pong"`, string(f.Result))

	call(t, ws, 2, "closeProducer", map[string]any{})
	f = next(t, ws, reply(2))
	require.NotNil(t, f.Error)
	assert.EqualValues(t, -32602, f.Error.Code)

	call(t, ws, 3, "nope", nil)
	f = next(t, ws, reply(3))
	require.NotNil(t, f.Error)
	assert.EqualValues(t, -32601, f.Error.Code)

	call(t, ws, 4, "createTransport", map[string]any{"consumer": true})
	f = next(t, ws, reply(4))
	require.NotNil(t, f.Error, "room does not exist before initialize")
	assert.EqualValues(t, CodeNotFound, f.Error.Code)

	// The connection survives request errors.
	call(t, ws, 5, "initialize", nil)
	f = next(t, ws, reply(5))
	assert.Nil(t, f.Error)
}

func TestSignal_BroadcastAndDisconnect(t *testing.T) {
	srv, o := newServer(t)
	alice := dial(t, srv, "/signal/room-1/alice")
	call(t, alice, 1, "initialize", nil)
	next(t, alice, reply(1))

	bob := dial(t, srv, "/signal/room-1/bob")
	call(t, bob, 1, "initialize", nil)
	next(t, bob, reply(1))

	joined := next(t, alice, func(f frame) bool { return f.Method == orch.NotifyParticipantJoined })
	assert.Nil(t, joined.ID)
	assert.Contains(t, string(joined.Params), `"userId":"bob"`)

	require.NoError(t, bob.Close())
	left := next(t, alice, func(f frame) bool { return f.Method == orch.NotifyParticipantLeft })
	assert.Contains(t, string(left.Params), `"id":"bob"`)

	require.Eventually(t, func() bool { return o.Registry.Count() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestRPCError(t *testing.T) {
	tests := []struct {
		err  error
		code int64
	}{
		{domain.ErrInvalidKind, -32602},
		{domain.ErrProducerNotFound, CodeNotFound},
		{domain.ErrNotOwner, CodeUnauthorized},
		{domain.ErrIncompatibleCapabilities, CodeIncompatible},
		{domain.ErrEngineUnavailable, CodeEngineUnavailable},
		{orch.ErrUnknownMethod, -32601},
		{assert.AnError, -32603},
	}
	for _, tt := range tests {
		e := rpcError(tt.err)
		assert.Equal(t, tt.code, e.Code, tt.err.Error())
		assert.Equal(t, tt.err.Error(), e.Message)
		require.NotNil(t, e.Data)
	}
}
