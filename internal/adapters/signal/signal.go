package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/jsonrpc2"

	"github.com/dkeye/confcast/internal/app/orch"
	"github.com/dkeye/confcast/internal/core"
	"github.com/dkeye/confcast/internal/domain"
)

const (
	sendQueue = 64
	writeWait = 5 * time.Second
)

type Options struct {
	ReadLimit  int64
	PingPeriod time.Duration
	// Trace logs every JSON-RPC frame at debug level.
	Trace bool
}

type SignalWSController struct {
	Orch *orch.Orchestrator
	opts Options
}

func NewSignalWSController(o *orch.Orchestrator, opts Options) *SignalWSController {
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = 30 * time.Second
	}
	return &SignalWSController{Orch: o, opts: opts}
}

// WsSignalConn is one signaling websocket. Writes go through a bounded queue
// drained by writePump.
type WsSignalConn struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newWsSignalConn(ws *websocket.Conn) *WsSignalConn {
	return &WsSignalConn{
		conn: ws,
		send: make(chan []byte, sendQueue),
		done: make(chan struct{}),
	}
}

// TrySend queues data without blocking.
func (c *WsSignalConn) TrySend(data []byte) error {
	select {
	case <-c.done:
		return core.ErrSignalClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return core.ErrSignalClosed
	default:
		return core.ErrBackpressure
	}
}

// sendWait queues data, waiting up to timeout for room in the queue.
func (c *WsSignalConn) sendWait(data []byte, timeout time.Duration) error {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return core.ErrSignalClosed
	case <-t.C:
		return core.ErrBackpressure
	}
}

// Notify sends a JSON-RPC notification.
func (c *WsSignalConn) Notify(_ context.Context, method string, params any) error {
	req := &jsonrpc2.Request{Method: method, Notif: true}
	if err := req.SetParams(params); err != nil {
		return err
	}
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return c.TrySend(data)
}

func (c *WsSignalConn) Close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// stream adapts the connection to jsonrpc2.ObjectStream.
type stream struct {
	c *WsSignalConn
}

func (s stream) WriteObject(obj any) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	return s.c.sendWait(data, writeWait)
}

func (s stream) ReadObject(v any) error {
	_, data, err := s.c.conn.ReadMessage()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (s stream) Close() error {
	s.c.Close()
	return nil
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request and serves JSON-RPC for identity in room
// until either side hangs up or the session is kicked.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context, room domain.RoomID, identity domain.Identity) {
	sid := core.SessionID(uuid.NewString())
	logger := log.With().Str("module", "signal").Str("sid", string(sid)).Str("room", string(room)).Logger()
	logger.Info().Str("participant", string(identity.ID)).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Error().Err(err).Msg("ws upgrade")
		return
	}
	if ctl.opts.ReadLimit > 0 {
		ws.SetReadLimit(ctl.opts.ReadLimit)
	}
	ctl.keepalive(ws)

	conn := newWsSignalConn(ws)
	ctx, cancel := context.WithCancel(ctx)
	ctl.Orch.Connect(sid, room, identity, conn, cancel)

	var opts []jsonrpc2.ConnOpt
	if ctl.opts.Trace {
		trace := logger.Level(zerolog.DebugLevel)
		opts = append(opts, jsonrpc2.LogMessages(&trace))
	}
	handler := jsonrpc2.AsyncHandler(jsonrpc2.HandlerWithError(ctl.handle(sid, logger)))
	rpc := jsonrpc2.NewConn(ctx, stream{c: conn}, handler, opts...)

	go ctl.writePump(ctx, conn)
	go func() {
		select {
		case <-rpc.DisconnectNotify():
		case <-ctx.Done():
		}
		cancel()
		_ = rpc.Close()
		conn.Close()
		ctl.Orch.Disconnect(sid)
		logger.Info().Msg("signal closed")
	}()
}

func (ctl *SignalWSController) handle(sid core.SessionID, logger zerolog.Logger) func(context.Context, *jsonrpc2.Conn, *jsonrpc2.Request) (any, error) {
	return func(ctx context.Context, _ *jsonrpc2.Conn, req *jsonrpc2.Request) (any, error) {
		var params json.RawMessage
		if req.Params != nil {
			params = *req.Params
		}
		res, err := ctl.Orch.Dispatch(ctx, sid, req.Method, params)
		if err != nil {
			logger.Warn().Err(err).Str("method", req.Method).Msg("request failed")
			return nil, rpcError(err)
		}
		return res, nil
	}
}
