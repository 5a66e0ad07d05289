package rpcclient

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nspcc-dev/msgmon/pkg/msgrpc"
	"go.uber.org/zap"
)

// pendingRequest is a request waiting for its response. hook (if any) is
// called by the reader before it processes the next message.
type pendingRequest struct {
	ch   chan *msgrpc.Response
	hook func(*msgrpc.Response)
}

// wsConn is a single websocket connection with its reader and writer
// routines.
type wsConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	requests     chan *msgrpc.Request

	closeOnce sync.Once
	shutdown  chan struct{}
	// done is closed when the reader exits.
	done chan struct{}

	lock      sync.Mutex
	receivers map[uint64]pendingRequest
}

func newWSConn(ws *websocket.Conn, writeTimeout time.Duration) *wsConn {
	if writeTimeout <= 0 {
		writeTimeout = wsWriteLimit
	}
	return &wsConn{
		ws:           ws,
		writeTimeout: writeTimeout,
		requests:     make(chan *msgrpc.Request),
		shutdown:     make(chan struct{}),
		done:         make(chan struct{}),
		receivers:    make(map[uint64]pendingRequest),
	}
}

func (c *wsConn) register(id uint64, p pendingRequest) {
	c.lock.Lock()
	c.receivers[id] = p
	c.lock.Unlock()
}

func (c *wsConn) unregister(id uint64) {
	c.lock.Lock()
	delete(c.receivers, id)
	c.lock.Unlock()
}

// close makes the writer close the connection which in turn stops the reader.
func (c *wsConn) close() {
	c.closeOnce.Do(func() {
		close(c.shutdown)
	})
}

func (c *wsConn) reader(cl *WSClient) {
	defer close(c.done)
	defer c.close()

	c.ws.SetReadLimit(wsReadLimit)
	c.ws.SetPongHandler(func(string) error { return c.ws.SetReadDeadline(time.Now().Add(wsPongLimit)) })
	for {
		rr := new(requestResponse)
		_ = c.ws.SetReadDeadline(time.Now().Add(wsPongLimit))
		err := c.ws.ReadJSON(rr)
		if err != nil {
			// Timeout/connection loss/malformed response.
			cl.log.Debug("websocket read failed", zap.Error(err))
			return
		}
		switch {
		case rr.ID == nil && rr.Method != "":
			cl.notify(rr)
		case rr.ID != nil && (rr.Error != nil || rr.Result != nil):
			id, err := parseID(rr.ID)
			if err != nil {
				cl.log.Debug("bad response ID", zap.ByteString("id", rr.ID))
				continue
			}
			resp := new(msgrpc.Response)
			resp.ID = rr.ID
			resp.JSONRPC = rr.JSONRPC
			resp.Error = rr.Error
			resp.Result = rr.Result

			c.lock.Lock()
			p, ok := c.receivers[id]
			delete(c.receivers, id)
			c.lock.Unlock()
			if !ok {
				cl.log.Debug("unexpected response dropped", zap.Uint64("id", id))
				continue
			}
			if p.hook != nil {
				p.hook(resp)
			}
			select {
			case p.ch <- resp:
			default:
			}
		default:
			// Malformed response, neither valid request, nor valid response.
			cl.log.Debug("malformed message, closing connection")
			return
		}
	}
}

func (c *wsConn) writer() {
	pingTicker := time.NewTicker(wsPingPeriod)
	defer c.ws.Close()
	defer pingTicker.Stop()
	for {
		select {
		case <-c.shutdown:
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteLimit))
			_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-c.done:
			return
		case req := <-c.requests:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteJSON(req); err != nil {
				return
			}
		case <-pingTicker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteLimit))
			if err := c.ws.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				return
			}
		}
	}
}
