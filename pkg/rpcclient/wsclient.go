/*
Package rpcclient implements a websocket JSON-RPC client for message status
providers. WSClient implements msgmon.Provider and msgmon.Resender, so it can
be used as a Monitor backend directly.
*/
package rpcclient

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	lru "github.com/hashicorp/golang-lru"
	"github.com/nspcc-dev/msgmon/pkg/msgmon"
	"github.com/nspcc-dev/msgmon/pkg/msgmon/policy"
	"github.com/nspcc-dev/msgmon/pkg/msgrpc"
	"github.com/nspcc-dev/msgmon/pkg/util"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const (
	// Message limit for receiving side.
	wsReadLimit = 10 * 1024 * 1024

	// Disconnection timeout.
	wsPongLimit = 60 * time.Second

	// Ping period for connection liveness check.
	wsPingPeriod = wsPongLimit / 2

	// Write deadline.
	wsWriteLimit = wsPingPeriod / 2

	// DefaultDedupCacheSize is the default number of recently delivered
	// results remembered to filter out duplicates.
	DefaultDedupCacheSize = 4096
)

var (
	// ErrConnectionLost is returned when the connection to the server is lost
	// and can't be restored.
	ErrConnectionLost = errors.New("connection lost")
	// ErrUnknownSubscription is returned from Unsubscribe for unknown IDs.
	ErrUnknownSubscription = errors.New("unknown subscription")
	// ErrClosed is returned from the client methods after Close.
	ErrClosed = errors.New("client is closed")
)

// Options defines options for the WSClient.
type Options struct {
	// DialTimeout is the websocket handshake timeout.
	DialTimeout time.Duration
	// RequestTimeout limits the time spent waiting for a response, zero
	// means no limit except for the request context.
	RequestTimeout time.Duration
	// Reconnect controls reconnection attempts after the connection is lost,
	// zero value means the default network policy (unlimited attempts spaced
	// by one second).
	Reconnect policy.Policy
	// DedupCacheSize is the size of delivered results cache used to filter out
	// duplicate notifications, DefaultDedupCacheSize is used if it's zero.
	DedupCacheSize int
}

// WSClient is a websocket-enabled RPC client for message status providers. It
// keeps a persistent connection to the server restoring it along with all
// active subscriptions when it's lost.
type WSClient struct {
	endpoint string
	opts     Options
	log      *zap.Logger

	requestID *atomic.Uint64
	seen      *lru.Cache

	subsLock  sync.RWMutex
	subs      map[msgmon.SubscriptionID]*wsSubscription
	serverIDs map[string]msgmon.SubscriptionID

	connLock sync.RWMutex
	conn     *wsConn

	closeOnce sync.Once
	shutdown  chan struct{}
	done      chan struct{}
}

type wsSubscription struct {
	serverID string
	params   []msgmon.MessageMonitoringParams
	cb       msgmon.Callback
}

// seenKey identifies a result delivered for a subscription.
type seenKey struct {
	sub    msgmon.SubscriptionID
	hash   util.Uint256
	status msgmon.MessageMonitoringStatus
	err    string
}

// requestResponse is a combined type for request and response since we can get
// any of them here.
type requestResponse struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      json.RawMessage   `json:"id,omitempty"`
	Method  string            `json:"method,omitempty"`
	Params  []json.RawMessage `json:"params,omitempty"`
	Error   *msgrpc.Error     `json:"error,omitempty"`
	Result  json.RawMessage   `json:"result,omitempty"`
}

// NewWS returns a new WSClient ready to use (with established websocket
// connection). You need to use websocket URL for it like `ws://1.2.3.4/ws`.
func NewWS(ctx context.Context, endpoint string, opts Options, log *zap.Logger) (*WSClient, error) {
	if log == nil {
		log = zap.NewNop()
	}
	opts.Reconnect = opts.Reconnect.OrDefault(policy.DefaultNetwork())
	if opts.DedupCacheSize <= 0 {
		opts.DedupCacheSize = DefaultDedupCacheSize
	}
	seen, err := lru.New(opts.DedupCacheSize)
	if err != nil {
		return nil, err
	}
	c := &WSClient{
		endpoint:  endpoint,
		opts:      opts,
		log:       log,
		requestID: atomic.NewUint64(0),
		seen:      seen,
		subs:      make(map[msgmon.SubscriptionID]*wsSubscription),
		serverIDs: make(map[string]msgmon.SubscriptionID),
		shutdown:  make(chan struct{}),
		done:      make(chan struct{}),
	}
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	go c.supervise(conn)
	return c, nil
}

// Close closes connection to the remote side rendering this client instance
// unusable.
func (c *WSClient) Close() {
	c.closeOnce.Do(func() {
		close(c.shutdown)
	})
	<-c.done
}

// Subscribe implements msgmon.Provider. Notifications for the given messages
// are passed to cb from the connection reader routine.
func (c *WSClient) Subscribe(ctx context.Context, msgs []msgmon.MessageMonitoringParams, cb msgmon.Callback) (msgmon.SubscriptionID, error) {
	var (
		id  = msgmon.SubscriptionID(uuid.New().String())
		sub = &wsSubscription{params: msgs, cb: cb}
	)
	c.subsLock.Lock()
	c.subs[id] = sub
	c.subsLock.Unlock()

	conn, err := c.current()
	if err == nil {
		err = c.subscribe(ctx, conn, id, sub)
	}
	if err != nil {
		c.subsLock.Lock()
		delete(c.subs, id)
		serverID := sub.serverID
		if serverID != "" {
			delete(c.serverIDs, serverID)
		}
		c.subsLock.Unlock()
		if serverID != "" {
			go c.dropServerSubscription(conn, serverID)
		}
		return "", err
	}
	return id, nil
}

// Unsubscribe implements msgmon.Provider. No notifications are delivered for
// the subscription once it returns.
func (c *WSClient) Unsubscribe(ctx context.Context, id msgmon.SubscriptionID) error {
	c.subsLock.Lock()
	sub, ok := c.subs[id]
	if ok {
		delete(c.subs, id)
		delete(c.serverIDs, sub.serverID)
	}
	c.subsLock.Unlock()
	if !ok {
		return ErrUnknownSubscription
	}
	// A subscription being restored is dropped by the hook once the server
	// replies.
	if sub.serverID == "" {
		return nil
	}
	conn, err := c.current()
	if err != nil {
		return err
	}
	_, err = c.performRequest(ctx, conn, msgrpc.UnsubscribeMethod, nil, sub.serverID)
	return err
}

// SendMessage broadcasts the given serialized message and returns its hash.
func (c *WSClient) SendMessage(ctx context.Context, body []byte) (util.Uint256, error) {
	conn, err := c.current()
	if err != nil {
		return util.Uint256{}, err
	}
	raw, err := c.performRequest(ctx, conn, msgrpc.SendMessageMethod, nil, base64.StdEncoding.EncodeToString(body))
	if err != nil {
		return util.Uint256{}, err
	}
	res := new(msgrpc.SendMessageResult)
	if err := json.Unmarshal(raw, res); err != nil {
		return util.Uint256{}, fmt.Errorf("bad sendmessage result: %w", err)
	}
	h, err := util.Uint256DecodeStringLE(strings.TrimPrefix(res.Hash, "0x"))
	if err != nil {
		return util.Uint256{}, fmt.Errorf("bad sendmessage result: %w", err)
	}
	return h, nil
}

// Resend implements msgmon.Resender, messages without a body are skipped.
func (c *WSClient) Resend(ctx context.Context, msgs []msgmon.MessageMonitoringParams) error {
	var errs []error
	for _, m := range msgs {
		if len(m.Body) == 0 {
			continue
		}
		if _, err := c.SendMessage(ctx, m.Body); err != nil {
			errs = append(errs, fmt.Errorf("message %s: %w", m.Hash.StringLE(), err))
		}
	}
	return errors.Join(errs...)
}

func (c *WSClient) current() (*wsConn, error) {
	select {
	case <-c.shutdown:
		return nil, ErrClosed
	default:
	}
	c.connLock.RLock()
	defer c.connLock.RUnlock()
	if c.conn == nil {
		return nil, ErrConnectionLost
	}
	return c.conn, nil
}

func (c *WSClient) subscribe(ctx context.Context, conn *wsConn, id msgmon.SubscriptionID, sub *wsSubscription) error {
	// The server ID is registered by the reader before it proceeds to
	// subsequent notifications. The hook runs even if the caller has given up
	// already, server subscriptions nobody waits for are dropped then.
	var parseErr error
	register := func(resp *msgrpc.Response) {
		if resp.Error != nil {
			return
		}
		var serverID string
		if err := json.Unmarshal(resp.Result, &serverID); err != nil {
			parseErr = fmt.Errorf("bad subscription ID: %w", err)
			return
		}
		c.subsLock.Lock()
		s, ok := c.subs[id]
		if ok && s == sub {
			delete(c.serverIDs, s.serverID)
			s.serverID = serverID
			c.serverIDs[serverID] = id
		}
		c.subsLock.Unlock()
		if !ok || s != sub {
			go c.dropServerSubscription(conn, serverID)
		}
	}
	_, err := c.performRequest(ctx, conn, msgrpc.SubscribeMethod, register,
		msgrpc.MessageStatusEventID.String(), msgrpc.MessageFilter{Messages: sub.params})
	if err != nil {
		return err
	}
	// Successful performRequest means the hook is done.
	return parseErr
}

// dropServerSubscription unsubscribes from the server subscription that has
// no local counterpart.
func (c *WSClient) dropServerSubscription(conn *wsConn, serverID string) {
	ctx, cancel := context.WithTimeout(context.Background(), wsWriteLimit)
	defer cancel()
	_, err := c.performRequest(ctx, conn, msgrpc.UnsubscribeMethod, nil, serverID)
	if err != nil {
		c.log.Debug("failed to drop orphaned server subscription",
			zap.String("server id", serverID), zap.Error(err))
		return
	}
	c.log.Debug("orphaned server subscription dropped", zap.String("server id", serverID))
}

func (c *WSClient) performRequest(ctx context.Context, conn *wsConn, method string, hook func(*msgrpc.Response), params ...interface{}) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	req := msgrpc.NewRequest(c.requestID.Inc(), method, params...)
	ch := make(chan *msgrpc.Response, 1)
	conn.register(req.ID, pendingRequest{ch: ch, hook: hook})
	var written bool
	defer func() {
		// Hooks of written requests wait for the response anyway.
		if !written || hook == nil {
			conn.unregister(req.ID)
		}
	}()

	var timeout <-chan time.Time
	if c.opts.RequestTimeout > 0 {
		t := time.NewTimer(c.opts.RequestTimeout)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case conn.requests <- req:
		written = true
	case <-conn.done:
		return nil, ErrConnectionLost
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timeout:
		return nil, fmt.Errorf("%s: request timeout", method)
	}
	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-conn.done:
		return nil, ErrConnectionLost
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timeout:
		return nil, fmt.Errorf("%s: request timeout", method)
	}
}

// notify passes message results to the subscription callback.
func (c *WSClient) notify(rr *requestResponse) {
	event, err := msgrpc.GetEventIDFromString(rr.Method)
	if err != nil {
		c.log.Debug("unknown event dropped", zap.String("event", rr.Method))
		return
	}
	if event == msgrpc.MissedEventID {
		c.log.Warn("server reported missed events")
		return
	}
	var (
		serverID string
		results  []msgmon.MessageMonitoringResult
	)
	if len(rr.Params) != 2 {
		c.log.Warn("malformed notification", zap.Int("params", len(rr.Params)))
		return
	}
	if err := json.Unmarshal(rr.Params[0], &serverID); err != nil {
		c.log.Warn("malformed notification", zap.Error(err))
		return
	}
	if err := json.Unmarshal(rr.Params[1], &results); err != nil {
		c.log.Warn("malformed notification", zap.Error(err))
		return
	}

	// The lock is held while callback is running, so that Unsubscribe can
	// guarantee there are no callbacks after it returns.
	c.subsLock.RLock()
	defer c.subsLock.RUnlock()
	id, ok := c.serverIDs[serverID]
	if !ok {
		c.log.Debug("notification for unknown subscription dropped", zap.String("id", serverID))
		return
	}
	fresh := results[:0]
	for _, r := range results {
		key := seenKey{sub: id, hash: r.Hash, status: r.Status, err: r.Error}
		if ok, _ := c.seen.ContainsOrAdd(key, struct{}{}); ok {
			continue
		}
		fresh = append(fresh, r)
	}
	if len(fresh) != 0 {
		c.subs[id].cb(fresh)
	}
}

// supervise restores lost connections until the client is closed.
func (c *WSClient) supervise(conn *wsConn) {
	defer close(c.done)
	for {
		select {
		case <-c.shutdown:
			conn.close()
			<-conn.done
			return
		case <-conn.done:
		}
		c.log.Warn("connection lost", zap.String("endpoint", c.endpoint))
		c.connLock.Lock()
		c.conn = nil
		c.connLock.Unlock()

		conn = c.reconnect()
		if conn == nil {
			return
		}
		c.resubscribe(conn)
	}
}

func (c *WSClient) reconnect() *wsConn {
	counter := c.opts.Reconnect.NewCounter()
	for counter.Next() {
		select {
		case <-c.shutdown:
			return nil
		case <-time.After(c.opts.Reconnect.Interval):
		}
		conn, err := c.dial(context.Background())
		if err != nil {
			c.log.Debug("reconnection failed", zap.Uint32("attempt", counter.Retries()), zap.Error(err))
			continue
		}
		c.connLock.Lock()
		c.conn = conn
		c.connLock.Unlock()
		c.log.Info("connection restored", zap.String("endpoint", c.endpoint))
		return conn
	}
	c.log.Error("giving up on reconnection", zap.String("endpoint", c.endpoint),
		zap.Uint32("attempts", counter.Retries()-1))
	return nil
}

func (c *WSClient) resubscribe(conn *wsConn) {
	c.subsLock.Lock()
	subs := make(map[msgmon.SubscriptionID]*wsSubscription, len(c.subs))
	for id, sub := range c.subs {
		subs[id] = sub
		sub.serverID = ""
	}
	c.serverIDs = make(map[string]msgmon.SubscriptionID)
	c.subsLock.Unlock()

	for id, sub := range subs {
		if err := c.subscribe(context.Background(), conn, id, sub); err != nil {
			c.log.Warn("failed to restore subscription", zap.String("id", string(id)), zap.Error(err))
		}
	}
	c.log.Debug("subscriptions restored", zap.Int("count", len(subs)))
}

func (c *WSClient) dial(ctx context.Context) (*wsConn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.opts.DialTimeout}
	ws, resp, err := dialer.DialContext(ctx, c.endpoint, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", c.endpoint, err)
	}
	conn := newWSConn(ws, c.opts.RequestTimeout)
	go conn.writer()
	go conn.reader(c)
	return conn, nil
}

// parseID returns the numeric request ID.
func parseID(raw json.RawMessage) (uint64, error) {
	return strconv.ParseUint(strings.Trim(string(raw), `"`), 10, 64)
}
