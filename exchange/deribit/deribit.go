// Package deribit implements core.Broker over the Deribit JSON-RPC v2
// websocket API, covering live and testnet environments.
package deribit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/quantbyte/razor/core"
	"github.com/quantbyte/razor/logger"
)

const (
	liveURL    = "wss://www.deribit.com/ws/api/v2"
	testnetURL = "wss://test.deribit.com/ws/api/v2"

	callTimeout  = 10 * time.Second
	writeTimeout = 5 * time.Second
	pingInterval = 30 * time.Second

	// Refresh the access token well before Deribit expires it.
	tokenSlack = 60 * time.Second
)

// Credentials are the API key pair issued by Deribit.
type Credentials struct {
	ClientID     string
	ClientSecret string
}

// Client is a Deribit websocket session. One client serves any number of
// concurrent RPC calls and subscriptions; reconnects resubscribe
// automatically.
type Client struct {
	url   string
	creds Credentials
	log   logger.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	reqID     atomic.Int64
	pending   map[int64]chan rpcResponse

	tokenMu     sync.Mutex
	accessToken string
	tokenExpiry time.Time

	subMu sync.Mutex
	subs  map[string][]chan core.Ticker

	done chan struct{}
	once sync.Once
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
	Method string          `json:"method"`
	Params struct {
		Channel string          `json:"channel"`
		Data    json.RawMessage `json:"data"`
	} `json:"params"`
}

// New connects a client for the given environment. Paper runs should use
// exchange.SimBroker instead.
func New(ctx context.Context, env core.Environment, creds Credentials, log logger.Logger) (*Client, error) {
	url := liveURL
	if env == core.EnvTestnet {
		url = testnetURL
	}

	c := &Client{
		url:     url,
		creds:   creds,
		log:     log.WithField("broker", "deribit").WithField("env", string(env)),
		pending: make(map[int64]chan rpcResponse),
		subs:    make(map[string][]chan core.Ticker),
		done:    make(chan struct{}),
	}

	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	go c.supervise()
	return c, nil
}

// Close tears the session down.
func (c *Client) Close() error {
	c.once.Do(func() { close(c.done) })
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// IsConnected implements core.Broker.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", c.url, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	go c.readLoop(conn)

	if c.creds.ClientID != "" {
		if err := c.authenticate(ctx); err != nil {
			return fmt.Errorf("authentication failed: %w", err)
		}
	}
	return nil
}

// supervise reconnects with exponential backoff after transport failures
// and restores active subscriptions.
func (c *Client) supervise() {
	b := &backoff.Backoff{Min: time.Second, Max: time.Minute, Jitter: true}
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}

		if c.IsConnected() {
			ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
			err := c.call(ctx, "public/test", nil, nil)
			cancel()
			if err == nil {
				b.Reset()
				continue
			}
			c.log.WithError(err).Warn("keepalive failed, reconnecting")
			c.markDisconnected()
		}

		d := b.Duration()
		c.log.WithField("backoff", d.String()).Info("reconnecting")
		select {
		case <-c.done:
			return
		case <-time.After(d):
		}

		ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
		err := c.connect(ctx)
		cancel()
		if err != nil {
			c.log.WithError(err).Error("reconnect failed")
			continue
		}
		b.Reset()
		c.resubscribe()
	}
}

func (c *Client) markDisconnected() {
	c.mu.Lock()
	c.connected = false
	if c.conn != nil {
		_ = c.conn.Close()
	}
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			c.markDisconnected()
			return
		}

		var resp rpcResponse
		if err := json.Unmarshal(payload, &resp); err != nil {
			c.log.WithError(err).Debug("unparseable frame")
			continue
		}

		if resp.Method == "subscription" {
			c.dispatch(resp.Params.Channel, resp.Params.Data)
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- resp
			close(ch)
		}
	}
}

// call performs one JSON-RPC round trip.
func (c *Client) call(ctx context.Context, method string, params, out any) error {
	id := c.reqID.Add(1)
	ch := make(chan rpcResponse, 1)

	c.mu.Lock()
	if !c.connected || c.conn == nil {
		c.mu.Unlock()
		return core.ErrNotConnected
	}
	c.pending[id] = ch
	conn := c.conn
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err := conn.WriteJSON(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	c.mu.Unlock()

	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return fmt.Errorf("write %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			return core.ErrNotConnected
		}
		if resp.Error != nil {
			return mapError(method, resp.Error)
		}
		if out != nil {
			if err := json.Unmarshal(resp.Result, out); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	}
}

// privateCall refreshes the access token when needed before calling.
func (c *Client) privateCall(ctx context.Context, method string, params map[string]any, out any) error {
	c.tokenMu.Lock()
	stale := c.accessToken == "" || time.Now().After(c.tokenExpiry.Add(-tokenSlack))
	c.tokenMu.Unlock()
	if stale {
		if err := c.authenticate(ctx); err != nil {
			return err
		}
	}
	return c.call(ctx, method, params, out)
}

func (c *Client) authenticate(ctx context.Context) error {
	var result struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	err := c.call(ctx, "public/auth", map[string]any{
		"grant_type":    "client_credentials",
		"client_id":     c.creds.ClientID,
		"client_secret": c.creds.ClientSecret,
	}, &result)
	if err != nil {
		return err
	}

	c.tokenMu.Lock()
	c.accessToken = result.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(result.ExpiresIn) * time.Second)
	c.tokenMu.Unlock()
	return nil
}

// mapError translates well-known Deribit error codes into core errors so
// callers can branch on them.
func mapError(method string, e *rpcError) error {
	switch e.Code {
	case 10009, 10041: // not_enough_funds, settlement_in_progress
		return core.NewError(core.CodeInsufficientMargin, e.Message, map[string]any{"method": method, "code": e.Code})
	case 10028: // too_many_requests
		return fmt.Errorf("%s rate limited: %s", method, e.Message)
	case 11044: // not_open_order
		return fmt.Errorf("%s: %w (%s)", method, core.ErrOrderRejected, e.Message)
	}
	return fmt.Errorf("%s failed: %s (code %d)", method, e.Message, e.Code)
}
