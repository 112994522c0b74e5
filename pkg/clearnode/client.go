// Package clearnode implements the settlement network session client: one
// long-lived websocket connection with a signed authentication handshake,
// id-correlated request/response dispatch, and capped exponential
// reconnection.
package clearnode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/gitstream/gitstream/pkg/apperr"
	"github.com/gitstream/gitstream/pkg/metrics"
)

// Known clearnode endpoints.
const (
	SandboxURL    = "wss://clearnet-sandbox.yellow.com/ws"
	ProductionURL = "wss://clearnet.yellow.com/ws"
)

// ErrClosed is returned for operations on a client after Close.
var ErrClosed = errors.New("clearnode: client is closed")

// State is the connection state of the client.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected // transport open, not yet authenticated
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type Config struct {
	Logger      *slog.Logger
	Clock       clockwork.Clock
	URL         string
	Signer      Signer
	Application string // human-readable application identifier sent during auth
	Dialer      Dialer

	RequestTimeout       time.Duration // default 30s
	ReconnectBaseDelay   time.Duration // default 1s, doubles per attempt
	MaxReconnectAttempts int           // default 5
	AuthExpiry           time.Duration // default 1h
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.URL == "" {
		return errors.New("url is required")
	}
	if cfg.Signer == nil {
		return errors.New("signer is required")
	}
	if cfg.Application == "" {
		return errors.New("application identifier is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = WebsocketDialer{}
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.ReconnectBaseDelay <= 0 {
		cfg.ReconnectBaseDelay = time.Second
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 5
	}
	if cfg.AuthExpiry <= 0 {
		cfg.AuthExpiry = time.Hour
	}
	return nil
}

type frameResult struct {
	result json.RawMessage
	err    error
}

// authAttempt is the short-lived sub-state-machine for one handshake. It
// lives from auth_request until the verify acknowledgment or a failure.
type authAttempt struct {
	ch chan error // buffered, receives exactly one value
}

// Client is a single-connection settlement network client. All connection
// state is guarded by mu; writes to the transport are serialized by
// writeMu.
type Client struct {
	log *slog.Logger
	cfg Config

	writeMu sync.Mutex

	mu                   sync.Mutex
	state                State
	conn                 Conn
	readGen              int // invalidates stale read loops across reconnects
	pending              map[string]chan frameResult
	auth                 *authAttempt
	reconnectAttempts    int
	maxReconnectAttempts int // zeroed by Close so a pending retry timer cannot reconnect
	closed               bool
}

func New(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{
		log:                  cfg.Logger,
		cfg:                  cfg,
		pending:              make(map[string]chan frameResult),
		maxReconnectAttempts: cfg.MaxReconnectAttempts,
	}, nil
}

// Address returns the signer's account identifier.
func (c *Client) Address() string { return c.cfg.Signer.Address() }

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Authenticated reports whether the handshake has completed on the current
// connection.
func (c *Client) Authenticated() bool {
	return c.State() == StateAuthenticated
}

// Connect dials the network and runs the authentication handshake,
// returning once the client is authenticated or the attempt failed.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	switch c.state {
	case StateAuthenticated:
		c.mu.Unlock()
		return nil
	case StateConnecting, StateConnected:
		c.mu.Unlock()
		return apperr.New(apperr.KindConflict, "connection attempt already in progress")
	}
	c.state = StateConnecting
	c.mu.Unlock()

	conn, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL)
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		c.scheduleReconnect()
		return apperr.Wrap(apperr.KindNetwork, "failed to dial clearnode", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.state = StateConnected
	c.readGen++
	gen := c.readGen
	attempt := &authAttempt{ch: make(chan error, 1)}
	c.auth = attempt
	c.mu.Unlock()

	c.log.Info("clearnode: transport open", "url", c.cfg.URL)
	go c.readLoop(conn, gen)

	if err := c.sendAuthRequest(); err != nil {
		c.dropConn(gen, err)
		return err
	}

	timer := c.cfg.Clock.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()
	select {
	case err := <-attempt.ch:
		if err != nil {
			return err
		}
		return nil
	case <-timer.Chan():
		err := apperr.Newf(apperr.KindNetwork, "authentication timed out after %s", c.cfg.RequestTimeout)
		if c.abandonAuth(attempt) {
			c.dropConn(gen, err)
		}
		return err
	case <-ctx.Done():
		if c.abandonAuth(attempt) {
			c.dropConn(gen, ctx.Err())
		}
		return ctx.Err()
	}
}

// Close tears the connection down and disables reconnection. It is
// idempotent and safe to call from any state.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.maxReconnectAttempts = 0
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.failAllLocked(ErrClosed)
	c.mu.Unlock()

	c.log.Info("clearnode: client closed")
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// CreateAppSession submits a session definition and returns the
// network-assigned session identifier. Requires an authenticated client.
func (c *Client) CreateAppSession(ctx context.Context, def AppDefinition, allocations []Allocation) (string, error) {
	params := CreateAppSessionParams{Definition: def, Allocations: allocations}
	raw, err := c.call(ctx, MethodCreateAppSession, params)
	if err != nil {
		return "", err
	}
	var res CreateAppSessionResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", apperr.Wrap(apperr.KindNetwork, "malformed create_app_session result", err)
	}
	if res.AppSessionID == "" {
		return "", apperr.New(apperr.KindNetwork, "create_app_session result missing app_session_id")
	}
	return res.AppSessionID, nil
}

// GetLedgerBalances returns per-asset balances for the given address, or
// for the client's own account when address is empty.
func (c *Client) GetLedgerBalances(ctx context.Context, address string) ([]Balance, error) {
	if address == "" {
		address = c.cfg.Signer.Address()
	}
	raw, err := c.call(ctx, MethodGetLedgerBalances, GetLedgerBalancesParams{Participant: address})
	if err != nil {
		return nil, err
	}
	var res GetLedgerBalancesResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, apperr.Wrap(apperr.KindNetwork, "malformed get_ledger_balances result", err)
	}
	return res.LedgerBalances, nil
}

// call sends one signed, id-correlated request and waits for its response,
// the request timeout, or ctx cancellation.
func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if c.state != StateAuthenticated {
		state := c.state
		c.mu.Unlock()
		return nil, apperr.Newf(apperr.KindAuthentication, "client is not authenticated (state %s)", state)
	}
	id := uuid.NewString()
	ch := make(chan frameResult, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	start := c.cfg.Clock.Now()
	if err := c.send(id, method, params); err != nil {
		c.removePending(id)
		metrics.ClearnodeRequestsTotal.WithLabelValues(method, "error").Inc()
		return nil, err
	}

	timer := c.cfg.Clock.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		metrics.ClearnodeRequestDuration.WithLabelValues(method).Observe(c.cfg.Clock.Since(start).Seconds())
		if res.err != nil {
			metrics.ClearnodeRequestsTotal.WithLabelValues(method, "error").Inc()
			return nil, res.err
		}
		metrics.ClearnodeRequestsTotal.WithLabelValues(method, "success").Inc()
		return res.result, nil
	case <-timer.Chan():
		c.removePending(id)
		metrics.ClearnodeRequestsTotal.WithLabelValues(method, "timeout").Inc()
		return nil, apperr.Newf(apperr.KindNetwork, "%s request timed out after %s", method, c.cfg.RequestTimeout)
	case <-ctx.Done():
		c.removePending(id)
		return nil, ctx.Err()
	}
}

// send marshals, signs, and writes one request frame. The signature covers
// the serialized params.
func (c *Client) send(id, method string, params any) error {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to marshal %s params: %w", method, err)
	}
	sig, err := c.cfg.Signer.Sign(paramsJSON)
	if err != nil {
		return apperr.Wrap(apperr.KindAuthentication, "failed to sign request", err)
	}
	return c.write(Request{ID: id, Method: method, Params: paramsJSON, Sig: sig})
}

func (c *Client) write(req Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal %s frame: %w", req.Method, err)
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return apperr.New(apperr.KindNetwork, "not connected")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(data); err != nil {
		return apperr.Wrap(apperr.KindNetwork, "failed to write frame", err)
	}
	return nil
}

func (c *Client) sendAuthRequest() error {
	address := c.cfg.Signer.Address()
	params := AuthRequestParams{
		Address:     address,
		SessionKey:  address,
		Application: c.cfg.Application,
		ExpiresAt:   c.cfg.Clock.Now().Add(c.cfg.AuthExpiry).Unix(),
		Scope:       AuthScope,
		Allowances:  []Allowance{},
	}
	return c.send(uuid.NewString(), MethodAuthRequest, params)
}

func (c *Client) readLoop(conn Conn, gen int) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			c.dropConn(gen, err)
			return
		}
		c.dispatch(data)
	}
}

// dispatch is the single entry point for inbound frames: correlated
// responses first, then the auth sub-machine, everything else dropped.
func (c *Client) dispatch(data []byte) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.log.Warn("clearnode: failed to parse frame", "error", err)
		return
	}

	c.mu.Lock()
	if frame.ID != "" {
		if ch, ok := c.pending[frame.ID]; ok {
			delete(c.pending, frame.ID)
			c.mu.Unlock()
			if frame.Error != nil {
				ch <- frameResult{err: apperr.Newf(apperr.KindNetwork, "server error: %s", frame.Error.Message)}
			} else {
				ch <- frameResult{result: frame.Result}
			}
			return
		}
	}
	auth := c.auth
	c.mu.Unlock()

	if auth != nil {
		c.handleAuthFrame(frame)
		return
	}
	// A response for a request that already timed out, or an unsolicited
	// frame. Either way it has no consumer.
	c.log.Debug("clearnode: dropping unmatched frame", "id", frame.ID, "method", frame.Method)
}

func (c *Client) handleAuthFrame(frame Frame) {
	switch {
	case frame.Error != nil:
		c.failAuth(apperr.Newf(apperr.KindAuthentication, "authentication rejected: %s", frame.Error.Message))

	case frame.Method == MethodAuthChallenge:
		var challenge AuthChallengeParams
		if err := json.Unmarshal(frame.Params, &challenge); err != nil {
			c.failAuth(apperr.Wrap(apperr.KindAuthentication, "malformed auth challenge", err))
			return
		}
		params := AuthVerifyParams{
			Address:   c.cfg.Signer.Address(),
			Challenge: challenge.ChallengeMessage,
		}
		if err := c.send(uuid.NewString(), MethodAuthVerify, params); err != nil {
			c.failAuth(err)
		}

	case frame.Method == MethodAuthVerify:
		var res AuthVerifyResult
		if frame.Result != nil {
			_ = json.Unmarshal(frame.Result, &res)
		}
		if !res.Success {
			c.failAuth(apperr.New(apperr.KindAuthentication, "authentication not acknowledged by server"))
			return
		}
		c.mu.Lock()
		c.state = StateAuthenticated
		c.reconnectAttempts = 0
		auth := c.auth
		c.auth = nil
		c.mu.Unlock()
		c.log.Info("clearnode: authenticated", "address", c.cfg.Signer.Address())
		if auth != nil {
			auth.ch <- nil
		}

	default:
		c.log.Debug("clearnode: ignoring frame during handshake", "method", frame.Method)
	}
}

// failAuth delivers the failure to the Connect waiter, then tears the
// connection down so a reconnect is scheduled. The server may keep the
// transport open after rejecting auth; the client must not stay in
// StateConnected with no path forward.
func (c *Client) failAuth(err error) {
	c.mu.Lock()
	auth := c.auth
	c.auth = nil
	gen := c.readGen
	c.mu.Unlock()
	c.dropConn(gen, err)
	if auth != nil {
		auth.ch <- err
	}
}

// abandonAuth detaches the given attempt without delivering a result, used
// when the waiter has already given up (timeout or cancellation). It
// reports whether the attempt was still live; if not, the handshake
// already resolved and the connection must be left alone.
func (c *Client) abandonAuth(attempt *authAttempt) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.auth == attempt {
		c.auth = nil
		return true
	}
	return false
}

// dropConn transitions to disconnected after a transport failure on the
// given connection generation and schedules a reconnect.
func (c *Client) dropConn(gen int, cause error) {
	c.mu.Lock()
	if gen != c.readGen {
		// A newer connection already superseded this one.
		c.mu.Unlock()
		return
	}
	c.readGen++
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	wasClosed := c.closed
	c.state = StateDisconnected
	c.failAllLocked(apperr.Wrap(apperr.KindNetwork, "connection closed", cause))
	c.mu.Unlock()

	if wasClosed {
		return
	}
	c.log.Warn("clearnode: transport closed", "error", cause)
	c.scheduleReconnect()
}

// failAllLocked fails the pending table and any in-flight handshake.
// Caller holds mu; the channels are buffered so sends cannot block.
func (c *Client) failAllLocked(err error) {
	for id, ch := range c.pending {
		delete(c.pending, id)
		ch <- frameResult{err: err}
	}
	if c.auth != nil {
		c.auth.ch <- err
		c.auth = nil
	}
}

func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.reconnectAttempts >= c.maxReconnectAttempts {
		c.mu.Unlock()
		c.log.Error("clearnode: max reconnect attempts reached, giving up",
			"attempts", c.cfg.MaxReconnectAttempts)
		return
	}
	delay := c.cfg.ReconnectBaseDelay << uint(c.reconnectAttempts)
	c.reconnectAttempts++
	attempt := c.reconnectAttempts
	c.mu.Unlock()

	c.log.Info("clearnode: scheduling reconnect", "attempt", attempt, "delay", delay.String())
	metrics.ClearnodeReconnectsTotal.Inc()

	timer := c.cfg.Clock.NewTimer(delay)
	go func() {
		<-timer.Chan()
		c.mu.Lock()
		// Close may have raced the timer; maxReconnectAttempts is zeroed
		// exactly so this retry does not resurrect the connection.
		if c.closed || c.maxReconnectAttempts == 0 {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		if err := c.Connect(context.Background()); err != nil {
			c.log.Warn("clearnode: reconnect attempt failed", "attempt", attempt, "error", err)
		}
	}()
}

func (c *Client) removePending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}
