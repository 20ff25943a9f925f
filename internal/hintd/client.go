package hintd

import (
	"bufio"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/peterje/perfhint/internal/session"
	"github.com/peterje/perfhint/internal/tunnel"
	"go.uber.org/zap"
)

// DefaultRequestTimeout bounds one round trip to hintd.
const DefaultRequestTimeout = 5 * time.Second

// DialOptions configures Dial.
type DialOptions struct {
	// TunnelSecret is sent when dialing a ws:// or wss:// target.
	TunnelSecret string
	// TLSConfig is used for wss:// targets.
	TLSConfig      *tls.Config
	RequestTimeout time.Duration
	Logger         *zap.Logger
}

// Client connects to hintd and implements session.Backend.
type Client struct {
	conn    net.Conn
	connMu  sync.Mutex // serialize writes
	timeout time.Duration
	log     *zap.Logger

	// Pending request-response correlation
	pendingMu sync.Mutex
	pending   map[string]chan Response

	// Done channels per session, closed when hintd ends the session
	sessionMu   sync.Mutex
	sessionDone map[string]chan struct{}

	reqCounter atomic.Uint64
	closeOnce  sync.Once
	closed     chan struct{} // closed by Close
	brokenOnce sync.Once
	broken     chan struct{} // closed when the connection fails
}

// Dial connects to hintd. target is a socket path, a unix:// URL, or a ws(s)://
// tunnel URL.
func Dial(target string, opts DialOptions) (*Client, error) {
	var (
		conn net.Conn
		err  error
	)
	switch {
	case strings.HasPrefix(target, "ws://"), strings.HasPrefix(target, "wss://"):
		conn, err = tunnel.Dial(target, opts.TunnelSecret, opts.TLSConfig)
	default:
		conn, err = net.Dial("unix", strings.TrimPrefix(target, "unix://"))
	}
	if err != nil {
		return nil, fmt.Errorf("connect to hintd: %w", err)
	}
	return NewClient(conn, opts), nil
}

// NewClient runs the protocol over an established connection.
func NewClient(conn net.Conn, opts DialOptions) *Client {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	c := &Client{
		conn:        conn,
		timeout:     opts.RequestTimeout,
		log:         opts.Logger,
		pending:     make(map[string]chan Response),
		sessionDone: make(map[string]chan struct{}),
		closed:      make(chan struct{}),
		broken:      make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Close disconnects from hintd. Sessions created through c are released by hintd.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

// Ping checks if hintd is responsive.
func (c *Client) Ping() error {
	resp, err := c.sendRequest(Request{Command: cmdPing})
	if err != nil {
		return err
	}
	if resp.Event != evtPong {
		return fmt.Errorf("unexpected response: %s", resp.Event)
	}
	return nil
}

// Hello implements session.Backend.
func (c *Client) Hello() (session.ServiceInfo, error) {
	resp, err := c.sendRequest(Request{Command: cmdHello, PID: os.Getpid()})
	if err != nil {
		return session.ServiceInfo{}, err
	}
	if err := responseError(resp); err != nil {
		return session.ServiceInfo{}, err
	}
	return session.ServiceInfo{
		APILevel:            resp.APILevel,
		PreferredUpdateRate: time.Duration(resp.PreferredRateNanos),
	}, nil
}

// Create implements session.Backend.
func (c *Client) Create(threadIDs []int32, target time.Duration) (string, error) {
	resp, err := c.sendRequest(Request{
		Command:       cmdCreate,
		ThreadIDs:     threadIDs,
		DurationNanos: int64(target),
	})
	if err != nil {
		return "", err
	}
	if err := responseError(resp); err != nil {
		return "", err
	}
	// readLoop registered the done channel before handing us resp.
	return resp.SessionID, nil
}

// UpdateTarget implements session.Backend.
func (c *Client) UpdateTarget(id string, target time.Duration) error {
	return c.call(Request{Command: cmdUpdateTarget, SessionID: id, DurationNanos: int64(target)})
}

// ReportActual implements session.Backend.
func (c *Client) ReportActual(id string, actual time.Duration) error {
	return c.call(Request{Command: cmdReportActual, SessionID: id, DurationNanos: int64(actual)})
}

// SendHint implements session.Backend.
func (c *Client) SendHint(id string, hint session.Hint) error {
	h := int32(hint)
	return c.call(Request{Command: cmdHint, SessionID: id, Hint: &h})
}

// CloseSession implements session.Backend.
func (c *Client) CloseSession(id string) error {
	err := c.call(Request{Command: cmdClose, SessionID: id})
	c.finishSession(id)
	return err
}

// Done implements session.Backend. Sessions this client does not hold, or no
// longer holds, get a closed channel.
func (c *Client) Done(id string) <-chan struct{} {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	if ch, ok := c.sessionDone[id]; ok {
		return ch
	}
	ch := make(chan struct{})
	close(ch)
	return ch
}

// ListSessions returns snapshots of the sessions created on this connection.
func (c *Client) ListSessions() ([]session.Info, error) {
	resp, err := c.sendRequest(Request{Command: cmdList})
	if err != nil {
		return nil, err
	}
	if err := responseError(resp); err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

func (c *Client) call(req Request) error {
	resp, err := c.sendRequest(req)
	if err != nil {
		return err
	}
	return responseError(resp)
}

func (c *Client) nextReqID() string {
	return fmt.Sprintf("r%d", c.reqCounter.Add(1))
}

func (c *Client) sendRequest(req Request) (Response, error) {
	select {
	case <-c.closed:
		return Response{}, fmt.Errorf("%w: client closed", session.ErrBrokenPipe)
	case <-c.broken:
		return Response{}, fmt.Errorf("%w: connection lost", session.ErrBrokenPipe)
	default:
	}

	req.ID = c.nextReqID()

	ch := make(chan Response, 1)
	c.pendingMu.Lock()
	c.pending[req.ID] = ch
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, req.ID)
		c.pendingMu.Unlock()
	}()

	c.connMu.Lock()
	err := writeMessage(c.conn, frameControl, req)
	c.connMu.Unlock()
	if err != nil {
		c.markBroken()
		return Response{}, fmt.Errorf("%w: send request: %v", session.ErrBrokenPipe, err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return resp, nil
	case <-c.broken:
		return Response{}, fmt.Errorf("%w: connection lost", session.ErrBrokenPipe)
	case <-c.closed:
		return Response{}, fmt.Errorf("%w: client closed", session.ErrBrokenPipe)
	case <-timer.C:
		return Response{}, fmt.Errorf("%w: %s timed out after %s", session.ErrBrokenPipe, req.Command, c.timeout)
	}
}

func (c *Client) readLoop() {
	defer c.markBroken()

	reader := bufio.NewReader(c.conn)
	for {
		frameType, payload, err := readFrame(reader)
		if err != nil {
			select {
			case <-c.closed:
			default:
				c.log.Warn("hintd client: read error", zap.Error(err))
			}
			return
		}

		var resp Response
		if err := json.Unmarshal(payload, &resp); err != nil {
			c.log.Warn("hintd client: bad message", zap.Error(err))
			continue
		}

		switch frameType {
		case frameControl:
			if resp.Event == evtCreated {
				c.trackSession(resp.SessionID)
			}
			c.pendingMu.Lock()
			ch, ok := c.pending[resp.ID]
			c.pendingMu.Unlock()
			if ok {
				ch <- resp
			}
		case frameEvent:
			if resp.Event == evtClosed {
				c.finishSession(resp.SessionID)
			}
		}
	}
}

// markBroken fails pending and future requests and ends every session.
func (c *Client) markBroken() {
	c.brokenOnce.Do(func() {
		close(c.broken)
		c.sessionMu.Lock()
		for id, ch := range c.sessionDone {
			closeDone(ch)
			delete(c.sessionDone, id)
		}
		c.sessionMu.Unlock()
	})
}

// trackSession registers a done channel for a session hintd just created.
func (c *Client) trackSession(id string) {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	select {
	case <-c.broken:
		return
	default:
	}
	if _, ok := c.sessionDone[id]; !ok {
		c.sessionDone[id] = make(chan struct{})
	}
}

func (c *Client) finishSession(id string) {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	if ch, ok := c.sessionDone[id]; ok {
		closeDone(ch)
		delete(c.sessionDone, id)
	}
}

func closeDone(ch chan struct{}) {
	select {
	case <-ch:
	default:
		close(ch)
	}
}

// Compile-time interface check.
var _ session.Backend = (*Client)(nil)
