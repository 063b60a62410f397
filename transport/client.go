package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	czmq "github.com/zeromq/goczmq/v4"
	"golang.org/x/time/rate"

	"github.com/toolsforexperiments/instrumentserver/wire"
)

// defaultAskTimeout is the default per-request deadline (spec.md #6).
const defaultAskTimeout = 5 * time.Second

// maxConsecutiveFailures is how many send/recv failures in a row trigger
// a fresh DEALER socket rather than continuing to retry the same one
// (spec.md #6's client reconnect policy).
const maxConsecutiveFailures = 3

// Client is the DEALER-socket runtime client (spec.md #6). It is safe for
// concurrent use; requests are serialized over the single DEALER socket.
type Client struct {
	mu      sync.Mutex
	addr    string
	dealer  *czmq.Sock
	timeout time.Duration

	failures int
	limiter  *rate.Limiter
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithTimeout overrides the default 5s per-request deadline.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

// WithReconnectBackoff paces reconnect attempts with a rate limiter:
// burst 1, refilling at one attempt per base interval. The interval is
// fixed and does not grow between attempts. Without this option
// reconnects are attempted immediately.
func WithReconnectBackoff(base time.Duration) ClientOption {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Every(base), 1)
	}
}

// NewClient constructs a Client that will lazily dial addr on first use.
func NewClient(addr string, opts ...ClientOption) *Client {
	c := &Client{addr: addr, timeout: defaultAskTimeout}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Ask sends instruction and waits for the reply or ctx's deadline,
// whichever is sooner (spec.md #6). Transport-level failures surface as
// client-only wire.KindDisconnected/KindTimeout errors.
func (c *Client) Ask(ctx context.Context, in *wire.Instruction) (*wire.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	payload, err := json.Marshal(in)
	if err != nil {
		return nil, wire.Protocolf("encode instruction: %s", err)
	}
	if c.dealer == nil {
		if err := c.reconnectLocked(); err != nil {
			return nil, err
		}
	}
	dealer := c.dealer
	if dl, ok := ctx.Deadline(); ok {
		if remaining := time.Until(dl); remaining > 0 && remaining < c.timeout {
			_ = dealer.SetOption(czmq.SockSetRcvtimeo(int(remaining.Milliseconds())))
		}
	}

	if err := dealer.SendMessage([][]byte{payload}); err != nil {
		c.noteFailureLocked()
		return nil, wire.Disconnectedf("send to %s: %s", c.addr, err)
	}
	reply, err := dealer.RecvMessage()
	if err != nil {
		c.noteFailureLocked()
		return nil, wire.Timeoutf("no reply from %s: %s", c.addr, err)
	}
	if dealer == c.dealer {
		_ = dealer.SetOption(czmq.SockSetRcvtimeo(int(c.timeout.Milliseconds())))
	}
	if len(reply) == 0 {
		c.noteFailureLocked()
		return nil, wire.Disconnectedf("empty reply from %s", c.addr)
	}
	c.failures = 0

	var resp wire.Response
	if err := json.Unmarshal(reply[len(reply)-1], &resp); err != nil {
		return nil, wire.Protocolf("decode reply: %s", err)
	}
	return &resp, nil
}

func (c *Client) noteFailureLocked() {
	c.failures++
	if c.failures >= maxConsecutiveFailures {
		c.dealer.Destroy()
		c.dealer = nil
		c.failures = 0
	}
}

func (c *Client) reconnectLocked() error {
	if c.limiter != nil {
		_ = c.limiter.Wait(context.Background())
	}
	dealer, err := czmq.NewDealer(c.addr)
	if err != nil {
		return wire.Disconnectedf("connect to %s: %s", c.addr, err)
	}
	_ = dealer.SetOption(czmq.SockSetRcvtimeo(int(c.timeout.Milliseconds())))
	c.dealer = dealer
	return nil
}

// Close releases the DEALER socket, if connected.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dealer != nil {
		c.dealer.Destroy()
		c.dealer = nil
	}
	return nil
}
