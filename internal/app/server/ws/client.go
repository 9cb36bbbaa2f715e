package ws

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"cgraph/internal/core/contracts"
	"cgraph/internal/core/domain"
)

type Config struct {
	// QueueSize bounds the outbound queue drained by the writer.
	QueueSize int
	// EnqueueTimeout is how long Send waits for room in a full queue.
	EnqueueTimeout time.Duration
	// WriteTimeout bounds each frame written to the socket.
	WriteTimeout time.Duration
	// PingInterval is the keepalive period; zero disables pings.
	PingInterval time.Duration
	// MaxSendFailures consecutive Send timeouts evict the client.
	MaxSendFailures int
	// FramesPerSecond and Burst limit inbound frames; zero disables.
	FramesPerSecond float64
	Burst           int
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.EnqueueTimeout <= 0 {
		c.EnqueueTimeout = 100 * time.Millisecond
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.MaxSendFailures <= 0 {
		c.MaxSendFailures = 3
	}
	return c
}

// Client is one live connection. Exactly one goroutine (the handler) reads
// from the transport and exactly one (writeLoop) writes to it; everything
// else talks to the writer through the bounded out queue.
type Client struct {
	ctx       context.Context
	cancel    context.CancelFunc
	transport Transport
	cfg       Config
	id        string
	userID    string
	roomID    string
	createdAt time.Time
	lastSeen  atomic.Int64
	out       chan []byte
	failures  atomic.Int32
	limiter   *rate.Limiter
	once      sync.Once
	hooksMu   sync.Mutex
	onClose   []func()
	done      chan struct{}
}

var _ contracts.Client = (*Client)(nil)

func NewClient(
	parent context.Context,
	t Transport,
	userID, roomID string,
	cfg Config,
) *Client {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(parent)
	c := &Client{
		ctx:       ctx,
		cancel:    cancel,
		transport: t,
		cfg:       cfg,
		id:        uuid.NewString(),
		userID:    userID,
		roomID:    roomID,
		createdAt: time.Now(),
		out:       make(chan []byte, cfg.QueueSize),
		done:      make(chan struct{}),
	}
	if cfg.FramesPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = int(cfg.FramesPerSecond) + 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.FramesPerSecond), burst)
	}
	c.lastSeen.Store(c.createdAt.UnixNano())
	return c
}

func (c *Client) ID() string { return c.id }
func (c *Client) UserID() string { return c.userID }
func (c *Client) RoomID() string { return c.roomID }
func (c *Client) CreatedAt() time.Time { return c.createdAt }

// LastActivity is the time of the last inbound frame.
func (c *Client) LastActivity() time.Time { return time.Unix(0, c.lastSeen.Load()) }

// Context is canceled when the client closes.
func (c *Client) Context() context.Context { return c.ctx }

// OnClose registers fn to run once when the client closes, whatever the
// reason. Hooks run in registration order.
func (c *Client) OnClose(fn func()) {
	c.hooksMu.Lock()
	defer c.hooksMu.Unlock()
	c.onClose = append(c.onClose, fn)
}

// Start launches the writer goroutine.
func (c *Client) Start() {
	go c.writeLoop()
}

// Send queues data for delivery. A full queue is waited on for at most
// EnqueueTimeout; MaxSendFailures consecutive timeouts evict the client.
func (c *Client) Send(ctx context.Context, data []byte) error {
	if c.ctx.Err() != nil {
		return domain.ErrConnectionClosed
	}
	select {
	case c.out <- data:
		c.failures.Store(0)
		return nil
	default:
	}
	timer := time.NewTimer(c.cfg.EnqueueTimeout)
	defer timer.Stop()
	select {
	case c.out <- data:
		c.failures.Store(0)
		return nil
	case <-c.ctx.Done():
		return domain.ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		if int(c.failures.Add(1)) >= c.cfg.MaxSendFailures {
			// Closing runs hooks that broadcast; never do that on the
			// caller's goroutine, it may hold delivery locks.
			go c.Close()
		}
		return domain.ErrSendTimeout
	}
}

// SendJSON encodes v and queues it.
func (c *Client) SendJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Send(ctx, data)
}

// Allow consumes one token of the inbound frame budget.
func (c *Client) Allow() bool {
	if c.limiter == nil {
		return true
	}
	return c.limiter.Allow()
}

// ReadLoop reads frames until the transport fails or the client closes,
// calling onMsg for each on the caller's goroutine.
func (c *Client) ReadLoop(onMsg func([]byte)) error {
	for {
		data, err := c.transport.ReadMessage()
		if err != nil {
			return err
		}
		c.lastSeen.Store(time.Now().UnixNano())
		onMsg(data)
		if c.ctx.Err() != nil {
			return domain.ErrConnectionClosed
		}
	}
}

// Close is idempotent. Pending outbound frames are abandoned.
func (c *Client) Close() {
	c.once.Do(func() {
		c.cancel()
		c.hooksMu.Lock()
		hooks := c.onClose
		c.hooksMu.Unlock()
		for _, fn := range hooks {
			fn()
		}
		_ = c.transport.Close()
	})
}

// CloseWith sends a close frame with code before closing.
func (c *Client) CloseWith(code int, reason string) {
	_ = c.transport.WriteClose(code, reason)
	c.Close()
}

// Done is closed when the writer goroutine has exited.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) writeLoop() {
	defer close(c.done)
	var ping <-chan time.Time
	if c.cfg.PingInterval > 0 {
		ticker := time.NewTicker(c.cfg.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}
	for {
		select {
		case <-c.ctx.Done():
			return
		case data := <-c.out:
			if err := c.transport.WriteMessage(data, c.cfg.WriteTimeout); err != nil {
				c.Close()
				return
			}
		case <-ping:
			if err := c.transport.WritePing(c.cfg.WriteTimeout); err != nil {
				c.Close()
				return
			}
		}
	}
}
