package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Channel maintains the realtime WebSocket connection, feeds incoming
// frames to the dispatcher, and re-emits project subscriptions after
// a reconnect.
//
// Events can be lost while the channel is down, so every successful
// reconnect fires OnReconnect; the owner is expected to refetch the
// subscribed projects in full.
type Channel struct {
	url        string
	token      string
	dispatcher *Dispatcher

	onReconnect func()
	dialTimeout time.Duration
	maxBackoff  time.Duration

	mu     sync.Mutex
	conn   *websocket.Conn
	joined map[string]bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// ChannelConfig holds channel configuration.
type ChannelConfig struct {
	// URL of the WebSocket endpoint, e.g. "ws://localhost:3000/ws".
	URL string

	// Token is the bearer credential presented during the handshake.
	Token string

	// Dispatcher receives every frame read off the connection.
	Dispatcher *Dispatcher

	// OnReconnect runs after the connection is re-established and
	// subscriptions are replayed. Used to trigger a full refetch.
	OnReconnect func()

	// DialTimeout bounds one connection attempt (default: 10s).
	DialTimeout time.Duration

	// MaxBackoff caps the reconnect delay (default: 30s).
	MaxBackoff time.Duration

	// Logger for channel activity (default: stderr logger).
	Logger *log.Logger
}

// NewChannel creates a channel. Call Start to connect.
func NewChannel(config *ChannelConfig) *Channel {
	if config.Logger == nil {
		config.Logger = log.Default()
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = 10 * time.Second
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Channel{
		url:         config.URL,
		token:       config.Token,
		dispatcher:  config.Dispatcher,
		onReconnect: config.OnReconnect,
		dialTimeout: config.DialTimeout,
		maxBackoff:  config.MaxBackoff,
		joined:      make(map[string]bool),
		ctx:         ctx,
		cancel:      cancel,
		logger:      config.Logger,
	}
}

// Start connects and begins the read loop. The first connection is
// made synchronously so callers can surface credential failures;
// later drops reconnect in the background.
func (c *Channel) Start() error {
	conn, err := c.dial()
	if err != nil {
		return fmt.Errorf("failed to connect realtime channel: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.wg.Add(1)
	go c.readLoop(conn)
	return nil
}

// Stop closes the connection and waits for the read loop to exit.
func (c *Channel) Stop() {
	c.cancel()

	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "client shutting down")
		c.conn = nil
	}
	c.mu.Unlock()

	c.wg.Wait()
}

// SetToken swaps the credential used on the next (re)connect.
func (c *Channel) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// JoinProject subscribes to a project's event room. The subscription
// is remembered and replayed after every reconnect.
func (c *Channel) JoinProject(projectID string) error {
	c.mu.Lock()
	c.joined[projectID] = true
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil // replayed on reconnect
	}
	return c.emit(conn, "join:project", map[string]string{"projectId": projectID})
}

// LeaveProject unsubscribes from a project's event room.
func (c *Channel) LeaveProject(projectID string) error {
	c.mu.Lock()
	delete(c.joined, projectID)
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	return c.emit(conn, "leave:project", map[string]string{"projectId": projectID})
}

func (c *Channel) dial() (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(c.ctx, c.dialTimeout)
	defer cancel()

	c.mu.Lock()
	token := c.token
	c.mu.Unlock()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, _, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (c *Channel) emit(conn *websocket.Conn, event string, data interface{}) error {
	payload, err := json.Marshal(frameOut{Event: event, Data: data})
	if err != nil {
		return fmt.Errorf("failed to encode %s frame: %w", event, err)
	}
	ctx, cancel := context.WithTimeout(c.ctx, 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		return fmt.Errorf("failed to send %s frame: %w", event, err)
	}
	return nil
}

type frameOut struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

// readLoop drains frames until the connection drops, then hands off
// to the reconnect loop.
func (c *Channel) readLoop(conn *websocket.Conn) {
	defer c.wg.Done()

	for {
		_, raw, err := conn.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.logger.Printf("[events] channel read failed: %v", err)
			c.reconnectLoop()
			return
		}
		// Malformed frames are logged inside Dispatch and skipped.
		_ = c.dispatcher.Dispatch(raw)
	}
}

// reconnectLoop retries with exponential backoff, replays the project
// subscriptions, and fires OnReconnect.
func (c *Channel) reconnectLoop() {
	backoff := time.Second

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(backoff):
		}

		conn, err := c.dial()
		if err != nil {
			c.logger.Printf("[events] reconnect failed: %v (retrying in %s)", err, backoff)
			backoff *= 2
			if backoff > c.maxBackoff {
				backoff = c.maxBackoff
			}
			continue
		}

		c.mu.Lock()
		c.conn = conn
		rooms := make([]string, 0, len(c.joined))
		for id := range c.joined {
			rooms = append(rooms, id)
		}
		c.mu.Unlock()

		for _, id := range rooms {
			if err := c.emit(conn, "join:project", map[string]string{"projectId": id}); err != nil {
				c.logger.Printf("[events] failed to rejoin project %s: %v", id, err)
			}
		}

		c.logger.Printf("[events] channel reconnected (%d rooms)", len(rooms))
		if c.onReconnect != nil {
			c.onReconnect()
		}

		c.wg.Add(1)
		go c.readLoop(conn)
		return
	}
}
