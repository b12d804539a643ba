package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/rs/zerolog"
)

// Frame ops on the relay websocket.
const (
	OpSubscribe   = "subscribe"
	OpSubscribed  = "subscribed"
	OpUnsubscribe = "unsubscribe"
	OpPublish     = "publish"
	OpEvent       = "event"
	OpError       = "error"
)

type Frame struct {
	Op    string `json:"op"`
	Topic string `json:"topic,omitempty"`
	Event *Event `json:"event,omitempty"`
	Error string `json:"error,omitempty"`
}

// Client is a websocket connection to a relay. Events received for subscribed
// topics are fanned out to local subscriptions through an in-process Hub.
type Client struct {
	conn  *websocket.Conn
	send  chan []byte
	local *Hub
	log   zerolog.Logger

	// order is held across a refcount change and the frame it produces, so
	// subscribe and unsubscribe frames leave in refcount order.
	order   sync.Mutex
	mu      sync.Mutex
	waiters map[string][]chan error // topic -> pending subscribe acks, FIFO
	refs    map[string]int

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// DialClient connects to the relay websocket at rawURL, authenticating with token.
func DialClient(ctx context.Context, rawURL, token string, buffer int, log zerolog.Logger) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	c := &Client{
		conn:    conn,
		send:    make(chan []byte, 16),
		local:   NewHub(buffer, log),
		log:     log.With().Str("component", "realtime-client").Logger(),
		waiters: map[string][]chan error{},
		refs:    map[string]int{},
		done:    make(chan struct{}),
	}
	go c.writePump()
	go c.readPump()
	return c, nil
}

// Subscribe returns after the relay acknowledges the topic.
func (c *Client) Subscribe(ctx context.Context, topic string, types ...EventType) (*Subscription, error) {
	sub, err := c.local.Subscribe(ctx, topic, types...)
	if err != nil {
		return nil, err
	}
	ack := make(chan error, 1)
	c.order.Lock()
	c.mu.Lock()
	c.refs[topic]++
	c.waiters[topic] = append(c.waiters[topic], ack)
	c.mu.Unlock()

	localRelease := sub.release
	sub.release = func() {
		localRelease()
		c.unref(topic)
	}

	err = c.write(ctx, Frame{Op: OpSubscribe, Topic: topic})
	c.order.Unlock()
	if err != nil {
		c.dropWaiter(topic, ack)
		_ = sub.Close()
		return nil, err
	}
	select {
	case err := <-ack:
		if err != nil {
			_ = sub.Close()
			return nil, fmt.Errorf("relay subscribe %s: %w", topic, err)
		}
		return sub, nil
	case <-ctx.Done():
		_ = sub.Close()
		return nil, ctx.Err()
	case <-c.done:
		_ = sub.Close()
		return nil, ErrClosed
	}
}

// dropWaiter forgets an ack whose subscribe frame never reached the relay.
func (c *Client) dropWaiter(topic string, ack chan error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	queue := c.waiters[topic]
	for i, w := range queue {
		if w == ack {
			queue = append(queue[:i:i], queue[i+1:]...)
			break
		}
	}
	if len(queue) == 0 {
		delete(c.waiters, topic)
	} else {
		c.waiters[topic] = queue
	}
}

func (c *Client) unref(topic string) {
	c.order.Lock()
	defer c.order.Unlock()
	c.mu.Lock()
	c.refs[topic]--
	last := c.refs[topic] <= 0
	if last {
		delete(c.refs, topic)
	}
	c.mu.Unlock()
	if last {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = c.write(ctx, Frame{Op: OpUnsubscribe, Topic: topic})
	}
}

func (c *Client) Publish(ctx context.Context, ev Event) error {
	if ev.Topic == "" {
		return ErrNoTopic
	}
	return c.write(ctx, Frame{Op: OpPublish, Event: &ev})
}

func (c *Client) write(ctx context.Context, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) readPump() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.shutdown(err)
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.log.Warn().Err(err).Msg("discarding malformed frame")
			continue
		}
		switch f.Op {
		case OpEvent:
			if f.Event != nil {
				_ = c.local.Publish(context.Background(), *f.Event)
			}
		case OpSubscribed:
			c.ack(f.Topic, nil)
		case OpError:
			if !c.ack(f.Topic, errors.New(f.Error)) {
				c.log.Warn().Str("topic", f.Topic).Str("error", f.Error).Msg("relay error")
			}
		}
	}
}

func (c *Client) ack(topic string, err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	queue := c.waiters[topic]
	if len(queue) == 0 {
		return false
	}
	queue[0] <- err
	if len(queue) == 1 {
		delete(c.waiters, topic)
	} else {
		c.waiters[topic] = queue[1:]
	}
	return true
}

func (c *Client) writePump() {
	for {
		select {
		case data := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.shutdown(err)
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		close(c.done)
		_ = c.conn.Close()
		c.mu.Lock()
		for topic, queue := range c.waiters {
			for _, w := range queue {
				w <- ErrClosed
			}
			delete(c.waiters, topic)
		}
		c.mu.Unlock()
		c.local.Close()
		if err != nil {
			c.log.Warn().Err(err).Msg("relay connection closed")
		}
	})
}

// Close disconnects from the relay and closes every local subscription.
func (c *Client) Close() error {
	c.shutdown(nil)
	return nil
}
