package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	v1 "pairhub/contracts/realtime/v1"
)

var (
	errClientClosed  = errors.New("realtime: client closed")
	errSendQueueFull = errors.New("realtime: send queue full")
)

// Client represents one connected websocket session and implements
// presence.Session.
//
// The outbound queue is never closed, so concurrent broadcasters cannot panic
// on a send. done signals the session goroutines to stop. Close is idempotent.
type Client struct {
	SessionID string
	UserID    string

	out chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(userID, sessionID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		SessionID: sessionID,
		UserID:    userID,
		out:       make(chan v1.Envelope, sendQueueSize),
		done:      make(chan struct{}),
	}
}

func (c *Client) ID() string { return c.SessionID }

// Send encodes payload into a fresh envelope and queues it without blocking.
func (c *Client) Send(ctx context.Context, eventType string, payload any) error {
	return c.send(ctx, eventType, "", payload)
}

// Reply is Send with reply_to set to the request envelope id.
func (c *Client) Reply(ctx context.Context, req v1.Envelope, eventType string, payload any) error {
	return c.send(ctx, eventType, req.ID, payload)
}

func (c *Client) send(ctx context.Context, eventType, replyTo string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("realtime: encode %s: %w", eventType, err)
	}
	env := newEnvelope(eventType, raw, time.Now().UTC())
	env.ReplyTo = replyTo
	return c.enqueue(ctx, env)
}

func (c *Client) enqueue(ctx context.Context, env v1.Envelope) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.Done():
		return errClientClosed
	default:
	}

	select {
	case c.out <- env:
		return nil
	default:
		return errSendQueueFull
	}
}

// Outbound is the queue drained by the session writer.
func (c *Client) Outbound() <-chan v1.Envelope { return c.out }

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop (idempotent).
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
