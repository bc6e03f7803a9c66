package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/agentworkforce/notesync/internal/collab"
	"github.com/agentworkforce/notesync/internal/model"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	defaultIncomingBuffer = 128
	maxMessageBytes       = 1 << 20
)

type WSChannelOptions struct {
	// URL of the collaboration endpoint, e.g. ws://host/v1/collab/ws.
	URL            string
	Token          string
	ClientID       string
	HTTPClient     *http.Client
	IncomingBuffer int
}

// WSChannel is a Channel over one websocket connection. Replies are matched
// to requests by requestId; everything else is delivered on Incoming.
type WSChannel struct {
	conn     *websocket.Conn
	ctx      context.Context
	cancel   context.CancelFunc
	incoming chan collab.ServerMessage
	done     chan struct{}

	nextID atomic.Uint64

	mu      sync.Mutex
	pending map[string]chan collab.ServerMessage
	err     error

	closeOnce sync.Once
}

// DialWS connects to the collaboration endpoint and starts reading.
func DialWS(ctx context.Context, opts WSChannelOptions) (*WSChannel, error) {
	header := http.Header{}
	if opts.Token != "" {
		header.Set("Authorization", "Bearer "+opts.Token)
	}
	if opts.ClientID != "" {
		header.Set("X-Client-Id", opts.ClientID)
	}
	conn, resp, err := websocket.Dial(ctx, opts.URL, &websocket.DialOptions{
		HTTPClient: opts.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: dial %s: http %d", collab.ErrUnauthorized, opts.URL, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", opts.URL, err)
	}
	conn.SetReadLimit(maxMessageBytes)
	buffer := opts.IncomingBuffer
	if buffer <= 0 {
		buffer = defaultIncomingBuffer
	}
	runCtx, cancel := context.WithCancel(context.Background())
	c := &WSChannel{
		conn:     conn,
		ctx:      runCtx,
		cancel:   cancel,
		incoming: make(chan collab.ServerMessage, buffer),
		done:     make(chan struct{}),
		pending:  map[string]chan collab.ServerMessage{},
	}
	go c.readLoop()
	return c, nil
}

// WSDialer adapts DialWS to the Gateway's Dialer.
func WSDialer(opts WSChannelOptions) Dialer {
	return func(ctx context.Context) (Channel, error) {
		return DialWS(ctx, opts)
	}
}

func (c *WSChannel) Join(ctx context.Context, entityID string, capability model.Capability) ([]collab.Member, error) {
	reply, err := c.request(ctx, collab.ClientMessage{Type: collab.MessageJoin, EntityID: entityID, Capability: string(capability)})
	if err != nil {
		return nil, err
	}
	return reply.Members, nil
}

func (c *WSChannel) Leave(ctx context.Context, entityID string) error {
	_, err := c.request(ctx, collab.ClientMessage{Type: collab.MessageLeave, EntityID: entityID})
	return err
}

func (c *WSChannel) Publish(ctx context.Context, entityID string, revision uint64) error {
	_, err := c.request(ctx, collab.ClientMessage{Type: collab.MessagePublish, EntityID: entityID, Revision: revision})
	return err
}

func (c *WSChannel) Incoming() <-chan collab.ServerMessage { return c.incoming }

func (c *WSChannel) Done() <-chan struct{} { return c.done }

// Err reports why the channel closed, once Done is closed.
func (c *WSChannel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *WSChannel) Close() error {
	c.shutdown(nil)
	return c.conn.Close(websocket.StatusNormalClosure, "bye")
}

func (c *WSChannel) request(ctx context.Context, msg collab.ClientMessage) (collab.ServerMessage, error) {
	msg.RequestID = "r" + strconv.FormatUint(c.nextID.Add(1), 10)
	reply := make(chan collab.ServerMessage, 1)
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return collab.ServerMessage{}, collab.ErrTransportDisconnect
	}
	c.pending[msg.RequestID] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, msg.RequestID)
		c.mu.Unlock()
	}()

	if err := wsjson.Write(ctx, c.conn, msg); err != nil {
		c.shutdown(err)
		return collab.ServerMessage{}, fmt.Errorf("%w: %v", collab.ErrTransportDisconnect, err)
	}
	select {
	case r := <-reply:
		if r.Type == collab.MessageError {
			return r, replyError(r)
		}
		return r, nil
	case <-ctx.Done():
		return collab.ServerMessage{}, ctx.Err()
	case <-c.done:
		return collab.ServerMessage{}, collab.ErrTransportDisconnect
	}
}

func (c *WSChannel) readLoop() {
	for {
		var msg collab.ServerMessage
		if err := wsjson.Read(c.ctx, c.conn, &msg); err != nil {
			c.shutdown(err)
			return
		}
		if msg.RequestID != "" {
			c.mu.Lock()
			reply, ok := c.pending[msg.RequestID]
			c.mu.Unlock()
			if ok {
				reply <- msg
				continue
			}
		}
		select {
		case c.incoming <- msg:
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *WSChannel) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		if cause == nil {
			cause = collab.ErrTransportDisconnect
		}
		c.err = cause
		c.mu.Unlock()
		c.cancel()
		close(c.done)
	})
}

func replyError(msg collab.ServerMessage) error {
	if msg.Error == nil {
		return errors.New("collaboration request failed")
	}
	sentinel := errors.New(msg.Error.Code)
	switch msg.Error.Code {
	case collab.CodeUnauthorized:
		sentinel = collab.ErrUnauthorized
	case collab.CodeNotMember:
		sentinel = collab.ErrNotMember
	case collab.CodeBadRequest:
		sentinel = collab.ErrInvalidMessage
	}
	return fmt.Errorf("%w: %s", sentinel, msg.Error.Message)
}
