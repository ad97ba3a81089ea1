package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/DoyleJ11/tabletop-backend/internal/protocol"
	"github.com/DoyleJ11/tabletop-backend/internal/types"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"
)

var ErrClosed = errors.New("client closed")

// RequestError is a request the server rejected.
type RequestError struct {
	Code    string
	Message string
}

func (e *RequestError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// Ack is the server's answer to one request.
type Ack struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
	raw     json.RawMessage
}

// Decode unmarshals the full ack payload into v.
func (a Ack) Decode(v any) error { return json.Unmarshal(a.raw, v) }

// Err is nil for a successful ack.
func (a Ack) Err() error {
	if a.Success {
		return nil
	}
	return &RequestError{Code: a.Code, Message: a.Error}
}

// Event is one server broadcast. Clients treat it as the latest truth and
// replace their local copy.
type Event struct {
	Name string
	Data json.RawMessage
}

type frame struct {
	Type  string          `json:"type"`
	Ack   int64           `json:"ack"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error"`
}

type Options struct {
	// Identity, if set, is saved on create/join and replayed by Rehydrate.
	Identity    *IdentityStore
	EventBuffer int
	Logger      *zap.Logger
}

type Client struct {
	conn   *websocket.Conn
	ids    *IdentityStore
	log    *zap.Logger
	events chan Event

	nextAck atomic.Int64
	mu      sync.Mutex
	pending map[int64]chan Ack

	cancel context.CancelFunc
	done   chan struct{}
}

// Dial connects to a /ws endpoint and starts reading.
func Dial(ctx context.Context, url string, opts Options) (*Client, error) {
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 64
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:    conn,
		ids:     opts.Identity,
		log:     opts.Logger.Named("client"),
		events:  make(chan Event, opts.EventBuffer),
		pending: make(map[int64]chan Ack),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go c.readLoop(readCtx)
	return c, nil
}

// Events delivers broadcasts in arrival order. It closes when the
// connection does.
func (c *Client) Events() <-chan Event { return c.events }

// Done closes once the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) readLoop(ctx context.Context) {
	defer close(c.done)
	defer close(c.events)
	defer c.failPending()

	for {
		var f frame
		if err := wsjson.Read(ctx, c.conn, &f); err != nil {
			c.log.Debug("read loop stopped", zap.Error(err))
			return
		}

		switch f.Type {
		case types.TypeAck:
			c.deliverAck(f)
		case types.TypeEvent:
			c.handleEvent(f)
		case types.TypeError:
			c.log.Warn("server error", zap.String("error", f.Error))
		}
	}
}

func (c *Client) deliverAck(f frame) {
	ack := Ack{raw: f.Data}
	if err := json.Unmarshal(f.Data, &ack); err != nil {
		ack = Ack{Code: string(protocol.KindInternal), Error: "undecodable ack", raw: f.Data}
	}

	c.mu.Lock()
	ch, ok := c.pending[f.Ack]
	delete(c.pending, f.Ack)
	c.mu.Unlock()
	if ok {
		ch <- ack
	}
}

func (c *Client) handleEvent(f frame) {
	switch f.Event {
	case protocol.EventKicked, protocol.EventSessionExpired:
		if c.ids != nil {
			if err := c.ids.Clear(); err != nil {
				c.log.Warn("could not clear identity", zap.Error(err))
			}
		}
	}

	select {
	case c.events <- Event{Name: f.Event, Data: f.Data}:
	default:
		c.log.Warn("event buffer full, dropping event", zap.String("event", f.Event))
	}
}

func (c *Client) failPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// Emit sends one request and waits for its ack. A rejected request is a
// successful Emit; check Ack.Err.
func (c *Client) Emit(ctx context.Context, event string, payload any) (Ack, error) {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Ack{}, fmt.Errorf("encode %s payload: %w", event, err)
		}
		data = b
	}

	id := c.nextAck.Add(1)
	reply := make(chan Ack, 1)
	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return Ack{}, ErrClosed
	default:
	}
	c.pending[id] = reply
	c.mu.Unlock()

	if err := wsjson.Write(ctx, c.conn, types.ClientMessage{Event: event, Ack: id, Data: data}); err != nil {
		c.forget(id)
		return Ack{}, fmt.Errorf("send %s: %w", event, err)
	}

	select {
	case ack, ok := <-reply:
		if !ok {
			return Ack{}, ErrClosed
		}
		return ack, nil
	case <-ctx.Done():
		c.forget(id)
		return Ack{}, ctx.Err()
	}
}

func (c *Client) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

type Created struct {
	RoomCode string `json:"roomCode"`
	DMKey    string `json:"dmKey"`
}

// Create opens a new room as its DM and remembers the key.
func (c *Client) Create(ctx context.Context) (Created, error) {
	var out Created
	if err := c.call(ctx, protocol.EventCreateSession, nil, &out); err != nil {
		return Created{}, err
	}
	return out, c.remember(Identity{RoomCode: out.RoomCode, IsDM: true, DMKey: out.DMKey})
}

// Reclaim takes DM control of an existing room.
func (c *Client) Reclaim(ctx context.Context, roomCode, dmKey string) error {
	var out struct {
		RoomCode string `json:"roomCode"`
	}
	if err := c.call(ctx, protocol.EventReclaimSession, map[string]string{"roomCode": roomCode, "dmKey": dmKey}, &out); err != nil {
		return err
	}
	return c.remember(Identity{RoomCode: out.RoomCode, IsDM: true, DMKey: dmKey})
}

type Joined struct {
	RoomCode string `json:"roomCode"`
	PlayerID string `json:"playerId"`
}

func (c *Client) Join(ctx context.Context, roomCode, name string) (Joined, error) {
	var out Joined
	if err := c.call(ctx, protocol.EventJoinSession, map[string]string{"roomCode": roomCode, "playerName": name}, &out); err != nil {
		return Joined{}, err
	}
	return out, c.remember(Identity{RoomCode: out.RoomCode, PlayerName: name})
}

// Leave exits the room and forgets the identity.
func (c *Client) Leave(ctx context.Context) error {
	if err := c.call(ctx, protocol.EventLeaveSession, nil, nil); err != nil {
		return err
	}
	if c.ids == nil {
		return nil
	}
	return c.ids.Clear()
}

// Rehydrate replays the saved identity: reclaim for a DM, join for a
// player. It reports false when there was nothing to replay. A failed
// replay clears the identity.
func (c *Client) Rehydrate(ctx context.Context) (Identity, bool, error) {
	if c.ids == nil {
		return Identity{}, false, nil
	}
	id, err := c.ids.Load()
	if errors.Is(err, ErrNoIdentity) {
		return Identity{}, false, nil
	}
	if err != nil {
		return Identity{}, false, err
	}

	if id.IsDM {
		err = c.Reclaim(ctx, id.RoomCode, id.DMKey)
	} else {
		_, err = c.Join(ctx, id.RoomCode, id.PlayerName)
	}
	if err != nil {
		var reqErr *RequestError
		if errors.As(err, &reqErr) {
			if clearErr := c.ids.Clear(); clearErr != nil {
				c.log.Warn("could not clear identity", zap.Error(clearErr))
			}
		}
		return id, false, err
	}
	return id, true, nil
}

func (c *Client) call(ctx context.Context, event string, payload, out any) error {
	ack, err := c.Emit(ctx, event, payload)
	if err != nil {
		return err
	}
	if err := ack.Err(); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := ack.Decode(out); err != nil {
		return fmt.Errorf("decode %s ack: %w", event, err)
	}
	return nil
}

func (c *Client) remember(id Identity) error {
	if c.ids == nil {
		return nil
	}
	return c.ids.Save(id)
}

// Close hangs up and waits for the read loop to finish.
func (c *Client) Close() error {
	err := c.conn.Close(websocket.StatusNormalClosure, "bye")
	c.cancel()
	<-c.done
	return err
}
