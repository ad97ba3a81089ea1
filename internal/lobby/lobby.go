package lobby

import (
	"context"
	"sync"

	"github.com/DoyleJ11/tabletop-backend/internal/types"
)

type Msg interface{ isLobbyMsg() }

// Client is one connection's outbox. Dropped closes when the lobby gives
// up on the client, so the writer can hang up.
type Client struct {
	ID      string
	Outbox  chan types.ServerMessage
	dropped chan struct{}
	once    sync.Once
}

func NewClient(id string, size int) *Client {
	return &Client{ID: id, Outbox: make(chan types.ServerMessage, size), dropped: make(chan struct{})}
}

func (c *Client) Dropped() <-chan struct{} { return c.dropped }

func (c *Client) Drop() { c.once.Do(func() { close(c.dropped) }) }

type Join struct {
	Client *Client
}

func (Join) isLobbyMsg() {}

type Leave struct{ ClientID string }

func (Leave) isLobbyMsg() {}

// Broadcast delivers Message to the listed members. Ids that are not in
// the lobby are skipped.
type Broadcast struct {
	To      []string
	Message types.ServerMessage
}

func (Broadcast) isLobbyMsg() {}

type Shutdown struct{}

func (Shutdown) isLobbyMsg() {}

type GetState struct {
	Reply chan View
}

func (GetState) isLobbyMsg() {}

type View struct {
	RoomCode   string
	Delivered  int
	NumClients int
	ClientIDs  map[string]bool
}

// Lobby is the broadcast group of one room.
type Lobby struct {
	code      string
	inbox     chan Msg
	clients   map[string]*Client
	delivered int
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewLobby(parent context.Context, code string) *Lobby {
	ctx, cancel := context.WithCancel(parent)

	l := &Lobby{
		code:    code,
		inbox:   make(chan Msg, 256),
		clients: make(map[string]*Client),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	go l.loop()
	return l
}

func (l *Lobby) loop() {
	defer close(l.done)
	for {
		select {
		case <-l.ctx.Done():
			l.shutdown()
			return

		case m := <-l.inbox:
			switch msg := m.(type) {
			case Join:
				l.clients[msg.Client.ID] = msg.Client

			case Leave:
				delete(l.clients, msg.ClientID)

			case Broadcast:
				l.broadcast(msg)

			case GetState:
				ids := make(map[string]bool, len(l.clients))
				for id := range l.clients {
					ids[id] = true
				}
				msg.Reply <- View{
					RoomCode:   l.code,
					Delivered:  l.delivered,
					NumClients: len(l.clients),
					ClientIDs:  ids,
				}

			case Shutdown:
				l.shutdown()
				return
			}
		}
	}
}

// shutdown forgets every client. Their connections stay open; the room is
// gone, not the socket.
func (l *Lobby) shutdown() {
	clear(l.clients)
	l.cancel()
}

func (l *Lobby) broadcast(b Broadcast) {
	for _, id := range b.To {
		c, ok := l.clients[id]
		if !ok {
			continue
		}
		select {
		case c.Outbox <- b.Message:
			l.delivered++
		default:
			// Client is slow/full - drop them.
			c.Drop()
			delete(l.clients, id)
		}
	}
}

// Inbox exposes the lobby's mailbox to the hub and to tests.
func (l *Lobby) Inbox() chan<- Msg { return l.inbox }

// Done closes once the lobby loop has exited.
func (l *Lobby) Done() <-chan struct{} { return l.done }
