package hub

import (
	"context"
	"encoding/json"
	"time"

	"github.com/DoyleJ11/tabletop-backend/internal/lobby"
	"github.com/DoyleJ11/tabletop-backend/internal/protocol"
	"github.com/DoyleJ11/tabletop-backend/internal/types"
	"go.uber.org/zap"
)

type HubMsg interface{ isHubMsg() }

// Connect registers a live connection. It joins a room only once a request
// binds it to one.
type Connect struct {
	Client *lobby.Client
}

type Request struct {
	ClientID string
	Event    string
	Data     json.RawMessage
	Reply    chan protocol.Response // buffered, size 1
}

type Disconnect struct {
	ClientID string
}

// Sweep purges idle rooms now. Reply, if set, receives the purged codes.
type Sweep struct {
	Reply chan []string
}

type GetLobby struct {
	Code  string
	Reply chan *lobby.Lobby
}

type Stats struct {
	Connections int `json:"connections"`
	Rooms       int `json:"rooms"`
}

type GetStats struct {
	Reply chan Stats
}

type ShutdownHub struct{}

func (Connect) isHubMsg()     {}
func (Request) isHubMsg()     {}
func (Disconnect) isHubMsg()  {}
func (Sweep) isHubMsg()       {}
func (GetLobby) isHubMsg()    {}
func (GetStats) isHubMsg()    {}
func (ShutdownHub) isHubMsg() {}

type Options struct {
	// SweepInterval is how often idle rooms are purged; zero disables the
	// ticker.
	SweepInterval time.Duration
	Logger        *zap.Logger
}

// Hub is the event loop. Every request, connect, disconnect and sweep runs
// on its one goroutine, so room state changes never interleave.
type Hub struct {
	inbox    chan HubMsg
	handler  *protocol.Handler
	lobbies  map[string]*lobby.Lobby
	clients  map[string]*lobby.Client
	interval time.Duration
	log      *zap.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewHub(parent context.Context, handler *protocol.Handler, opts Options) *Hub {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(parent)
	h := &Hub{
		inbox:    make(chan HubMsg, 256),
		handler:  handler,
		lobbies:  make(map[string]*lobby.Lobby),
		clients:  make(map[string]*lobby.Client),
		interval: opts.SweepInterval,
		log:      opts.Logger.Named("hub"),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- HubMsg { return h.inbox }

// Done closes once the loop has stopped.
func (h *Hub) Done() <-chan struct{} { return h.done }

// Send delivers m unless the hub has stopped or ctx ends first.
func (h *Hub) Send(ctx context.Context, m HubMsg) bool {
	select {
	case <-h.done:
		return false
	default:
	}
	select {
	case h.inbox <- m:
		return true
	case <-h.done:
		return false
	case <-ctx.Done():
		return false
	}
}

func (h *Hub) loop() {
	defer close(h.done)

	var tick <-chan time.Time
	if h.interval > 0 {
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-h.ctx.Done():
			h.shutdown()
			return

		case <-tick:
			h.sweep()

		case m := <-h.inbox:
			switch msg := m.(type) {
			case Connect:
				h.clients[msg.Client.ID] = msg.Client

			case Request:
				res := h.handler.Handle(h.ctx, msg.ClientID, msg.Event, msg.Data)
				h.apply(res)
				msg.Reply <- res.Response

			case Disconnect:
				delete(h.clients, msg.ClientID)
				h.apply(h.handler.Disconnect(msg.ClientID))

			case Sweep:
				purged := h.sweep()
				if msg.Reply != nil {
					msg.Reply <- purged
				}

			case GetLobby:
				msg.Reply <- h.lobbies[msg.Code] // May be nil

			case GetStats:
				msg.Reply <- Stats{Connections: len(h.clients), Rooms: len(h.lobbies)}

			case ShutdownHub:
				h.shutdown()
				return
			}
		}
	}
}

func (h *Hub) sweep() []string {
	res := h.handler.Sweep(h.ctx)
	h.apply(res)
	if len(res.Purged) > 0 {
		h.log.Info("rooms expired", zap.Strings("rooms", res.Purged))
	}
	return res.Purged
}

// apply carries out a handler result: attach, deliver in order, detach,
// then tear down purged rooms.
func (h *Hub) apply(res protocol.Result) {
	for _, m := range res.Joined {
		c, ok := h.clients[m.ConnectionID]
		if !ok {
			continue
		}
		h.ensureLobby(m.RoomCode).Inbox() <- lobby.Join{Client: c}
	}

	for _, o := range res.Outbound {
		lb := h.lobbies[o.RoomCode]
		if lb == nil {
			continue
		}
		lb.Inbox() <- lobby.Broadcast{To: o.To, Message: types.NewEvent(o.Event, o.Payload)}
	}

	for _, m := range res.Left {
		if lb := h.lobbies[m.RoomCode]; lb != nil {
			lb.Inbox() <- lobby.Leave{ClientID: m.ConnectionID}
		}
	}

	for _, code := range res.Purged {
		if lb := h.lobbies[code]; lb != nil {
			lb.Inbox() <- lobby.Shutdown{}
			delete(h.lobbies, code)
		}
	}
}

func (h *Hub) ensureLobby(code string) *lobby.Lobby {
	if lb := h.lobbies[code]; lb != nil {
		return lb
	}
	lb := lobby.NewLobby(h.ctx, code)
	h.lobbies[code] = lb
	return lb
}

func (h *Hub) shutdown() {
	for _, lb := range h.lobbies {
		lb.Inbox() <- lobby.Shutdown{}
	}
	clear(h.lobbies)
	clear(h.clients)
	h.cancel()
}
