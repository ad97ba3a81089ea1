package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"time"

	"github.com/DoyleJ11/tabletop-backend/internal/hub"
	"github.com/DoyleJ11/tabletop-backend/internal/lobby"
	"github.com/DoyleJ11/tabletop-backend/internal/protocol"
	"github.com/DoyleJ11/tabletop-backend/internal/types"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultPingInterval = 25 * time.Second
	DefaultWriteTimeout = 5 * time.Second
	DefaultOutboxSize   = 64
	DefaultReadLimit    = 1 << 20
)

type Options struct {
	// OriginPatterns are passed to websocket.Accept. "*" accepts any origin.
	OriginPatterns []string
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	OutboxSize     int
	ReadLimit      int64
	Logger         *zap.Logger
}

func (o *Options) applyDefaults() {
	if o.PingInterval <= 0 {
		o.PingInterval = DefaultPingInterval
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.OutboxSize <= 0 {
		o.OutboxSize = DefaultOutboxSize
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = DefaultReadLimit
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Handler upgrades to a websocket and pumps frames between the connection
// and the hub. Each connection gets a fresh id; nothing survives a
// reconnect except what the client replays.
func Handler(h *hub.Hub, opts Options) http.HandlerFunc {
	opts.applyDefaults()
	log := opts.Logger.Named("ws")

	accept := &websocket.AcceptOptions{OriginPatterns: opts.OriginPatterns}
	if slices.Contains(opts.OriginPatterns, "*") {
		accept = &websocket.AcceptOptions{InsecureSkipVerify: true}
	}

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, accept)
		if err != nil {
			log.Debug("websocket accept failed", zap.Error(err))
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")
		conn.SetReadLimit(opts.ReadLimit)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		client := lobby.NewClient(uuid.NewString(), opts.OutboxSize)
		if !h.Send(ctx, hub.Connect{Client: client}) {
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		}
		defer func() { h.Send(context.Background(), hub.Disconnect{ClientID: client.ID}) }()
		log.Debug("client connected", zap.String("conn", client.ID))

		go writeLoop(ctx, cancel, conn, client, h, opts)

		// Reader loop
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				default:
					log.Debug("read failed", zap.String("conn", client.ID), zap.Error(err))
				}
				return
			}

			var cm types.ClientMessage
			if err := json.Unmarshal(data, &cm); err != nil {
				_ = write(ctx, conn, opts.WriteTimeout, types.NewError("bad json"))
				continue
			}
			if cm.Event == "" {
				_ = write(ctx, conn, opts.WriteTimeout, types.NewError("missing event"))
				continue
			}

			reply := make(chan protocol.Response, 1)
			if !h.Send(ctx, hub.Request{ClientID: client.ID, Event: cm.Event, Data: cm.Data, Reply: reply}) {
				return
			}
			var resp protocol.Response
			select {
			case resp = <-reply:
			case <-h.Done():
				return
			case <-ctx.Done():
				return
			}

			switch {
			case cm.Ack != 0:
				err = write(ctx, conn, opts.WriteTimeout, types.NewAck(cm.Ack, resp))
			case !resp.OK():
				msg, _ := resp["error"].(string)
				err = write(ctx, conn, opts.WriteTimeout, types.NewError(msg))
			}
			if err != nil {
				return
			}
		}
	}
}

// writeLoop owns the outbox. Acks are written by the reader; both may write
// at once, which websocket.Conn allows.
func writeLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, client *lobby.Client, h *hub.Hub, opts Options) {
	defer cancel()
	ticker := time.NewTicker(opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-h.Done():
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return

		case <-client.Dropped():
			conn.Close(websocket.StatusPolicyViolation, "client too slow")
			return

		case msg := <-client.Outbox:
			if err := write(ctx, conn, opts.WriteTimeout, msg); err != nil {
				return
			}

		case <-ticker.C:
			pingCtx, done := context.WithTimeout(ctx, opts.WriteTimeout)
			err := conn.Ping(pingCtx)
			done()
			if err != nil {
				return
			}
		}
	}
}

func write(ctx context.Context, conn *websocket.Conn, timeout time.Duration, msg types.ServerMessage) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return wsjson.Write(ctx, conn, msg)
}
