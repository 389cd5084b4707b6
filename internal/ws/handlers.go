package ws

import (
	"context"
	"log"

	"github.com/taptext/chat/internal/protocol"
	"github.com/taptext/chat/internal/ratelimit"
)

// NewDMDispatcher returns a dispatcher with the direct message handlers
// registered. The server is attached later with SetServer.
func NewDMDispatcher(core Core, limiter *ratelimit.Limiter) *MessageDispatcher {
	d := NewMessageDispatcher(nil)

	d.Register(protocol.TypeSend, func(ctx context.Context, conn *Connection, msg interface{}) {
		send, ok := msg.(protocol.SendMsg)
		if !ok {
			return
		}

		if ok, _ := limiter.Allow(ctx, conn.Username, ratelimit.RuleMessage); !ok {
			log.Printf("ws: rate limited user=%s conn=%s", conn.Username, conn.ID)
			d.Reply(conn, protocol.TypeRateLimited, protocol.RateLimitedMsg{
				RetryAfter: limiter.RetryAfter(ctx, conn.Username, ratelimit.RuleMessage),
			})
			return
		}

		m, err := core.OnSubmit(ctx, conn.Token, send.To, send.Body, conn.ID)
		if err != nil {
			d.Fail(conn, err)
			return
		}
		d.Reply(conn, protocol.TypeSent, protocol.SentMsg{Message: m})
	})

	d.Register(protocol.TypeHistory, func(ctx context.Context, conn *Connection, msg interface{}) {
		req, ok := msg.(protocol.HistoryMsg)
		if !ok {
			return
		}

		msgs, err := core.OnHistoryRequest(ctx, conn.Token, req.With, req.All)
		if err != nil {
			d.Fail(conn, err)
			return
		}
		d.Reply(conn, protocol.TypeHistory, protocol.HistoryResultMsg{
			With:     req.With,
			All:      req.All,
			Messages: msgs,
		})
	})

	return d
}
