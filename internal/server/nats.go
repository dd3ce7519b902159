package server

import (
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/bideasy/auctiond/internal/auction"
	"github.com/bideasy/auctiond/internal/protocol"
)

const (
	natsEventPrefix    = "auction.events."
	natsCommandSubject = "auction.command"
	// natsCreator names auctions created over the bus, which carries no
	// LOGIN handshake.
	natsCreator = "nats-client"
)

// NATSBridge mirrors every hub event onto the message bus and serves scripted
// clients over request/reply. Best effort on the outbound side: a publish
// failure is logged, never surfaced, so the bridge is never evicted from the
// hub and never blocks fanout to direct observers.
type NATSBridge struct {
	nc    *nats.Conn
	coord *auction.Coordinator
	sub   *nats.Subscription
}

func NewNATSBridge(url string, coord *auction.Coordinator) (*NATSBridge, error) {
	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	b := &NATSBridge{nc: nc, coord: coord}
	sub, err := nc.Subscribe(natsCommandSubject, b.handleCommand)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", natsCommandSubject, err)
	}
	b.sub = sub

	log.Info().Str("url", url).Msg("NATS bridge connected")
	return b, nil
}

// Send implements hub.Observer: each event lands on a subject derived from
// its type, e.g. UPDATE|... on auction.events.update.
func (b *NATSBridge) Send(msg string) error {
	subject := natsEventPrefix + strings.ToLower(eventType(msg))
	if err := b.nc.Publish(subject, []byte(msg)); err != nil {
		log.Warn().Err(err).Str("subject", subject).Msg("NATS publish failed")
	}
	return nil
}

// Identity implements hub.Observer.
func (b *NATSBridge) Identity() string { return "nats-bridge" }

// handleCommand serves request/reply commands from scripted clients. BID
// carries its bidder inline; CREATE is attributed to a fixed bus identity.
func (b *NATSBridge) handleCommand(m *nats.Msg) {
	cmd, err := protocol.Parse(string(m.Data))
	if err != nil {
		b.respond(m, protocol.Error(err.Error()))
		return
	}

	switch cmd.Kind {
	case protocol.CmdCreate:
		id, err := b.coord.CreateAuction(cmd.Name, cmd.StartPrice, cmd.DurationSec, natsCreator, cmd.ImageRef)
		if err != nil {
			b.respond(m, protocol.Error(err.Error()))
			return
		}
		b.respond(m, fmt.Sprintf("OK|%d", id))

	case protocol.CmdBid:
		if cmd.Bidder == "" {
			b.respond(m, protocol.Error("BID over the bus requires an explicit bidder"))
			return
		}
		if err := b.coord.PlaceBid(cmd.AuctionID, cmd.Amount, cmd.Bidder); err != nil {
			b.respond(m, protocol.Error(err.Error()))
			return
		}
		b.respond(m, "OK")

	case protocol.CmdGetBidHistory:
		bids, err := b.coord.BidHistory(cmd.AuctionID)
		if err != nil {
			b.respond(m, protocol.Error(err.Error()))
			return
		}
		b.respond(m, protocol.BidHistory(cmd.AuctionID, auction.HistoryCSV(bids)))

	default:
		b.respond(m, protocol.Error("unsupported command over the bus"))
	}
}

func (b *NATSBridge) respond(m *nats.Msg, msg string) {
	if m.Reply == "" {
		return
	}
	if err := m.Respond([]byte(msg)); err != nil {
		log.Warn().Err(err).Msg("NATS respond failed")
	}
}

func (b *NATSBridge) Close() {
	if b.sub != nil {
		b.sub.Unsubscribe()
	}
	b.nc.Drain()
}

func eventType(msg string) string {
	if i := strings.IndexByte(msg, '|'); i > 0 {
		return msg[:i]
	}
	return msg
}
