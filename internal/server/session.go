// Package server holds the transport listeners: TCP line-framed sessions,
// WebSocket sessions, the UDP notifier and the NATS bridge. Transports own
// their connections; the hub holds only the observer capability.
package server

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/bideasy/auctiond/internal/auction"
	"github.com/bideasy/auctiond/internal/hub"
	"github.com/bideasy/auctiond/internal/protocol"
)

const sessionSendBuffer = 64

var errSessionClosed = errors.New("session closed")

// session is one connected client, anonymous until LOGIN. It satisfies
// hub.Observer: Send queues a message for the transport's write pump and
// never blocks a broadcast.
type session struct {
	id   string
	send chan string
	done chan struct{}

	mu   sync.Mutex
	name string

	closeOnce sync.Once
}

func newSession() *session {
	return &session{
		id:   uuid.New().String(),
		send: make(chan string, sessionSendBuffer),
		done: make(chan struct{}),
	}
}

// Send enqueues msg for delivery. A full buffer counts as a transport
// failure so the hub drops the slow consumer instead of stalling fanout.
func (s *session) Send(msg string) error {
	select {
	case <-s.done:
		return fmt.Errorf("%w: %s", errSessionClosed, s.id)
	default:
	}
	select {
	case s.send <- msg:
		return nil
	case <-s.done:
		return fmt.Errorf("%w: %s", errSessionClosed, s.id)
	default:
		return fmt.Errorf("send buffer full for session %s", s.id)
	}
}

func (s *session) Identity() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

func (s *session) setName(name string) {
	s.mu.Lock()
	s.name = name
	s.mu.Unlock()
}

func (s *session) authenticated() bool {
	return s.Identity() != ""
}

// close is idempotent; both the read and write paths may race to call it.
func (s *session) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Handler routes parsed commands to the coordinator and replies to the
// originating session. All transports share one Handler.
type Handler struct {
	coord *auction.Coordinator
	hub   *hub.Hub
}

func NewHandler(coord *auction.Coordinator, h *hub.Hub) *Handler {
	return &Handler{coord: coord, hub: h}
}

// HandleLine processes one inbound protocol line for sess. Protocol and
// domain errors go back to the originator only; the connection stays open.
func (h *Handler) HandleLine(sess *session, line string) {
	cmd, err := protocol.Parse(line)
	if err != nil {
		h.reply(sess, protocol.Error(err.Error()))
		return
	}

	if cmd.Kind == protocol.CmdLogin {
		h.login(sess, cmd.Username)
		return
	}

	if !sess.authenticated() {
		h.reply(sess, protocol.Error("please login first"))
		return
	}

	switch cmd.Kind {
	case protocol.CmdCreate:
		if _, err := h.coord.CreateAuction(cmd.Name, cmd.StartPrice, cmd.DurationSec, sess.Identity(), cmd.ImageRef); err != nil {
			h.reply(sess, protocol.Error(err.Error()))
		}

	case protocol.CmdBid:
		bidder := cmd.Bidder
		if bidder == "" {
			bidder = sess.Identity()
		}
		if err := h.coord.PlaceBid(cmd.AuctionID, cmd.Amount, bidder); err != nil {
			h.reply(sess, protocol.Error(err.Error()))
		}

	case protocol.CmdGetBidHistory:
		bids, err := h.coord.BidHistory(cmd.AuctionID)
		if err != nil {
			h.reply(sess, protocol.Error(err.Error()))
			return
		}
		h.reply(sess, protocol.BidHistory(cmd.AuctionID, auction.HistoryCSV(bids)))
	}
}

// login authenticates the session, replays current auction state to it and
// registers it with the hub. A repeated LOGIN just renames the session.
func (h *Handler) login(sess *session, username string) {
	sess.setName(username)
	h.reply(sess, protocol.Welcome(username))

	// Catch the new observer up before it starts receiving live events.
	for _, v := range h.coord.Auctions() {
		h.reply(sess, protocol.NewAuction(v.ID, v.Name, v.StartPrice, v.DurationSec, v.ImageRef))
		if v.BidCount > 0 {
			h.reply(sess, protocol.Update(v.ID, v.CurrentBid, v.HighestBidder))
		}
		if v.State == auction.StateEnded {
			winner := v.HighestBidder
			if v.BidCount == 0 {
				winner = auction.NoBidsWinner
			}
			h.reply(sess, protocol.End(v.ID, winner, v.CurrentBid))
		}
	}

	h.hub.Register(sess)
	log.Info().Str("session_id", sess.id).Str("username", username).Msg("session authenticated")
}

// Detach unregisters and closes a session. Safe to call more than once.
func (h *Handler) Detach(sess *session) {
	h.hub.Unregister(sess)
	sess.close()
}

func (h *Handler) reply(sess *session, msg string) {
	if err := sess.Send(msg); err != nil {
		log.Warn().Err(err).Str("session_id", sess.id).Msg("reply dropped")
	}
}

// sourceKey derives the admission key for a remote address: the host part,
// so one origin address shares one cap across ports.
func sourceKey(remoteAddr string) string {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}
