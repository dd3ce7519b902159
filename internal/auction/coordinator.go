package auction

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/bideasy/auctiond/internal/protocol"
	"github.com/bideasy/auctiond/internal/sched"
)

const (
	// biddingWarThreshold accepted bids since the last reset trigger a
	// bidding-war notification.
	biddingWarThreshold = 5
	// biddingWarDecay is armed after every accepted bid and resets the
	// counter unconditionally when it fires. This is the original coarse
	// heuristic, not a sliding window: overlapping timers can reset the
	// counter mid-streak.
	biddingWarDecay = 60 * time.Second
	// endingSoonLead is how far before expiry the ending-soon notification
	// fires, for auctions long enough to carry one.
	endingSoonLead = 10 * time.Second
)

// Broadcaster delivers one event to every registered observer. The hub
// satisfies this.
type Broadcaster interface {
	Broadcast(msg string)
}

// Notifier is a best-effort sink for the auxiliary rich notifications
// (UDP and similar fire-and-forget transports). Never authoritative.
type Notifier interface {
	Publish(msg string)
}

// Coordinator owns all auction entities, arbitrates bids, drives lifecycle
// transitions through the scheduler and publishes events through the hub.
// One Coordinator is constructed per process; there is no ambient state.
type Coordinator struct {
	clock  clockwork.Clock
	sched  *sched.Scheduler
	events Broadcaster
	aux    Notifier // may be nil

	nextID atomic.Int64

	mu       sync.RWMutex
	auctions map[int64]*auction
}

// NewCoordinator wires the coordinator to its collaborators. aux may be nil
// when no fire-and-forget notification transport is configured.
func NewCoordinator(clock clockwork.Clock, scheduler *sched.Scheduler, events Broadcaster, aux Notifier) *Coordinator {
	return &Coordinator{
		clock:    clock,
		sched:    scheduler,
		events:   events,
		aux:      aux,
		auctions: make(map[int64]*auction),
	}
}

// CreateAuction allocates the next auction id atomically, stores the auction,
// activates it, publishes NEW_AUCTION and schedules its end. imageRef is
// optional ("" for none).
func (c *Coordinator) CreateAuction(name string, startPrice float64, durationSec int, creator, imageRef string) (int64, error) {
	if name == "" {
		return 0, fmt.Errorf("%w: auction name is required", ErrInvalidInput)
	}
	if startPrice < 0 {
		return 0, fmt.Errorf("%w: start price must be >= 0", ErrInvalidInput)
	}
	if durationSec <= 0 {
		return 0, fmt.Errorf("%w: duration must be > 0", ErrInvalidInput)
	}

	id := c.nextID.Add(1) - 1
	now := c.clock.Now()
	a := &auction{
		id:          id,
		name:        name,
		startPrice:  startPrice,
		currentBid:  startPrice,
		durationSec: durationSec,
		creator:     creator,
		createdAt:   now,
		imageRef:    imageRef,
		state:       StatePending,
	}

	c.mu.Lock()
	c.auctions[id] = a
	c.mu.Unlock()

	a.mu.Lock()
	a.state = StateActive
	a.mu.Unlock()

	c.events.Broadcast(protocol.NewAuction(id, name, startPrice, durationSec, imageRef))
	c.publishNotify(protocol.NotifyAuctionStart, id,
		fmt.Sprintf("%s is open at $%s, listed by %s", name, formatAmount(startPrice), creator))

	duration := time.Duration(durationSec) * time.Second
	c.sched.After(duration, fmt.Sprintf("auction-%d-end", id), func() {
		c.endAuction(id)
	})
	if duration > endingSoonLead {
		c.sched.After(duration-endingSoonLead, fmt.Sprintf("auction-%d-ending-soon", id), func() {
			c.notifyEndingSoon(id)
		})
	}

	log.Info().
		Int64("auction_id", id).
		Str("name", name).
		Float64("start_price", startPrice).
		Int("duration_sec", durationSec).
		Str("creator", creator).
		Msg("auction created")

	return id, nil
}

// PlaceBid evaluates one bid atomically against the target auction. The whole
// read-compare-write runs under the auction's mutex so concurrent bids that
// each beat the pre-bid value but not each other cannot both be accepted.
func (c *Coordinator) PlaceBid(id int64, amount float64, bidder string) error {
	a := c.get(id)
	if a == nil {
		return fmt.Errorf("auction %d: %w", id, ErrUnknownAuction)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state == StateEnded {
		return fmt.Errorf("auction %d: %w", id, ErrAuctionEnded)
	}
	if amount <= a.currentBid {
		return fmt.Errorf("auction %d: %w: current bid is %s", id, ErrBidTooLow, formatAmount(a.currentBid))
	}

	now := c.clock.Now()
	a.currentBid = amount
	a.highestBidder = bidder
	a.history = append(a.history, Bid{Bidder: bidder, Amount: amount, At: now})
	a.bidCount++
	a.lastBidAt = now
	a.warBids++

	// State is fully committed above; events published while still holding
	// the auction mutex keep per-auction event order equal to commit order.
	c.events.Broadcast(protocol.Update(id, amount, bidder))
	c.publishNotify(protocol.NotifyBid, id,
		fmt.Sprintf("%s bid $%s on %s", bidder, formatAmount(amount), a.name))

	if a.warBids >= biddingWarThreshold {
		count := a.warBids
		a.warBids = 0
		c.publishNotify(protocol.NotifyBiddingWar, id,
			fmt.Sprintf("%d bids in quick succession on %s", count, a.name))
	}

	c.sched.After(biddingWarDecay, fmt.Sprintf("auction-%d-war-decay", id), func() {
		c.resetWarCounter(id)
	})

	log.Info().
		Int64("auction_id", id).
		Str("bidder", bidder).
		Float64("amount", amount).
		Int("bid_count", a.bidCount).
		Msg("bid accepted")

	return nil
}

// BidHistory returns an ordered defensive copy of the auction's accepted bid
// records.
func (c *Coordinator) BidHistory(id int64) ([]Bid, error) {
	a := c.get(id)
	if a == nil {
		return nil, fmt.Errorf("auction %d: %w", id, ErrUnknownAuction)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Bid(nil), a.history...), nil
}

// Auctions returns snapshots of every known auction ordered by id. Used to
// replay state to freshly authenticated sessions.
func (c *Coordinator) Auctions() []View {
	c.mu.RLock()
	all := make([]*auction, 0, len(c.auctions))
	for _, a := range c.auctions {
		all = append(all, a)
	}
	c.mu.RUnlock()

	views := make([]View, 0, len(all))
	for _, a := range all {
		views = append(views, a.view())
	}
	sort.Slice(views, func(i, j int) bool { return views[i].ID < views[j].ID })
	return views
}

// endAuction is invoked only by the scheduler. Idempotent: a second fire on
// an already-ended auction is a no-op.
func (c *Coordinator) endAuction(id int64) {
	a := c.get(id)
	if a == nil {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state == StateEnded {
		return
	}
	a.state = StateEnded

	winner := a.highestBidder
	if a.bidCount == 0 {
		winner = NoBidsWinner
	}

	c.events.Broadcast(protocol.End(id, winner, a.currentBid))
	c.publishNotify(protocol.NotifyAuctionEnd, id,
		fmt.Sprintf("%s closed. Winner: %s at $%s", a.name, winner, formatAmount(a.currentBid)))

	log.Info().
		Int64("auction_id", id).
		Str("winner", winner).
		Float64("final_price", a.currentBid).
		Msg("auction ended")
}

// notifyEndingSoon fires from the scheduler; a no-op when the auction has
// already ended by the time the task runs.
func (c *Coordinator) notifyEndingSoon(id int64) {
	a := c.get(id)
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == StateEnded {
		return
	}
	c.publishNotify(protocol.NotifyEndingSoon, id,
		fmt.Sprintf("Only %d seconds left on %s", int(endingSoonLead.Seconds()), a.name))
}

// resetWarCounter is the decay action armed after each accepted bid. It
// resets unconditionally, matching the documented coarse behavior.
func (c *Coordinator) resetWarCounter(id int64) {
	a := c.get(id)
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == StateEnded {
		return
	}
	a.warBids = 0
}

func (c *Coordinator) get(id int64) *auction {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.auctions[id]
}

// publishNotify fans a rich notification out through the hub and, when
// configured, through the fire-and-forget notifier.
func (c *Coordinator) publishNotify(kind string, id int64, msg string) {
	text := protocol.Notify(kind, id, msg)
	c.events.Broadcast(text)
	if c.aux != nil {
		c.aux.Publish(text)
	}
}
