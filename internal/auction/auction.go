// Package auction owns the auction entities and arbitrates concurrent bids.
// Every mutation of one auction runs under that auction's own mutex;
// different auctions are mutated fully in parallel.
package auction

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// State is the lifecycle position of an auction. Transitions are
// Pending -> Active (immediate, at creation) and Active -> Ended (scheduled
// end task only). Nothing can force an early end or revert a transition.
type State int

const (
	StatePending State = iota
	StateActive
	StateEnded
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// NoBidsWinner is the sentinel winner published when an auction ends with
// zero accepted bids.
const NoBidsWinner = "No bids"

// Bid is one accepted bid. Immutable once appended to an auction's history.
type Bid struct {
	Bidder string
	Amount float64
	At     time.Time
}

// auction is the internal mutable entity. All fields past the identity block
// are guarded by mu.
type auction struct {
	id          int64
	name        string
	startPrice  float64
	durationSec int
	creator     string
	createdAt   time.Time
	imageRef    string

	mu            sync.Mutex
	state         State
	currentBid    float64
	highestBidder string
	bidCount      int
	lastBidAt     time.Time
	history       []Bid

	// warBids counts accepted bids since the counter was last reset, for
	// bidding-war detection.
	warBids int
}

// View is a read-only snapshot of an auction, safe to hand out.
type View struct {
	ID            int64
	Name          string
	StartPrice    float64
	DurationSec   int
	Creator       string
	CreatedAt     time.Time
	ImageRef      string
	State         State
	CurrentBid    float64
	HighestBidder string
	BidCount      int
	LastBidAt     time.Time
}

func (a *auction) view() View {
	a.mu.Lock()
	defer a.mu.Unlock()
	return View{
		ID:            a.id,
		Name:          a.name,
		StartPrice:    a.startPrice,
		DurationSec:   a.durationSec,
		Creator:       a.creator,
		CreatedAt:     a.createdAt,
		ImageRef:      a.imageRef,
		State:         a.state,
		CurrentBid:    a.currentBid,
		HighestBidder: a.highestBidder,
		BidCount:      a.bidCount,
		LastBidAt:     a.lastBidAt,
	}
}

// HistoryCSV renders bid records as the BID_HISTORY payload: a header row
// followed by one Bidder,Amount,Timestamp row per accepted bid.
func HistoryCSV(bids []Bid) string {
	var b strings.Builder
	b.WriteString("Bidder,Amount,Timestamp\n")
	for _, bid := range bids {
		fmt.Fprintf(&b, "%s,%s,%d\n", bid.Bidder, formatAmount(bid.Amount), bid.At.UnixMilli())
	}
	return b.String()
}

func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
