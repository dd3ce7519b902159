package auction

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bideasy/auctiond/internal/sched"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []string
}

func (r *eventRecorder) Broadcast(msg string) {
	r.mu.Lock()
	r.events = append(r.events, msg)
	r.mu.Unlock()
}

func (r *eventRecorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *eventRecorder) withPrefix(prefix string) []string {
	var out []string
	for _, e := range r.all() {
		if strings.HasPrefix(e, prefix) {
			out = append(out, e)
		}
	}
	return out
}

func newTestCoordinator(t *testing.T) (*Coordinator, *eventRecorder, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	scheduler := sched.New(clock)
	t.Cleanup(scheduler.Shutdown)
	rec := &eventRecorder{}
	return NewCoordinator(clock, scheduler, rec, nil), rec, clock
}

func TestCreateAuction_Validation(t *testing.T) {
	t.Parallel()
	c, _, _ := newTestCoordinator(t)

	tests := []struct {
		name        string
		auctionName string
		startPrice  float64
		durationSec int
	}{
		{name: "empty_name", auctionName: "", startPrice: 10, durationSec: 30},
		{name: "negative_price", auctionName: "Lamp", startPrice: -1, durationSec: 30},
		{name: "zero_duration", auctionName: "Lamp", startPrice: 10, durationSec: 0},
		{name: "negative_duration", auctionName: "Lamp", startPrice: 10, durationSec: -5},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := c.CreateAuction(tc.auctionName, tc.startPrice, tc.durationSec, "alice", "")
			require.ErrorIs(t, err, ErrInvalidInput)
		})
	}

	// Zero start price is allowed.
	_, err := c.CreateAuction("Freebie", 0, 30, "alice", "")
	require.NoError(t, err)
}

func TestCreateAuction_ConcurrentIDsAreDistinct(t *testing.T) {
	t.Parallel()
	c, _, _ := newTestCoordinator(t)

	const n = 100
	ids := make(chan int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := c.CreateAuction("Lamp", 100, 600, "alice", "")
			require.NoError(t, err)
			ids <- id
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[int64]bool, n)
	for id := range ids {
		require.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
	}
	// No gaps either: exactly 0..n-1 were handed out.
	for i := int64(0); i < n; i++ {
		assert.True(t, seen[i], "missing id %d", i)
	}
}

func TestPlaceBid_RejectionReasons(t *testing.T) {
	t.Parallel()
	c, _, clock := newTestCoordinator(t)

	id, err := c.CreateAuction("Lamp", 100, 30, "carol", "")
	require.NoError(t, err)

	require.ErrorIs(t, c.PlaceBid(id+999, 150, "alice"), ErrUnknownAuction)
	require.ErrorIs(t, c.PlaceBid(id, 100, "alice"), ErrBidTooLow, "equal to current bid")
	require.ErrorIs(t, c.PlaceBid(id, 50, "alice"), ErrBidTooLow)

	require.NoError(t, c.PlaceBid(id, 150, "alice"))
	require.ErrorIs(t, c.PlaceBid(id, 120, "bob"), ErrBidTooLow)

	clock.Advance(30 * time.Second)
	require.Eventually(t, func() bool {
		return c.get(id).view().State == StateEnded
	}, time.Second, time.Millisecond)

	require.ErrorIs(t, c.PlaceBid(id, 500, "bob"), ErrAuctionEnded)
}

func TestPlaceBid_ConcurrentBidsStrictlyIncreasing(t *testing.T) {
	t.Parallel()
	c, _, _ := newTestCoordinator(t)

	id, err := c.CreateAuction("Lamp", 100, 600, "carol", "")
	require.NoError(t, err)

	const bidders = 50
	var wg sync.WaitGroup
	for i := 0; i < bidders; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Errors are expected: only bids that beat the committed value win.
			_ = c.PlaceBid(id, float64(101+i), fmt.Sprintf("user-%d", i))
		}()
	}
	wg.Wait()

	history, err := c.BidHistory(id)
	require.NoError(t, err)
	require.NotEmpty(t, history)

	for i := 1; i < len(history); i++ {
		assert.Greater(t, history[i].Amount, history[i-1].Amount,
			"accepted bids must be strictly increasing in acceptance order")
	}

	v := c.get(id).view()
	last := history[len(history)-1]
	assert.Equal(t, last.Bidder, v.HighestBidder)
	assert.Equal(t, last.Amount, v.CurrentBid)
	assert.Equal(t, len(history), v.BidCount)
	assert.Equal(t, float64(150), v.CurrentBid, "highest proposed bid always lands last")
}

func TestEndAuction_WinnerAndImmutability(t *testing.T) {
	t.Parallel()
	c, rec, clock := newTestCoordinator(t)

	id, err := c.CreateAuction("Lamp", 100, 30, "carol", "")
	require.NoError(t, err)
	require.NoError(t, c.PlaceBid(id, 150, "alice"))

	clock.Advance(30 * time.Second)
	require.Eventually(t, func() bool {
		return len(rec.withPrefix("END|")) == 1
	}, time.Second, time.Millisecond)

	assert.Equal(t, fmt.Sprintf("END|%d|alice|150", id), rec.withPrefix("END|")[0])

	before := c.get(id).view()
	require.ErrorIs(t, c.PlaceBid(id, 500, "bob"), ErrAuctionEnded)
	assert.Equal(t, before, c.get(id).view(), "ended auction must be frozen")

	// A second end fire is a no-op.
	c.endAuction(id)
	assert.Len(t, rec.withPrefix("END|"), 1)
}

func TestEndAuction_NoBidsSentinel(t *testing.T) {
	t.Parallel()
	c, rec, clock := newTestCoordinator(t)

	id, err := c.CreateAuction("Lamp", 100, 5, "carol", "")
	require.NoError(t, err)

	clock.Advance(5 * time.Second)
	require.Eventually(t, func() bool {
		return len(rec.withPrefix("END|")) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, fmt.Sprintf("END|%d|No bids|100", id), rec.withPrefix("END|")[0])
}

func TestBidHistory_DefensiveCopy(t *testing.T) {
	t.Parallel()
	c, _, _ := newTestCoordinator(t)

	id, err := c.CreateAuction("Lamp", 100, 600, "carol", "")
	require.NoError(t, err)

	_, err = c.BidHistory(id + 1)
	require.ErrorIs(t, err, ErrUnknownAuction)

	require.NoError(t, c.PlaceBid(id, 110, "alice"))
	require.NoError(t, c.PlaceBid(id, 120, "bob"))

	history, err := c.BidHistory(id)
	require.NoError(t, err)
	require.Len(t, history, 2)

	history[0].Bidder = "mallory"
	history[0].Amount = 1

	fresh, err := c.BidHistory(id)
	require.NoError(t, err)
	assert.Equal(t, "alice", fresh[0].Bidder)
	assert.Equal(t, float64(110), fresh[0].Amount)
}

func TestBiddingWar_TriggersAtThreshold(t *testing.T) {
	t.Parallel()
	c, rec, _ := newTestCoordinator(t)

	id, err := c.CreateAuction("Lamp", 100, 600, "carol", "")
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		require.NoError(t, c.PlaceBid(id, float64(110+i*10), "alice"))
	}
	assert.Empty(t, rec.withPrefix("NOTIFY|BIDDING_WAR|"))

	require.NoError(t, c.PlaceBid(id, 200, "bob"))
	require.Len(t, rec.withPrefix("NOTIFY|BIDDING_WAR|"), 1)

	// The counter reset: four more bids stay quiet, the fifth wars again.
	for i := 0; i < 4; i++ {
		require.NoError(t, c.PlaceBid(id, float64(210+i*10), "alice"))
	}
	require.Len(t, rec.withPrefix("NOTIFY|BIDDING_WAR|"), 1)
	require.NoError(t, c.PlaceBid(id, 300, "bob"))
	assert.Len(t, rec.withPrefix("NOTIFY|BIDDING_WAR|"), 2)
}

func TestBiddingWar_DecayResetsCounter(t *testing.T) {
	t.Parallel()
	c, rec, clock := newTestCoordinator(t)

	id, err := c.CreateAuction("Lamp", 100, 3600, "carol", "")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, c.PlaceBid(id, float64(110+i*10), "alice"))
	}

	// The decay timers armed by those bids fire and reset the streak.
	clock.Advance(biddingWarDecay)
	require.Eventually(t, func() bool {
		a := c.get(id)
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.warBids == 0
	}, time.Second, time.Millisecond)

	// Two more bids: five accepted in total, but no war after the reset.
	require.NoError(t, c.PlaceBid(id, 200, "bob"))
	require.NoError(t, c.PlaceBid(id, 210, "bob"))
	assert.Empty(t, rec.withPrefix("NOTIFY|BIDDING_WAR|"))
}

func TestEndingSoon_NotificationSchedule(t *testing.T) {
	t.Parallel()

	t.Run("long_auction_notifies", func(t *testing.T) {
		c, rec, clock := newTestCoordinator(t)
		id, err := c.CreateAuction("Lamp", 100, 30, "carol", "")
		require.NoError(t, err)

		clock.Advance(20 * time.Second)
		require.Eventually(t, func() bool {
			return len(rec.withPrefix("NOTIFY|ENDING_SOON|")) == 1
		}, time.Second, time.Millisecond)
		assert.Contains(t, rec.withPrefix("NOTIFY|ENDING_SOON|")[0], fmt.Sprintf("NOTIFY|ENDING_SOON|%d|", id))
	})

	t.Run("short_auction_skips", func(t *testing.T) {
		c, rec, clock := newTestCoordinator(t)
		_, err := c.CreateAuction("Quick", 100, 8, "carol", "")
		require.NoError(t, err)

		clock.Advance(8 * time.Second)
		require.Eventually(t, func() bool {
			return len(rec.withPrefix("END|")) == 1
		}, time.Second, time.Millisecond)
		assert.Empty(t, rec.withPrefix("NOTIFY|ENDING_SOON|"))
	})
}

// TestLifecycle_ExampleScenario walks the documented end-to-end exchange:
// CREATE Lamp at 100 for 30s, alice bids 150, bob's 120 is too low, the
// auction ends with alice winning at 150.
func TestLifecycle_ExampleScenario(t *testing.T) {
	t.Parallel()
	c, rec, clock := newTestCoordinator(t)

	id, err := c.CreateAuction("Lamp", 100, 30, "carol", "")
	require.NoError(t, err)
	assert.Equal(t, int64(0), id)
	assert.Contains(t, rec.all(), "NEW_AUCTION|0|Lamp|100|30")

	require.NoError(t, c.PlaceBid(0, 150, "alice"))
	assert.Contains(t, rec.all(), "UPDATE|0|150|alice")

	require.ErrorIs(t, c.PlaceBid(0, 120, "bob"), ErrBidTooLow)

	clock.Advance(30 * time.Second)
	require.Eventually(t, func() bool {
		return len(rec.withPrefix("END|")) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, "END|0|alice|150", rec.withPrefix("END|")[0])
}
