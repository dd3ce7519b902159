// Package protocol implements the pipe-delimited text protocol spoken on
// every transport. Commands flow client to server, events flow server to
// every registered observer.
package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Command types (client -> server).
const (
	CmdLogin         = "LOGIN"
	CmdCreate        = "CREATE"
	CmdBid           = "BID"
	CmdGetBidHistory = "GET_BID_HISTORY"
)

// Event types (server -> observers).
const (
	EvtWelcome    = "WELCOME"
	EvtError      = "ERROR"
	EvtNewAuction = "NEW_AUCTION"
	EvtUpdate     = "UPDATE"
	EvtEnd        = "END"
	EvtBidHistory = "BID_HISTORY"
	EvtNotify     = "NOTIFY"
)

// Rich notification kinds carried inside NOTIFY events.
const (
	NotifyAuctionStart = "AUCTION_START"
	NotifyBid          = "HIGH_BID"
	NotifyBiddingWar   = "BIDDING_WAR"
	NotifyEndingSoon   = "ENDING_SOON"
	NotifyAuctionEnd   = "AUCTION_END"
)

// ErrMalformed is returned for any line that cannot be parsed into a
// well-formed command. The connection stays open; only the originating
// session sees the error.
var ErrMalformed = errors.New("malformed command")

// Command is a parsed client command. Only the fields relevant to Kind are
// populated.
type Command struct {
	Kind string

	Username string // LOGIN

	Name        string // CREATE
	StartPrice  float64
	DurationSec int
	ImageRef    string

	AuctionID int64 // BID, GET_BID_HISTORY
	Amount    float64
	Bidder    string
}

// Parse parses a single protocol line into a Command.
func Parse(line string) (Command, error) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return Command{}, fmt.Errorf("%w: empty line", ErrMalformed)
	}
	parts := strings.Split(line, "|")

	switch parts[0] {
	case CmdLogin:
		if len(parts) != 2 || parts[1] == "" {
			return Command{}, fmt.Errorf("%w: LOGIN expects a username", ErrMalformed)
		}
		return Command{Kind: CmdLogin, Username: parts[1]}, nil

	case CmdCreate:
		if len(parts) != 4 && len(parts) != 5 {
			return Command{}, fmt.Errorf("%w: CREATE expects name, start price and duration", ErrMalformed)
		}
		price, err := strconv.ParseFloat(parts[2], 64)
		if err != nil {
			return Command{}, fmt.Errorf("%w: bad start price %q", ErrMalformed, parts[2])
		}
		dur, err := strconv.Atoi(parts[3])
		if err != nil {
			return Command{}, fmt.Errorf("%w: bad duration %q", ErrMalformed, parts[3])
		}
		cmd := Command{Kind: CmdCreate, Name: parts[1], StartPrice: price, DurationSec: dur}
		if len(parts) == 5 {
			cmd.ImageRef = parts[4]
		}
		return cmd, nil

	case CmdBid:
		if len(parts) != 4 {
			return Command{}, fmt.Errorf("%w: BID expects auction id, amount and bidder", ErrMalformed)
		}
		id, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return Command{}, fmt.Errorf("%w: bad auction id %q", ErrMalformed, parts[1])
		}
		amount, err := strconv.ParseFloat(parts[2], 64)
		if err != nil {
			return Command{}, fmt.Errorf("%w: bad amount %q", ErrMalformed, parts[2])
		}
		return Command{Kind: CmdBid, AuctionID: id, Amount: amount, Bidder: parts[3]}, nil

	case CmdGetBidHistory:
		if len(parts) != 2 {
			return Command{}, fmt.Errorf("%w: GET_BID_HISTORY expects an auction id", ErrMalformed)
		}
		id, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return Command{}, fmt.Errorf("%w: bad auction id %q", ErrMalformed, parts[1])
		}
		return Command{Kind: CmdGetBidHistory, AuctionID: id}, nil

	default:
		return Command{}, fmt.Errorf("%w: unknown command %q", ErrMalformed, parts[0])
	}
}

// price renders amounts the shortest way that round-trips, so whole amounts
// stay whole on the wire ("150", not "150.00").
func price(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func Welcome(username string) string {
	return EvtWelcome + "|" + username
}

func Error(msg string) string {
	return EvtError + "|" + msg
}

func NewAuction(id int64, name string, startPrice float64, durationSec int, imageRef string) string {
	msg := fmt.Sprintf("%s|%d|%s|%s|%d", EvtNewAuction, id, name, price(startPrice), durationSec)
	if imageRef != "" {
		msg += "|" + imageRef
	}
	return msg
}

func Update(id int64, currentBid float64, bidder string) string {
	return fmt.Sprintf("%s|%d|%s|%s", EvtUpdate, id, price(currentBid), bidder)
}

func End(id int64, winner string, finalPrice float64) string {
	return fmt.Sprintf("%s|%d|%s|%s", EvtEnd, id, winner, price(finalPrice))
}

func BidHistory(id int64, csv string) string {
	return fmt.Sprintf("%s|%d|%s", EvtBidHistory, id, csv)
}

// Notify formats a rich, human-readable notification. These are additive to
// the structured events, never a replacement.
func Notify(kind string, id int64, msg string) string {
	return fmt.Sprintf("%s|%s|%d|%s", EvtNotify, kind, id, msg)
}
