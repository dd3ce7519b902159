package auction

import "errors"

// Domain errors. They are reported to the originating session only and are
// non-fatal; no state changes when one is returned.
var (
	ErrUnknownAuction = errors.New("unknown auction")
	ErrAuctionEnded   = errors.New("auction has ended")
	ErrBidTooLow      = errors.New("bid too low")
	ErrInvalidInput   = errors.New("invalid input")
)
