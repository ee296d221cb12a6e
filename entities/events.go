package entities

import "time"

// HeadEvent is one observed best head: block number and hash, the Aura slot
// from the header digest and the on-chain timestamp of the block.
type HeadEvent struct {
	Number    uint64
	Hash      string
	Slot      uint64
	Timestamp time.Time
}

// FinalityEvent is one observed finalized head.
type FinalityEvent struct {
	Number uint64
	Hash   string
}
