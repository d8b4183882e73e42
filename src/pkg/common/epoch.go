package common

// Epoch is the coarse-grained logical timestamp of the engine. It is the unit
// of durability (group commit happens on epoch boundaries) and of read-set
// timestamping. Epochs wrap around, so all comparisons are cyclic; at most
// half of the epoch space may be in flight at any moment.
type Epoch uint32

const (
	// EpochInvalid is the zero sentinel, never a real epoch.
	EpochInvalid Epoch = 0
	// EpochInitialDurable is the durable epoch of a freshly created engine.
	EpochInitialDurable Epoch = 1
	// EpochInitialCurrent is the current global epoch of a freshly created
	// engine. It is ahead of the initial durable epoch.
	EpochInitialCurrent Epoch = 2
)

func (e Epoch) IsValid() bool { return e != EpochInvalid }

// OneMore returns the next epoch, skipping the invalid sentinel on wrap.
func (e Epoch) OneMore() Epoch {
	if e == ^Epoch(0) {
		return Epoch(1)
	}
	return e + 1
}

// Before reports whether e is cyclically earlier than other:
// (other - e) mod 2^32 must fall in (0, 2^31).
func (e Epoch) Before(other Epoch) bool {
	diff := uint32(other) - uint32(e)
	return diff != 0 && diff < 1<<31
}

// StoreMax replaces e with other when other is valid and cyclically later.
func (e *Epoch) StoreMax(other Epoch) {
	if !other.IsValid() {
		return
	}
	if !e.IsValid() || e.Before(other) {
		*e = other
	}
}

// Min returns the cyclically earlier of the two epochs. Invalid inputs lose.
func (e Epoch) Min(other Epoch) Epoch {
	if !e.IsValid() {
		return other
	}
	if !other.IsValid() {
		return e
	}
	if e.Before(other) {
		return e
	}
	return other
}
