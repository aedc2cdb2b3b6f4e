// Copyright (c) 2026, The cotxd developers
// See LICENSE for details.

package proposal

// Status indicates the state of a transaction proposal.
type Status uint16

// A proposal is created TEMPORARY, becomes PENDING when published, and ends
// either BROADCASTED (via ACCEPTED) or REJECTED. BROADCASTED and REJECTED
// proposals are immutable history.
const (
	// StatusUnknown is a sentinel value to be used when the status of a
	// proposal cannot be determined.
	StatusUnknown Status = iota

	// StatusTemporary is for proposals that have been created and had inputs
	// selected, but whose content has not yet been bound by the creator's
	// publish signature. Temporary proposals are visible only to their
	// creator and are never counted toward other copayers' locked funds.
	StatusTemporary

	// StatusPending is for published proposals collecting copayer actions.
	// The inputs of a pending proposal are exclusively reserved.
	StatusPending

	// StatusAccepted is for proposals that reached the m-signature quorum.
	// The raw signed transaction is populated when this status is reached.
	// Inputs remain reserved until the proposal is broadcast or removed.
	StatusAccepted

	// StatusRejected is for proposals with enough rejections (n - m + 1)
	// that an accept quorum is impossible. Rejection frees the proposal's
	// inputs for future selection.
	StatusRejected

	// StatusBroadcasted is for accepted proposals whose raw transaction has
	// been submitted to the network, or was found already confirmed.
	StatusBroadcasted
)

var statusNames = map[Status]string{
	StatusUnknown:     "unknown",
	StatusTemporary:   "temporary",
	StatusPending:     "pending",
	StatusAccepted:    "accepted",
	StatusRejected:    "rejected",
	StatusBroadcasted: "broadcasted",
}

// String implements Stringer.
func (s Status) String() string {
	name, ok := statusNames[s]
	if !ok {
		return "unknown"
	}
	return name
}

// Reserves indicates whether a proposal with this status holds an exclusive
// reservation on its inputs.
func (s Status) Reserves() bool {
	return s == StatusPending || s == StatusAccepted
}

// Terminal indicates whether the status is final. Terminal proposals never
// change again.
func (s Status) Terminal() bool {
	return s == StatusRejected || s == StatusBroadcasted
}
