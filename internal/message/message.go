package message

// This file provides the common data objects used by the rest of the
// program.

// ChangeKind classifies a change reported by a remote mailbox.
type ChangeKind int

const (
	// Created means the remote observed a new message.
	Created ChangeKind = iota

	// Updated means an existing message changed in some way.  For
	// immutable mail objects this is label or flag churn, never a
	// content change.
	Updated

	// Destroyed means the remote deleted or moved the message away.
	// The archive never acts on this beyond acknowledging it.
	Destroyed
)

func (k ChangeKind) String() string {
	switch k {
	case Created:
		return "created"
	case Updated:
		return "updated"
	case Destroyed:
		return "destroyed"
	}
	return "unknown"
}

// ParseChangeKind is the inverse of ChangeKind.String.  Unknown
// strings map to Updated, the weakest interpretation.
func ParseChangeKind(s string) ChangeKind {
	switch s {
	case "created":
		return Created
	case "destroyed":
		return Destroyed
	}
	return Updated
}

// ChangeRecord is one change reported by the remote mailbox during a
// sync pass.  Records are ephemeral; they are consumed entirely
// within the pass that fetched them.
type ChangeRecord struct {
	// The permanent and unique ID of the message in the remote
	// mailbox.
	RemoteID string

	Kind ChangeKind
}

// ChangePage is one page of a remote change feed.
type ChangePage struct {
	Records []ChangeRecord

	// The token to resume from after this page.  Remotes guarantee
	// any returned token is a valid resumption point, including
	// tokens handed out mid-sequence.
	NextToken string

	// HasMore reports whether further changes exist beyond this
	// page.
	HasMore bool
}

// Profile defines per-account information in a remote mailbox.
type Profile struct {
	EmailAddress string

	// The remote's current change-feed position.
	Token string
}
