// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package priority

// CopyDirection distinguishes a copy that fetches content from a remote
// peer (OutboundPull) from one that sends content to a remote peer
// (OutboundPush).
type CopyDirection int

const (
	// OutboundPull fetches content from a remote peer into the local
	// store.
	OutboundPull CopyDirection = iota
	// OutboundPush sends content from the local store to a remote peer.
	OutboundPush

	numDirections = int(OutboundPush) + 1
)

// String renders a human-readable description of the direction.
func (d CopyDirection) String() string {
	switch d {
	case OutboundPull:
		return "pull"
	case OutboundPush:
		return "push"
	default:
		return "unknown-direction"
	}
}

// CopyReason classifies why a copy request was made. Reasons are ordered
// by importance, most important first; this ordering is load-bearing for
// priority classification.
type CopyReason int

const (
	// Pin is a user- or policy-pinned copy: the most important reason a
	// copy can be requested.
	Pin CopyReason = iota
	// Place is a copy made to satisfy a placement decision.
	Place
	// CentralStorage is a copy to or from central, durable storage.
	CentralStorage
	// AsyncCopyOnPin is a copy triggered asynchronously as a side effect
	// of a pin elsewhere.
	AsyncCopyOnPin
	// ProactiveBackground is a speculative copy performed opportunistically
	// in the background.
	ProactiveBackground
	// ProactiveCopyOnPut is a speculative copy triggered by a put on some
	// other peer.
	ProactiveCopyOnPut
	// None is the default, least important reason.
	None

	numReasons = int(None) + 1
)

// String renders a human-readable description of the reason.
func (r CopyReason) String() string {
	switch r {
	case Pin:
		return "pin"
	case Place:
		return "place"
	case CentralStorage:
		return "central-storage"
	case AsyncCopyOnPin:
		return "async-copy-on-pin"
	case ProactiveBackground:
		return "proactive-background"
	case ProactiveCopyOnPut:
		return "proactive-copy-on-put"
	case None:
		return "none"
	default:
		return "unknown-reason"
	}
}

// ProactiveCopyLocationSource describes where a push's destination came
// from. It is meaningful only for OutboundPush requests.
type ProactiveCopyLocationSource int

const (
	// Designated indicates the destination was explicitly designated,
	// and ranks ahead of a randomly chosen one.
	Designated ProactiveCopyLocationSource = iota
	// Random indicates the destination was chosen at random.
	Random

	numSources = int(Random) + 1
)

// String renders a human-readable description of the location source.
func (s ProactiveCopyLocationSource) String() string {
	switch s {
	case Designated:
		return "designated"
	case Random:
		return "random"
	default:
		return "unknown-source"
	}
}
