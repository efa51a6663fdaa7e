package peer

import (
	"maps"
	"time"
)

// Record is what the coordinator knows about one peer.
type Record struct {
	ID         string            `json:"id"`
	Addr       string            `json:"addr"`
	LastSeen   time.Time         `json:"lastSeen"`
	Generation uint64            `json:"generation"`
	Claims     map[string]uint64 `json:"claims,omitempty"`
	Departed   bool              `json:"departed,omitempty"`
	Draining   bool              `json:"draining,omitempty"`
}

func (r *Record) copy() Record {
	c := *r
	c.Claims = maps.Clone(r.Claims)
	return c
}

// Claim is one ownership claim as seen from this instance.
type Claim struct {
	Key    string `json:"key"`
	Holder string `json:"holder"`
	Epoch  uint64 `json:"epoch"`
	// Owner is the local service that holds the claim. Empty for remote
	// claims.
	Owner string `json:"owner,omitempty"`
	// ExpiresAt is set for local claims only.
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
	Local     bool      `json:"local"`
}

// Bus topics raised by the coordinator.
const (
	TopicPeerJoined    = "peer.joined"
	TopicPeerDeparted  = "peer.departed"
	TopicPeerLeft      = "peer.left"
	TopicClaimAcquired = "claim.acquired"
	TopicClaimReleased = "claim.released"
	TopicClaimExpired  = "claim.expired"
	topicSplitPrefix   = "claim.split."
	// TopicSplitAll matches split ownership events for every owner.
	TopicSplitAll = "claim.split.*"

	// SourceCoordinator is the event source used by the coordinator.
	SourceCoordinator = "coordinator"
)

// SplitTopic is the topic on which owner is told about split ownership of
// one of its claims.
func SplitTopic(owner string) string { return topicSplitPrefix + owner }

// Release reasons carried in ClaimReleased.
const (
	ReleaseExplicit     = "released"
	ReleasePeerDeparted = "peer-departed"
	ReleasePeerLeft     = "peer-left"
	ReleaseRestarted    = "peer-restarted"
)

// PeerEvent is the payload of peer membership topics.
type PeerEvent struct {
	ID         string `json:"id"`
	Addr       string `json:"addr"`
	Generation uint64 `json:"generation"`
}

// ClaimEvent is the payload of claim.acquired, claim.released and
// claim.expired.
type ClaimEvent struct {
	Key    string `json:"key"`
	Holder string `json:"holder"`
	Epoch  uint64 `json:"epoch"`
	Owner  string `json:"owner,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// SplitOwnership reports two peers that both consider themselves the holder
// of Key. The coordinator does not resolve it; the owning service decides.
type SplitOwnership struct {
	Key         string `json:"key"`
	Owner       string `json:"owner"`
	LocalEpoch  uint64 `json:"localEpoch"`
	Remote      string `json:"remote"`
	RemoteEpoch uint64 `json:"remoteEpoch"`
	// Winner is the claim that ranks first under (epoch, peer id).
	Winner string `json:"winner"`
}

// outranks reports whether the claim (epochA, idA) beats (epochB, idB):
// higher epoch first, then lower peer id.
func outranks(epochA uint64, idA string, epochB uint64, idB string) bool {
	if epochA != epochB {
		return epochA > epochB
	}
	return idA < idB
}
