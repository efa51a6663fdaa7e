package peer

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Kind identifies the message carried by an Envelope.
type Kind uint8

const (
	KindHeartbeat Kind = iota + 1
	KindClaimRequest
	KindClaimResponse
	KindRelease
	KindLeave
)

func (k Kind) String() string {
	switch k {
	case KindHeartbeat:
		return "heartbeat"
	case KindClaimRequest:
		return "claim-request"
	case KindClaimResponse:
		return "claim-response"
	case KindRelease:
		return "release"
	case KindLeave:
		return "leave"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Reject reasons carried in ClaimResponse.Reason.
const (
	ReasonHeld      = "held"
	ReasonContended = "contended"
)

// Envelope is the single datagram type exchanged between peers. Exactly one
// payload field matching Kind is set. Integer keys keep datagrams small and
// the encoding is RFC 8949 core deterministic, so equal messages encode to
// identical bytes in every implementation.
type Envelope struct {
	Version       uint8          `cbor:"1,keyasint"`
	Kind          Kind           `cbor:"2,keyasint"`
	Heartbeat     *Heartbeat     `cbor:"3,keyasint,omitempty"`
	ClaimRequest  *ClaimRequest  `cbor:"4,keyasint,omitempty"`
	ClaimResponse *ClaimResponse `cbor:"5,keyasint,omitempty"`
	Release       *Release       `cbor:"6,keyasint,omitempty"`
	Leave         *Leave         `cbor:"7,keyasint,omitempty"`
}

// WireVersion is the current Envelope version.
const WireVersion = 1

// Heartbeat announces liveness and the claims held by the sender.
type Heartbeat struct {
	From       string `cbor:"1,keyasint"`
	Addr       string `cbor:"2,keyasint"`
	Generation uint64 `cbor:"3,keyasint"`
	// Timestamp is the sender's clock in unix nanoseconds. It is
	// informational; liveness uses the receiver's clock.
	Timestamp int64             `cbor:"4,keyasint"`
	Claims    map[string]uint64 `cbor:"5,keyasint"`
	Draining  bool              `cbor:"6,keyasint,omitempty"`
}

// ClaimRequest asks every live peer to accept a claim on Key at Epoch.
type ClaimRequest struct {
	RequestID string `cbor:"1,keyasint"`
	Key       string `cbor:"2,keyasint"`
	From      string `cbor:"3,keyasint"`
	Addr      string `cbor:"4,keyasint"`
	Epoch     uint64 `cbor:"5,keyasint"`
}

// ClaimResponse accepts or rejects a ClaimRequest. A reject names the claim
// that beat the request.
type ClaimResponse struct {
	RequestID   string `cbor:"1,keyasint"`
	Key         string `cbor:"2,keyasint"`
	From        string `cbor:"3,keyasint"`
	Accept      bool   `cbor:"4,keyasint"`
	Reason      string `cbor:"5,keyasint,omitempty"`
	Holder      string `cbor:"6,keyasint,omitempty"`
	HolderEpoch uint64 `cbor:"7,keyasint,omitempty"`
}

// Release announces that From gave up Key.
type Release struct {
	From  string `cbor:"1,keyasint"`
	Key   string `cbor:"2,keyasint"`
	Epoch uint64 `cbor:"3,keyasint"`
}

// Leave announces a graceful departure.
type Leave struct {
	From       string `cbor:"1,keyasint"`
	Generation uint64 `cbor:"2,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("peer: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		MaxMapPairs: 1 << 16,
	}.DecMode()
	if err != nil {
		panic("peer: CBOR decoder initialization failed: " + err.Error())
	}
}

// Encode serializes env.
func Encode(env *Envelope) ([]byte, error) {
	if env.Version == 0 {
		env.Version = WireVersion
	}
	return encMode.Marshal(env)
}

// Decode parses a datagram and checks that the payload matches Kind.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Version != WireVersion {
		return nil, fmt.Errorf("unsupported wire version %d", env.Version)
	}
	var ok bool
	switch env.Kind {
	case KindHeartbeat:
		ok = env.Heartbeat != nil
	case KindClaimRequest:
		ok = env.ClaimRequest != nil
	case KindClaimResponse:
		ok = env.ClaimResponse != nil
	case KindRelease:
		ok = env.Release != nil
	case KindLeave:
		ok = env.Leave != nil
	}
	if !ok {
		return nil, fmt.Errorf("envelope %s has no matching payload", env.Kind)
	}
	return &env, nil
}
