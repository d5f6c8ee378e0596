package domain

import (
	"math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Kind tags the payload carried inside a blueprint.
type Kind uint8

const (
	KindUnknown   Kind = 0
	KindOrder     Kind = 1
	KindAgreement Kind = 2
)

// String returns the lower-case name of the kind.
func (k Kind) String() string {
	switch k {
	case KindOrder:
		return "order"
	case KindAgreement:
		return "agreement"
	default:
		return "unknown"
	}
}

// NoExpiry is the expiry of blueprints that never expire (protocol-published
// Agreements).
const NoExpiry uint64 = math.MaxUint64

// Blueprint is the generic signed-intent envelope. Data is the tagged payload
// produced by the blueprint codec. Expiry is a unix timestamp in seconds.
type Blueprint struct {
	Publisher common.Address `json:"publisher"`
	Data      hexutil.Bytes  `json:"data"`
	Expiry    uint64         `json:"expiry"`
}

// SignedBlueprint is a blueprint together with its claimed hash and the
// publisher's 65-byte secp256k1 signature over that hash.
type SignedBlueprint struct {
	Blueprint     Blueprint     `json:"blueprint"`
	BlueprintHash common.Hash   `json:"blueprintHash"`
	Signature     hexutil.Bytes `json:"signature"`
}

// Published is a SignedBlueprint as stored in the append-only publication log.
type Published struct {
	Signed      SignedBlueprint `json:"signed"`
	Kind        Kind            `json:"kind"`
	PublishedAt int64           `json:"publishedAt"` // unix seconds
}
