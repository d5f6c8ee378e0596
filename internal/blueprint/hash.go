package blueprint

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/Modulend/core-v1/internal/crypto"
	"github.com/Modulend/core-v1/internal/domain"
)

// Domain name and version every blueprint signature is bound to.
const (
	DomainName    = "Modulend"
	DomainVersion = "1"
)

var blueprintTypeHash = ethcrypto.Keccak256(
	[]byte("Blueprint(address publisher,bytes data,uint256 expiry)"),
)

// Hasher computes blueprint identities for one deployment (chain id and
// protocol address).
type Hasher struct {
	domainSeparator common.Hash
}

// NewHasher creates a Hasher bound to the given deployment.
func NewHasher(chainID int64, protocol common.Address) *Hasher {
	return &Hasher{
		domainSeparator: crypto.DomainSeparator(DomainName, DomainVersion, chainID, protocol),
	}
}

// DomainSeparator returns the EIP-712 domain separator of the deployment.
func (h *Hasher) DomainSeparator() common.Hash {
	return h.domainSeparator
}

// Hash returns the EIP-712 digest of bp. This is both the blueprint's
// identity and the digest its publisher signs.
func (h *Hasher) Hash(bp domain.Blueprint) common.Hash {
	structHash := crypto.StructHash(
		blueprintTypeHash,
		common.LeftPadBytes(bp.Publisher.Bytes(), 32),
		ethcrypto.Keccak256(bp.Data),
		crypto.Word(new(big.Int).SetUint64(bp.Expiry)),
	)
	return crypto.TypedDataDigest(h.domainSeparator, structHash)
}

// Sign hashes bp and signs the hash with signer. The signer's address must
// be bp.Publisher.
func (h *Hasher) Sign(signer *crypto.Signer, bp domain.Blueprint) (domain.SignedBlueprint, error) {
	if signer.Address() != bp.Publisher {
		return domain.SignedBlueprint{}, domain.NewError(domain.KindInternal, domain.ReasonSigning,
			"signer "+signer.Address().Hex()+" is not the publisher "+bp.Publisher.Hex())
	}
	hash := h.Hash(bp)
	sig, err := signer.SignDigest(hash)
	if err != nil {
		return domain.SignedBlueprint{}, domain.WrapError(domain.KindInternal, domain.ReasonSigning, "sign blueprint", err)
	}
	return domain.SignedBlueprint{Blueprint: bp, BlueprintHash: hash, Signature: sig}, nil
}
