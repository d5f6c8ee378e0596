package crypto

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

var (
	// EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)
	eip712DomainTypeHash = ethcrypto.Keccak256(
		[]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"),
	)

	// ErrBadSignature is returned when a signature is malformed or does not
	// recover to a valid public key.
	ErrBadSignature = errors.New("crypto: bad signature")
)

// Signer holds the secp256k1 key of one party (the protocol itself, or an
// order author using the CLI).
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewSigner creates a Signer from a hex-encoded private key.
func NewSigner(privateKeyHex string) (*Signer, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}
	return &Signer{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
	}, nil
}

// GenerateSigner creates a Signer with a fresh random key.
func GenerateSigner() (*Signer, error) {
	pk, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: generate key: %w", err)
	}
	return &Signer{privateKey: pk, address: ethcrypto.PubkeyToAddress(pk.PublicKey)}, nil
}

// Address returns the address derived from the signer's key.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignDigest signs a 32-byte digest and returns r || s || v with v in {27,28}.
func (s *Signer) SignDigest(digest common.Hash) ([]byte, error) {
	sig, err := ethcrypto.Sign(digest.Bytes(), s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: signing: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return sig, nil
}

// SignPersonal signs msg with the "\x19Ethereum Signed Message" prefix.
func (s *Signer) SignPersonal(msg []byte) ([]byte, error) {
	return s.SignDigest(common.BytesToHash(accounts.TextHash(msg)))
}

// RecoverAddress returns the address that produced sig over digest. v may be
// {0,1} or {27,28}; high-s signatures are rejected.
func RecoverAddress(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != ethcrypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: length %d", ErrBadSignature, len(sig))
	}
	normalized := make([]byte, ethcrypto.SignatureLength)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}

	r := new(big.Int).SetBytes(normalized[:32])
	sv := new(big.Int).SetBytes(normalized[32:64])
	if !ethcrypto.ValidateSignatureValues(normalized[64], r, sv, true) {
		return common.Address{}, fmt.Errorf("%w: invalid r, s or v", ErrBadSignature)
	}

	pub, err := ethcrypto.SigToPub(digest.Bytes(), normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// RecoverPersonal is RecoverAddress for messages signed with SignPersonal.
func RecoverPersonal(msg, sig []byte) (common.Address, error) {
	return RecoverAddress(common.BytesToHash(accounts.TextHash(msg)), sig)
}

// DomainSeparator returns keccak256(abi.encode(typeHash, nameHash,
// versionHash, chainId, verifyingContract)).
func DomainSeparator(name, version string, chainID int64, verifier common.Address) common.Hash {
	return common.BytesToHash(ethcrypto.Keccak256(
		concatBytes(
			eip712DomainTypeHash,
			ethcrypto.Keccak256([]byte(name)),
			ethcrypto.Keccak256([]byte(version)),
			Word(big.NewInt(chainID)),
			common.LeftPadBytes(verifier.Bytes(), 32),
		),
	))
}

// TypedDataDigest computes the final EIP-712 digest:
//
//	keccak256("\x19\x01" || domainSeparator || structHash)
func TypedDataDigest(domainSep, structHash common.Hash) common.Hash {
	return common.BytesToHash(ethcrypto.Keccak256(
		concatBytes(
			[]byte{0x19, 0x01},
			domainSep.Bytes(),
			structHash.Bytes(),
		),
	))
}

// Word returns the 32-byte big-endian representation of n. n must fit in
// 256 bits.
func Word(n *big.Int) []byte {
	padded := make([]byte, 32)
	b := n.Bytes()
	if len(b) > 32 {
		b = b[len(b)-32:]
	}
	copy(padded[32-len(b):], b)
	return padded
}

// StructHash is keccak256 over the concatenation of the given 32-byte words.
func StructHash(words ...[]byte) common.Hash {
	return common.BytesToHash(ethcrypto.Keccak256(concatBytes(words...)))
}

func concatBytes(slices ...[]byte) []byte {
	total := 0
	for _, s := range slices {
		total += len(s)
	}
	buf := make([]byte, 0, total)
	for _, s := range slices {
		buf = append(buf, s...)
	}
	return buf
}
