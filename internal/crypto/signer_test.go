package crypto

import (
	"errors"
	"math/big"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

const (
	testKeyHex  = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testAddress = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
)

func mustSigner(t *testing.T) *Signer {
	t.Helper()
	s, err := NewSigner("0x" + testKeyHex)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	return s
}

func TestNewSigner_DerivesAddress(t *testing.T) {
	s := mustSigner(t)
	if s.Address() != common.HexToAddress(testAddress) {
		t.Fatalf("address = %s, want %s", s.Address().Hex(), testAddress)
	}
}

func TestNewSigner_RejectsGarbage(t *testing.T) {
	if _, err := NewSigner("not-a-key"); err == nil {
		t.Fatal("expected error for invalid key")
	}
}

func TestSignDigest_RecoverRoundTrip(t *testing.T) {
	s := mustSigner(t)
	digest := common.BytesToHash(ethcrypto.Keccak256([]byte("blueprint")))

	sig, err := s.SignDigest(digest)
	if err != nil {
		t.Fatalf("SignDigest: %v", err)
	}
	if len(sig) != 65 {
		t.Fatalf("signature length = %d", len(sig))
	}
	if sig[64] != 27 && sig[64] != 28 {
		t.Fatalf("v = %d, want 27 or 28", sig[64])
	}

	got, err := RecoverAddress(digest, sig)
	if err != nil {
		t.Fatalf("RecoverAddress: %v", err)
	}
	if got != s.Address() {
		t.Fatalf("recovered %s, want %s", got.Hex(), s.Address().Hex())
	}

	// v in {0,1} is accepted too.
	raw := append([]byte(nil), sig...)
	raw[64] -= 27
	got, err = RecoverAddress(digest, raw)
	if err != nil || got != s.Address() {
		t.Fatalf("RecoverAddress with v-27: got %s, err %v", got.Hex(), err)
	}
}

func TestRecoverAddress_OtherDigestRecoversOtherSigner(t *testing.T) {
	s := mustSigner(t)
	sig, err := s.SignDigest(common.HexToHash("0x01"))
	if err != nil {
		t.Fatalf("SignDigest: %v", err)
	}
	got, err := RecoverAddress(common.HexToHash("0x02"), sig)
	if err == nil && got == s.Address() {
		t.Fatal("signature verified against a different digest")
	}
}

func TestRecoverAddress_RejectsMalformed(t *testing.T) {
	digest := common.HexToHash("0x01")
	tests := []struct {
		name string
		sig  []byte
	}{
		{"empty", nil},
		{"short", make([]byte, 64)},
		{"long", make([]byte, 66)},
		{"zero r and s", make([]byte, 65)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := RecoverAddress(digest, tc.sig)
			if !errors.Is(err, ErrBadSignature) {
				t.Fatalf("err = %v, want ErrBadSignature", err)
			}
		})
	}
}

func TestRecoverAddress_RejectsHighS(t *testing.T) {
	s := mustSigner(t)
	digest := common.HexToHash("0xabcdef")
	sig, err := s.SignDigest(digest)
	if err != nil {
		t.Fatalf("SignDigest: %v", err)
	}

	n := ethcrypto.S256().Params().N
	sv := new(big.Int).SetBytes(sig[32:64])
	highS := new(big.Int).Sub(n, sv)

	malleated := append([]byte(nil), sig...)
	copy(malleated[32:64], Word(highS))
	malleated[64] ^= 1 // 27 <-> 28

	if _, err := RecoverAddress(digest, malleated); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("err = %v, want ErrBadSignature", err)
	}
}

func TestSignPersonal_RecoverPersonal(t *testing.T) {
	s := mustSigner(t)
	msg := []byte("hello modulend")
	sig, err := s.SignPersonal(msg)
	if err != nil {
		t.Fatalf("SignPersonal: %v", err)
	}
	got, err := RecoverPersonal(msg, sig)
	if err != nil || got != s.Address() {
		t.Fatalf("RecoverPersonal: got %s, err %v", got.Hex(), err)
	}
}

func TestDomainSeparator_BindsEveryField(t *testing.T) {
	verifier := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	base := DomainSeparator("Modulend", "1", 1, verifier)

	if base != DomainSeparator("Modulend", "1", 1, verifier) {
		t.Fatal("domain separator is not deterministic")
	}
	variants := map[string]common.Hash{
		"name":     DomainSeparator("Other", "1", 1, verifier),
		"version":  DomainSeparator("Modulend", "2", 1, verifier),
		"chain":    DomainSeparator("Modulend", "1", 5, verifier),
		"verifier": DomainSeparator("Modulend", "1", 1, common.HexToAddress("0xbb")),
	}
	for name, h := range variants {
		if h == base {
			t.Errorf("changing %s did not change the separator", name)
		}
	}
}

func TestTypedDataDigest_Layout(t *testing.T) {
	dom := common.HexToHash("0x11")
	st := common.HexToHash("0x22")

	want := common.BytesToHash(ethcrypto.Keccak256(append(append([]byte{0x19, 0x01}, dom.Bytes()...), st.Bytes()...)))
	if got := TypedDataDigest(dom, st); got != want {
		t.Fatalf("digest = %s, want %s", got.Hex(), want.Hex())
	}
}

func TestWord(t *testing.T) {
	w := Word(big.NewInt(258))
	if len(w) != 32 || w[30] != 1 || w[31] != 2 {
		t.Fatalf("Word(258) = %x", w)
	}
}

func TestEncryptDecryptKey(t *testing.T) {
	blob, err := EncryptKey(testKeyHex, "hunter2")
	if err != nil {
		t.Fatalf("EncryptKey: %v", err)
	}
	if !strings.Contains(string(blob), testAddress) {
		t.Fatalf("key file does not carry the address: %s", blob)
	}

	got, err := DecryptKey(blob, "hunter2")
	if err != nil {
		t.Fatalf("DecryptKey: %v", err)
	}
	if got != testKeyHex {
		t.Fatalf("decrypted %s", got)
	}

	if _, err := DecryptKey(blob, "wrong"); err == nil {
		t.Fatal("expected failure with wrong password")
	}
}

func TestLoadSigner_RawKey(t *testing.T) {
	s, err := LoadSigner(KeyConfig{RawPrivateKey: "0x" + testKeyHex})
	if err != nil {
		t.Fatalf("LoadSigner: %v", err)
	}
	if s.Address() != common.HexToAddress(testAddress) {
		t.Fatalf("address = %s", s.Address().Hex())
	}
	if _, err := LoadSigner(KeyConfig{}); err == nil {
		t.Fatal("expected error with no key source")
	}
}

func TestVerifyRequest(t *testing.T) {
	s := mustSigner(t)
	const ts = int64(1_700_000_000)
	body := `{"fill":{}}`

	headers, err := s.RequestHeadersAt("post", "/api/v1/orders/fill", body, ts)
	if err != nil {
		t.Fatalf("RequestHeadersAt: %v", err)
	}
	h := http.Header{}
	for k, v := range headers {
		h.Set(k, v)
	}
	now := time.Unix(ts, 0).Add(10 * time.Second)

	caller, err := VerifyRequest(h.Get, "POST", "/api/v1/orders/fill", body, now, time.Minute)
	if err != nil {
		t.Fatalf("VerifyRequest: %v", err)
	}
	if caller != s.Address() {
		t.Fatalf("caller = %s", caller.Hex())
	}

	if _, err := VerifyRequest(h.Get, "POST", "/api/v1/orders/fill", `{"fill":{"x":1}}`, now, time.Minute); err == nil {
		t.Fatal("tampered body accepted")
	}
	if _, err := VerifyRequest(h.Get, "POST", "/api/v1/orders/fill", body, now.Add(time.Hour), time.Minute); !errors.Is(err, ErrClockSkew) {
		t.Fatalf("err = %v, want ErrClockSkew", err)
	}
	if _, err := VerifyRequest(http.Header{}.Get, "POST", "/", "", now, time.Minute); !errors.Is(err, ErrMissingHeaders) {
		t.Fatalf("err = %v, want ErrMissingHeaders", err)
	}

	other, _ := GenerateSigner()
	h.Set(HeaderAddress, other.Address().Hex())
	if _, err := VerifyRequest(h.Get, "POST", "/api/v1/orders/fill", body, now, time.Minute); !errors.Is(err, ErrSignerMismatch) {
		t.Fatalf("err = %v, want ErrSignerMismatch", err)
	}
}
