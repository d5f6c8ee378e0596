package crypto

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Header names of a signed API request. The signature is a personal
// signature over timestamp+method+path+body.
const (
	HeaderAddress   = "X-Modulend-Address"
	HeaderTimestamp = "X-Modulend-Timestamp"
	HeaderSignature = "X-Modulend-Signature"
)

var (
	ErrMissingHeaders = errors.New("crypto: missing signed request headers")
	ErrClockSkew      = errors.New("crypto: request timestamp outside allowed skew")
	ErrSignerMismatch = errors.New("crypto: request signer does not match address header")
)

// RequestHeaders returns the headers that identify s as the caller of an API
// request.
func (s *Signer) RequestHeaders(method, path, body string) (map[string]string, error) {
	return s.RequestHeadersAt(method, path, body, time.Now().Unix())
}

// RequestHeadersAt is like RequestHeaders but lets the caller supply the
// Unix timestamp (useful for deterministic testing).
func (s *Signer) RequestHeadersAt(method, path, body string, unixTS int64) (map[string]string, error) {
	ts := strconv.FormatInt(unixTS, 10)

	sig, err := s.SignPersonal(requestMessage(ts, method, path, body))
	if err != nil {
		return nil, err
	}

	return map[string]string{
		HeaderAddress:   s.address.Hex(),
		HeaderTimestamp: ts,
		HeaderSignature: hexutil.Encode(sig),
	}, nil
}

// VerifyRequest checks a signed request and returns the authenticated caller.
// get is typically http.Header.Get. Requests whose timestamp differs from now
// by more than maxSkew are rejected.
func VerifyRequest(get func(string) string, method, path, body string, now time.Time, maxSkew time.Duration) (common.Address, error) {
	addrHex := strings.TrimSpace(get(HeaderAddress))
	ts := strings.TrimSpace(get(HeaderTimestamp))
	sigHex := strings.TrimSpace(get(HeaderSignature))
	if addrHex == "" || ts == "" || sigHex == "" {
		return common.Address{}, ErrMissingHeaders
	}
	if !common.IsHexAddress(addrHex) {
		return common.Address{}, fmt.Errorf("crypto: invalid address header %q", addrHex)
	}

	unixTS, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto: invalid timestamp header: %w", err)
	}
	if skew := now.Sub(time.Unix(unixTS, 0)); skew > maxSkew || skew < -maxSkew {
		return common.Address{}, ErrClockSkew
	}

	sig, err := hexutil.Decode(sigHex)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	recovered, err := RecoverPersonal(requestMessage(ts, method, path, body), sig)
	if err != nil {
		return common.Address{}, err
	}
	if recovered != common.HexToAddress(addrHex) {
		return common.Address{}, ErrSignerMismatch
	}
	return recovered, nil
}

func requestMessage(ts, method, path, body string) []byte {
	return []byte(ts + strings.ToUpper(method) + path + body)
}
