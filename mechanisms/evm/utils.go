package evm

import (
	"crypto/rand"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// HexToBytes decodes a hex string with or without the 0x prefix
func HexToBytes(s string) ([]byte, error) {
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	}
	return hexutil.Decode(s)
}

// HexToBytes32 decodes exactly 32 bytes of hex
func HexToBytes32(s string) ([32]byte, error) {
	var out [32]byte
	b, err := HexToBytes(s)
	if err != nil {
		return out, err
	}
	if len(b) != 32 {
		return out, fmt.Errorf("expected 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}

// BytesToHex encodes b with a 0x prefix
func BytesToHex(b []byte) string {
	return hexutil.Encode(b)
}

// CreateNonce returns a random 32-byte nonce as 0x-prefixed hex
func CreateNonce() (string, error) {
	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return BytesToHex(nonce), nil
}

// SplitSignature decomposes a 65-byte signature into v, r and s.
// v is normalized to 27/28.
func SplitSignature(sig []byte) (uint8, string, string, error) {
	if len(sig) != 65 {
		return 0, "", "", fmt.Errorf("invalid signature length: %d", len(sig))
	}
	v := sig[64]
	if v < 27 {
		v += 27
	}
	return v, BytesToHex(sig[0:32]), BytesToHex(sig[32:64]), nil
}

// IsValidAddress reports whether s is a 0x-prefixed 20-byte hex address
func IsValidAddress(s string) bool {
	return strings.HasPrefix(s, "0x") && common.IsHexAddress(s)
}

// NormalizeAddress returns the checksummed form of an address
func NormalizeAddress(s string) string {
	return common.HexToAddress(s).Hex()
}

// SameAddress compares two addresses case-insensitively
func SameAddress(a, b string) bool {
	return strings.EqualFold(a, b)
}
