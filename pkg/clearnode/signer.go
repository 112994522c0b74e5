package clearnode

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"golang.org/x/crypto/sha3"
)

// Signer produces verifiable signatures over arbitrary byte payloads for
// one account. The client only depends on this interface; key management
// stays with the caller.
type Signer interface {
	// Address returns the account's public identifier, lowercase 0x-hex.
	Address() string
	// Sign signs the keccak256 digest of payload directly. The network's
	// auth scheme requires the raw digest, NOT the personal-message
	// prefixed form.
	Sign(payload []byte) (string, error)
}

// LocalSigner signs with an in-process secp256k1 key.
type LocalSigner struct {
	key     *btcec.PrivateKey
	address string
}

// NewLocalSigner builds a signer from a hex-encoded secp256k1 private key,
// with or without a 0x prefix.
func NewLocalSigner(privateKeyHex string) (*LocalSigner, error) {
	keyHex := strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x")
	raw, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("failed to decode private key hex: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("private key must be 32 bytes, got %d", len(raw))
	}

	key, pub := btcec.PrivKeyFromBytes(raw)

	// Account identifier: last 20 bytes of keccak256 over the uncompressed
	// public key without its 0x04 prefix byte.
	digest := keccak256(pub.SerializeUncompressed()[1:])
	address := "0x" + hex.EncodeToString(digest[12:])

	return &LocalSigner{key: key, address: address}, nil
}

func (s *LocalSigner) Address() string { return s.address }

// Sign returns the 65-byte R||S||V signature over keccak256(payload) as
// 0x-hex. V is the Ethereum-serialized recovery byte, 27 or 28.
func (s *LocalSigner) Sign(payload []byte) (string, error) {
	digest := keccak256(payload)

	// SignCompact yields [V, R, S] with V already offset to 27/28; the
	// network expects [R, S, V] in that serialized form.
	compact := btcecdsa.SignCompact(s.key, digest, false)
	sig := make([]byte, 65)
	copy(sig, compact[1:])
	sig[64] = compact[0]

	return "0x" + hex.EncodeToString(sig), nil
}

func keccak256(data []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	return h.Sum(nil)
}
