package clearnode

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGitStream_Clearnode_LocalSigner(t *testing.T) {
	t.Parallel()

	t.Run("derives the account address from the key", func(t *testing.T) {
		t.Parallel()

		// Well-known secp256k1 test vectors: the addresses for private
		// keys 1 and 2.
		cases := []struct {
			key     string
			address string
		}{
			{
				key:     "0x0000000000000000000000000000000000000000000000000000000000000001",
				address: "0x7e5f4552091a69125d5dfcb7b8c2659029395bdf",
			},
			{
				key:     "0000000000000000000000000000000000000000000000000000000000000002",
				address: "0x2b5ad5c4795c026514f8317c7a215e218dccd6cf",
			},
		}
		for _, tc := range cases {
			signer, err := NewLocalSigner(tc.key)
			require.NoError(t, err)
			require.Equal(t, tc.address, signer.Address())
		}
	})

	t.Run("signatures are deterministic 65-byte r||s||v hex", func(t *testing.T) {
		t.Parallel()

		signer, err := NewLocalSigner("0x0000000000000000000000000000000000000000000000000000000000000001")
		require.NoError(t, err)

		payload := []byte(`{"challenge":"prove it"}`)
		first, err := signer.Sign(payload)
		require.NoError(t, err)
		second, err := signer.Sign(payload)
		require.NoError(t, err)
		require.Equal(t, first, second)

		require.True(t, strings.HasPrefix(first, "0x"))
		raw, err := hex.DecodeString(strings.TrimPrefix(first, "0x"))
		require.NoError(t, err)
		require.Len(t, raw, 65)
		require.Contains(t, []byte{27, 28}, raw[64], "v must be the serialized recovery byte, 27 or 28")
	})

	t.Run("different payloads yield different signatures", func(t *testing.T) {
		t.Parallel()

		signer, err := NewLocalSigner("0x0000000000000000000000000000000000000000000000000000000000000001")
		require.NoError(t, err)

		a, err := signer.Sign([]byte("a"))
		require.NoError(t, err)
		b, err := signer.Sign([]byte("b"))
		require.NoError(t, err)
		require.NotEqual(t, a, b)
	})

	t.Run("rejects malformed keys", func(t *testing.T) {
		t.Parallel()

		_, err := NewLocalSigner("not hex")
		require.Error(t, err)

		_, err = NewLocalSigner("0xabcd")
		require.Error(t, err)
	})
}
