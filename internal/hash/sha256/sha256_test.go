package sha256

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHash(t *testing.T) {
	h := New()
	a, err := h.Hash([]byte("hello"))
	require.NoError(t, err)
	b, err := h.Hash([]byte("hello"))
	require.NoError(t, err)
	require.Equal(t, a, b)
	require.Len(t, a, 64)

	c, err := h.Hash([]byte("other"))
	require.NoError(t, err)
	require.NotEqual(t, a, c)
}

func TestHashReader(t *testing.T) {
	h := New()
	direct, err := h.Hash([]byte("streamed content"))
	require.NoError(t, err)
	streamed, err := h.HashReader(strings.NewReader("streamed content"))
	require.NoError(t, err)
	require.Equal(t, direct, streamed)
}

func TestShort(t *testing.T) {
	require.Len(t, Short([]byte("https://example.com/")), 12)
	require.Equal(t, Short([]byte("x")), Short([]byte("x")))
}
