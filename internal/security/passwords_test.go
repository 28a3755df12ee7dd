package security

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestPasswordHasher_HashAndCompare(t *testing.T) {
	h, err := NewPasswordHasher(bcrypt.MinCost)
	require.NoError(t, err)

	hash, err := h.Hash("correct horse")
	require.NoError(t, err)
	require.NotEqual(t, "correct horse", hash)

	ok, err := h.Compare(hash, "correct horse")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = h.Compare(hash, "wrong horse")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPasswordHasher_SaltsEachHash(t *testing.T) {
	h, err := NewPasswordHasher(bcrypt.MinCost)
	require.NoError(t, err)

	a, err := h.Hash("secret123")
	require.NoError(t, err)
	b, err := h.Hash("secret123")
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestPasswordHasher_LongPasswordsDifferBeyond72Bytes(t *testing.T) {
	h, err := NewPasswordHasher(bcrypt.MinCost)
	require.NoError(t, err)

	base := strings.Repeat("a", 80)
	hash, err := h.Hash(base + "x")
	require.NoError(t, err)

	ok, err := h.Compare(hash, base+"y")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestNewPasswordHasher_RejectsBadCost(t *testing.T) {
	_, err := NewPasswordHasher(99)
	require.Error(t, err)
}
