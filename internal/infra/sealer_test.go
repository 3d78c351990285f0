package infra

import (
	"context"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qkd-mail-crypto/internal/domain"
)

var testSealKey = strings.Repeat("ab", 32)

func TestNewLocalSealer_InvalidKey(t *testing.T) {
	tests := []struct {
		name string
		key  string
	}{
		{name: "not hex", key: "zz"},
		{name: "too short", key: hex.EncodeToString(make([]byte, 16))},
		{name: "empty", key: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLocalSealer(tt.key)
			assert.Error(t, err)
		})
	}
}

func TestLocalSealer_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalSealer(testSealKey)
	require.NoError(t, err)

	material := []byte("quantum key material")
	sealed, err := s.Seal(ctx, "key-1", material)
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), string(material))

	opened, err := s.Open(ctx, "key-1", sealed)
	require.NoError(t, err)
	assert.Equal(t, material, opened)
}

func TestLocalSealer_Open_WrongKeyID(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalSealer(testSealKey)
	require.NoError(t, err)

	sealed, err := s.Seal(ctx, "key-1", []byte("material"))
	require.NoError(t, err)

	_, err = s.Open(ctx, "key-2", sealed)
	assert.ErrorIs(t, err, domain.ErrIntegrityFailure)
}

func TestLocalSealer_Open_Tampered(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalSealer(testSealKey)
	require.NoError(t, err)

	sealed, err := s.Seal(ctx, "key-1", []byte("material"))
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0x01

	_, err = s.Open(ctx, "key-1", sealed)
	assert.ErrorIs(t, err, domain.ErrIntegrityFailure)

	_, err = s.Open(ctx, "key-1", []byte{0x01, 0x02})
	assert.ErrorIs(t, err, domain.ErrIntegrityFailure)
}
