package token

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seg(s string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}

func TestIsOpaque(t *testing.T) {
	assert.True(t, IsOpaque("randomreference"))
	assert.True(t, IsOpaque("a.b"))
	assert.True(t, IsOpaque("h.ek.iv.ct.tag"), "five-segment JWE counts as opaque")
	assert.False(t, IsOpaque("h.p.s"))
}

func TestDecodeHeader(t *testing.T) {
	raw := seg(`{"alg":"RS256","kid":"k1"}`) + "." + seg(`{}`) + ".sig"
	hdr, err := DecodeHeader(raw)
	require.NoError(t, err)
	assert.Equal(t, "RS256", hdr["alg"])
	assert.Equal(t, "k1", hdr["kid"])

	_, err = DecodeHeader("!!!.x.y")
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeClaims(t *testing.T) {
	raw := seg(`{"alg":"RS256"}`) + "." + seg(`{"iss":"https://op.example","sub":"alice"}`) + ".sig"
	claims, err := DecodeClaims(raw)
	require.NoError(t, err)
	assert.Equal(t, "https://op.example", StringClaim(claims, "iss"))
	assert.Equal(t, "alice", StringClaim(claims, "sub"))
	assert.Empty(t, StringClaim(claims, "missing"))

	claims, err = DecodeClaims("opaque-token")
	require.NoError(t, err)
	assert.Nil(t, claims, "opaque tokens decode to nil without error")

	_, err = DecodeClaims("h." + "%%%" + ".s")
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestStringClaimNilMap(t *testing.T) {
	assert.Empty(t, StringClaim(nil, "iss"))
}
