package formula

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecksum_HashesMatchKnownDigests(t *testing.T) {
	cases := []struct {
		spec string
	}{
		{"sha256:e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"},
		{"SHA512:" + sha512Hex},
		{"blake2b-256:0e5751c026e543b2e8ab2eb06099daa1d1e5df47778f7787faab45cdf12fe3a8"},
	}
	for _, tc := range cases {
		sum, err := ParseChecksum(tc.spec)
		require.NoError(t, err, tc.spec)

		h, err := sum.NewHash()
		require.NoError(t, err)
		// Digest of the empty input.
		assert.True(t, sum.Matches(h.Sum(nil)), tc.spec)
	}
}

func TestChecksum_ByteExact(t *testing.T) {
	sum, err := NewChecksum("sha256", "E3B0C44298FC1C149AFBF4C8996FB92427AE41E4649B934CA495991B7852B855")
	require.NoError(t, err)
	assert.Equal(t, "sha256:e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", sum.String())

	h, _ := sum.NewHash()
	h.Write([]byte("x"))
	assert.False(t, sum.Matches(h.Sum(nil)))
}

func TestChecksum_Invalid(t *testing.T) {
	for _, s := range []string{"", "sha256", "sha256:zz", "sha256:abc123", "crc32:00000000"} {
		_, err := ParseChecksum(s)
		assert.Error(t, err, s)
	}
	assert.True(t, Checksum{}.IsZero())
	assert.Equal(t, "", Checksum{}.String())
}
