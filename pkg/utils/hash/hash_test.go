package hash

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDiskKey_KnownDigest(t *testing.T) {
	assert.Equal(t, "d41d8cd98f00b204e9800998ecf8427e", DiskKey(""))
	assert.Equal(t, "900150983cd24fb0d6963f7d28e17f72", DiskKey("abc"))
}

func TestDiskKey_FixedLengthAndSafe(t *testing.T) {
	safe := regexp.MustCompile(`^[0-9a-f]{32}$`)
	for _, k := range []string{
		"https://image.tmdb.org/t/p/w500/abc.jpg",
		"with spaces and / slashes",
		"ünïcödé",
	} {
		key := DiskKey(k)
		assert.Regexp(t, safe, key)
		assert.Equal(t, key, DiskKey(k), "must be deterministic")
	}
	assert.NotEqual(t, DiskKey("a"), DiskKey("b"))
}

func TestHashString_Stable(t *testing.T) {
	assert.Equal(t, HashString("/etc/marquee.yaml"), HashString("/etc/marquee.yaml"))
	assert.NotEqual(t, HashString("a"), HashString("b"))
}
