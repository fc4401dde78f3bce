package hash

import (
	"crypto"
	_ "crypto/md5"
	"encoding/hex"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// DiskKey maps an arbitrary cache key (usually a URL) to a fixed-length,
// filesystem-safe name. MD5 is used when the runtime has it registered;
// otherwise the key degrades to the decimal form of a 64-bit xxhash.
func DiskKey(raw string) string {
	if !crypto.MD5.Available() {
		return strconv.FormatUint(xxhash.Sum64String(raw), 10)
	}
	h := crypto.MD5.New()
	h.Write([]byte(raw))
	return hex.EncodeToString(h.Sum(nil))
}

// HashString returns a short stable hex id, used to derive per-config storage dirs.
func HashString(s string) string {
	return strconv.FormatUint(xxhash.Sum64String(s), 16)
}
