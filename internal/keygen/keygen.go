// Package keygen issues record keys whose lexical order matches the order in
// which they were generated.
//
// Keys are UUIDv7 strings: a 48-bit Unix millisecond timestamp followed by a
// per-process monotonic sequence. Two keys generated in the same process
// always compare in generation order, and keys from different processes
// compare by millisecond first. The timestamp can be recovered with Millis.
package keygen

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Func generates a new key.
type Func func() (string, error)

// Next returns a new key that sorts after every key previously returned by
// Next in this process.
func Next() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("keygen: new key: %w", err)
	}
	return id.String(), nil
}

// Compare orders two keys. It returns -1, 0 or +1.
func Compare(a, b string) int {
	return strings.Compare(a, b)
}

// Millis returns the Unix millisecond timestamp embedded in key. It reports
// false for keys that were not produced by Next.
func Millis(key string) (int64, bool) {
	id, err := uuid.Parse(key)
	if err != nil || id.Version() != 7 {
		return 0, false
	}
	var buf [8]byte
	copy(buf[2:], id[:6])
	return int64(binary.BigEndian.Uint64(buf[:])), true
}
