// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package cotx

import (
	"crypto/rand"
	"encoding/binary"
	"time"
)

// IntCoder is the project-wide integer byte-encoding order. IntCoder must be
// BigEndian so that canonical serializations are stable across platforms.
var IntCoder = binary.BigEndian

// Uint32Bytes converts the uint32 to a length-4, big-endian encoded byte
// slice.
func Uint32Bytes(i uint32) []byte {
	b := make([]byte, 4)
	IntCoder.PutUint32(b, i)
	return b
}

// Uint64Bytes converts the uint64 to a length-8, big-endian encoded byte
// slice.
func Uint64Bytes(i uint64) []byte {
	b := make([]byte, 8)
	IntCoder.PutUint64(b, i)
	return b
}

// RandomBytes returns a byte slice with the specified length of random bytes.
func RandomBytes(len int) []byte {
	bytes := make([]byte, len)
	_, err := rand.Read(bytes)
	if err != nil {
		panic("error reading random bytes: " + err.Error())
	}
	return bytes
}

// UnixMsNow returns the current time in UTC with millisecond precision.
func UnixMsNow() time.Time {
	return time.Now().Truncate(time.Millisecond).UTC()
}
