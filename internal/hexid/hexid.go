// Package hexid generates short random hex identifiers, used for
// correlation-chain ids where a full UUID would be noise in the logs.
package hexid

import (
	"crypto/rand"
	"encoding/hex"
	"io"
)

const idBytes = 4

// New returns an 8-character lowercase hex string.
func New() string {
	buf := make([]byte, idBytes)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		panic("hexid: crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(buf)
}
