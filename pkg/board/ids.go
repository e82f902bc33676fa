package board

import (
	"crypto/rand"
	"math/big"
)

const idAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// NewID returns a random 10-character alphanumeric token. Entity ids
// only need local uniqueness with negligible collision probability
// across the peer set.
func NewID() string {
	return randomToken(10)
}

// RandomSuffix returns a short token used to derive a fallback peer id
// when the preferred one is taken.
func RandomSuffix(length int) string {
	return randomToken(length)
}

func randomToken(length int) string {
	buf := make([]byte, length)
	max := big.NewInt(int64(len(idAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand only fails if the OS entropy source is broken.
			panic(err)
		}
		buf[i] = idAlphabet[n.Int64()]
	}
	return string(buf)
}
