package roomcode

import (
	"crypto/rand"
	"math/big"
	"strings"
)

// Alphabet leaves out characters that are easy to confuse when read aloud
// or written down: 0/O and 1/I/L.
const Alphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

const (
	RoomCodeLength = 8
	DMKeyLength    = 24
)

// Generator produces room codes and DM keys. The store takes one so tests
// can swap in a predictable sequence.
type Generator interface {
	RoomCode() (string, error)
	DMKey() (string, error)
}

// CryptoGenerator draws from crypto/rand. The DM key is a bearer credential,
// so a statistical PRNG is not acceptable here.
type CryptoGenerator struct{}

func (CryptoGenerator) RoomCode() (string, error) { return Generate(RoomCodeLength) }

func (CryptoGenerator) DMKey() (string, error) { return Generate(DMKeyLength) }

func Generate(length int) (string, error) {
	max := big.NewInt(int64(len(Alphabet)))
	code := make([]byte, length)
	for i := range code {
		num, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		code[i] = Alphabet[num.Int64()]
	}
	return string(code), nil
}

// Canonical is the stored form of a user-typed room code.
func Canonical(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Valid reports whether code (already canonical) could have been issued.
func Valid(code string) bool {
	if len(code) != RoomCodeLength {
		return false
	}
	for i := 0; i < len(code); i++ {
		if strings.IndexByte(Alphabet, code[i]) < 0 {
			return false
		}
	}
	return true
}
