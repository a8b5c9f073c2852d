package util

import (
	"crypto/rand"
	"math/big"

	"github.com/pkg/errors"
)

const (
	base36Chars   = "0123456789abcdefghijklmnopqrstuvwxyz"
	DefaultIDLen  = 8
	MinIDLen      = 6
	MaxIDLen      = 32
	maxIDAttempts = 5
)

var ErrIDCollision = errors.New("id collision after 5 retries")

// GenID draws random base36 ids of length n until taken reports the
// candidate as free. taken is called once per candidate.
func GenID(n int, taken func(string) (bool, error)) (string, error) {
	if n < MinIDLen || n > MaxIDLen {
		n = DefaultIDLen
	}
	for retry := 0; retry < maxIDAttempts; retry++ {
		id, err := randomID(n)
		if err != nil {
			return "", err
		}
		exist, err := taken(id)
		if err != nil {
			return "", err
		}
		if !exist {
			return id, nil
		}
	}
	return "", ErrIDCollision
}

func randomID(n int) (string, error) {
	base := big.NewInt(int64(len(base36Chars)))
	out := make([]byte, n)
	for i := range out {
		idx, err := rand.Int(rand.Reader, base)
		if err != nil {
			return "", errors.Wrap(err, "rand fail")
		}
		out[i] = base36Chars[idx.Int64()]
	}
	return string(out), nil
}

// ValidID reports whether s could have been produced by GenID.
func ValidID(s string) bool {
	if len(s) < MinIDLen || len(s) > MaxIDLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9') && !(c >= 'a' && c <= 'z') {
			return false
		}
	}
	return true
}
