package otp

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"risk-auth-service/internal/model"
	"risk-auth-service/internal/util"
)

var ten = big.NewInt(10)

// GenerateCode returns a numeric code of the given length. Each digit is drawn
// uniformly with crypto/rand.
func GenerateCode(length int) (string, error) {
	b := make([]byte, length)
	for i := range b {
		n, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", fmt.Errorf("generate otp: %w", err)
		}
		b[i] = byte('0' + n.Int64())
	}
	return string(b), nil
}

// normalizeCode strips separators and rejects anything that is not exactly
// length digits. A rejected code never reaches the challenge.
func normalizeCode(code string, length int) (string, error) {
	code = util.NormalizeCode(code)
	if len(code) != length || !util.IsDigits(code) {
		return "", fmt.Errorf("%w: code must be %d digits", model.ErrInvalidInput, length)
	}
	return code, nil
}
