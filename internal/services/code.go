package services

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
)

// codeAlphabet omits 0/O, 1/I/L and other lookalikes so codes survive being
// read aloud or retyped from a screenshot.
const codeAlphabet = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"

const codeLength = 6

// NewEscrowCode returns a random 6-character join code. Uniqueness is
// enforced by the database; callers retry on collision.
func NewEscrowCode() (string, error) {
	b := make([]byte, codeLength)
	for i := range b {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(codeAlphabet))))
		if err != nil {
			return "", err
		}
		b[i] = codeAlphabet[n.Int64()]
	}
	return string(b), nil
}

// NormalizeEscrowCode upper-cases and trims a user-supplied code.
func NormalizeEscrowCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

var nameAdjectives = []string{
	"amber", "brisk", "calm", "dapper", "eager", "fleet", "golden", "hardy",
	"ivory", "jolly", "keen", "lucid", "mellow", "nimble", "opal", "plucky",
}

var nameNouns = []string{
	"falcon", "heron", "lotus", "mango", "nutmeg", "onyx", "peacock", "quartz",
	"saffron", "tamarind", "umbra", "vetiver", "walnut", "yuzu", "zephyr", "indigo",
}

// NewEscrowName returns a friendly two-word label shown next to the join code.
func NewEscrowName() (string, error) {
	a, err := rand.Int(rand.Reader, big.NewInt(int64(len(nameAdjectives))))
	if err != nil {
		return "", err
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(nameNouns))))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%s", nameAdjectives[a.Int64()], nameNouns[n.Int64()]), nil
}
