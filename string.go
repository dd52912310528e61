package utils

import (
	"crypto/rand"
	"math"
	"math/big"
	"strings"
)

const alphaLowers string = "abcdefghijklmnopqrstuvwxyz"

var (
	alphaUppers      = strings.ToUpper(alphaLowers)
	maxInt32         = big.NewInt(math.MaxInt32)
	fiftyFiftyChance = big.NewInt(2)
)

// RandomAlphaString returns a random alphabetic string of the given size.
// Subject to modulus bias.
func RandomAlphaString(size int) string {
	if size <= 0 {
		return ""
	}
	chars := make([]byte, 0, size)
	for len(chars) < size {
		valBig, err := rand.Int(rand.Reader, maxInt32)
		if err != nil {
			panic(err)
		}
		val := int(valBig.Int64())
		upper, err := rand.Int(rand.Reader, fiftyFiftyChance)
		if err != nil {
			panic(err)
		}
		if upper.Int64() == 1 {
			chars = append(chars, alphaUppers[val%len(alphaUppers)])
		} else {
			chars = append(chars, alphaLowers[val%len(alphaLowers)])
		}
	}
	return string(chars)
}
