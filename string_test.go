package utils

import (
	"fmt"
	"testing"

	"go.viam.com/test"
)

func TestRandomAlphaString(t *testing.T) {
	for _, tc := range []int{-1, 0, 1, 5, 16} {
		t.Run(fmt.Sprintf("size %d", tc), func(t *testing.T) {
			str := RandomAlphaString(tc)
			if tc <= 0 {
				test.That(t, str, test.ShouldBeEmpty)
				return
			}
			test.That(t, str, test.ShouldHaveLength, tc)
			for _, c := range str {
				isAlpha := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
				test.That(t, isAlpha, test.ShouldBeTrue)
			}
		})
	}
}
