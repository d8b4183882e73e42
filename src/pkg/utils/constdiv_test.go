package utils

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConstDivMatchesHardwareDivision(t *testing.T) {
	divisors := []uint64{1, 2, 3, 5, 7, 8, 10, 16, 100, 127, 128, 1000, 1 << 20, 1<<40 + 17}
	rng := rand.New(rand.NewSource(42))

	for _, d := range divisors {
		cd := NewConstDiv(d)
		assert.Equal(t, d, cd.Divisor())
		for _, x := range []uint64{0, 1, d - 1, d, d + 1, 2*d - 1, math.MaxUint64} {
			assert.Equal(t, x/d, cd.Div(x), "d=%d x=%d", d, x)
		}
		for i := 0; i < 1000; i++ {
			x := rng.Uint64()
			assert.Equal(t, x/d, cd.Div(x), "d=%d x=%d", d, x)
		}
	}
}

func TestConstDivZeroPanics(t *testing.T) {
	assert.Panics(t, func() { NewConstDiv(0) })
}
