package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEpochValidity(t *testing.T) {
	assert.False(t, EpochInvalid.IsValid())
	assert.True(t, EpochInitialDurable.IsValid())
	assert.True(t, EpochInitialCurrent.IsValid())
}

func TestEpochOneMoreSkipsInvalid(t *testing.T) {
	assert.Equal(t, Epoch(2), Epoch(1).OneMore())

	max := ^Epoch(0)
	require.True(t, max.IsValid())
	assert.Equal(t, Epoch(1), max.OneMore(), "wrap must skip the invalid sentinel")
}

func TestEpochBeforeIsCyclic(t *testing.T) {
	assert.True(t, Epoch(1).Before(Epoch(2)))
	assert.False(t, Epoch(2).Before(Epoch(1)))
	assert.False(t, Epoch(5).Before(Epoch(5)))

	// distances beyond half the space flip the comparison
	near := ^Epoch(0) - 10
	assert.True(t, near.Before(Epoch(100)), "wrapped epoch is later")
	assert.False(t, Epoch(100).Before(near))

	half := Epoch(1 << 31)
	assert.False(t, Epoch(1).Before(Epoch(1)+half), "exactly half the space is not before")
}

func TestEpochStoreMax(t *testing.T) {
	e := EpochInvalid
	e.StoreMax(Epoch(7))
	assert.Equal(t, Epoch(7), e, "anything valid beats invalid")

	e.StoreMax(Epoch(3))
	assert.Equal(t, Epoch(7), e)

	e.StoreMax(Epoch(9))
	assert.Equal(t, Epoch(9), e)

	e.StoreMax(EpochInvalid)
	assert.Equal(t, Epoch(9), e, "invalid never wins")
}

func TestEpochMin(t *testing.T) {
	assert.Equal(t, Epoch(3), Epoch(3).Min(Epoch(9)))
	assert.Equal(t, Epoch(3), Epoch(9).Min(Epoch(3)))
	assert.Equal(t, Epoch(4), EpochInvalid.Min(Epoch(4)))
	assert.Equal(t, Epoch(4), Epoch(4).Min(EpochInvalid))
}
