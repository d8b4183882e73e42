package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestXctIDPacking(t *testing.T) {
	id := NewXctID(Epoch(123456), 7890)
	assert.Equal(t, Epoch(123456), id.Epoch())
	assert.Equal(t, uint32(7890), id.Ordinal())
	assert.False(t, id.IsBeingWritten())
	assert.False(t, id.IsDeleted())
	assert.False(t, id.IsMoved())

	// ordinal is 24 bits
	wide := NewXctID(Epoch(1), 1<<24|5)
	assert.Equal(t, uint32(5), wide.Ordinal())
}

func TestXctIDStatusBits(t *testing.T) {
	id := NewXctID(Epoch(3), 1)

	flagged := id.WithStatus(XctIDBeingWritten | XctIDDeleted)
	assert.True(t, flagged.IsBeingWritten())
	assert.True(t, flagged.IsDeleted())
	assert.Equal(t, id.Epoch(), flagged.Epoch())
	assert.Equal(t, id.Ordinal(), flagged.Ordinal())

	assert.Equal(t, id, flagged.WithoutStatusBits())
	assert.True(t, id.EqualsIgnoreStatus(flagged))
}

func TestXctIDBefore(t *testing.T) {
	a := NewXctID(Epoch(5), 10)
	b := NewXctID(Epoch(5), 11)
	c := NewXctID(Epoch(6), 1)

	assert.True(t, a.Before(b))
	assert.True(t, b.Before(c))
	assert.True(t, a.Before(c))
	assert.False(t, b.Before(a))
	assert.False(t, a.Before(a), "identical words mean the same commit")

	// status bits do not participate in ordering
	assert.True(t, a.WithStatus(XctIDDeleted).Before(b))
}

func TestXctIDStoreMax(t *testing.T) {
	id := NewXctID(Epoch(5), 10)
	id.StoreMax(NewXctID(Epoch(5), 3))
	assert.Equal(t, NewXctID(Epoch(5), 10), id)

	id.StoreMax(NewXctID(Epoch(7), 1))
	assert.Equal(t, NewXctID(Epoch(7), 1), id)
}
