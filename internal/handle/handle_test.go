package handle

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/blegate/internal/blerr"
)

func TestTable_AllocateResolve(t *testing.T) {
	tbl := NewTable[string]("connection")

	h1 := tbl.Allocate("a")
	h2 := tbl.Allocate("b")

	assert.Equal(t, 1, h1)
	assert.Equal(t, 2, h2)

	v, err := tbl.Resolve(h2)
	require.NoError(t, err)
	assert.Equal(t, "b", v)
	assert.Equal(t, 2, tbl.Len())
}

func TestTable_HandlesAreNeverReused(t *testing.T) {
	// GOAL: Verify removed handles are retired permanently
	//
	// TEST SCENARIO: Allocate, remove, allocate again → new handle differs and old one stays NotFound

	tbl := NewTable[int]("connection")
	first := tbl.Allocate(10)

	_, ok := tbl.Remove(first)
	require.True(t, ok)

	second := tbl.Allocate(20)
	assert.NotEqual(t, first, second)

	_, err := tbl.Resolve(first)
	assert.True(t, errors.Is(err, blerr.ErrNotFound))
}

func TestTable_ResolveUnknown(t *testing.T) {
	tbl := NewTable[int]("service")

	tests := []struct {
		name   string
		handle int
	}{
		{"never issued", 42},
		{"zero", 0},
		{"negative", -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tbl.Resolve(tt.handle)
			require.Error(t, err)
			assert.True(t, errors.Is(err, blerr.ErrNotFound))
			assert.Contains(t, err.Error(), "service")
		})
	}
}

func TestSharedCounter_SpansTables(t *testing.T) {
	// GOAL: Verify tables sharing a counter never hand out the same value
	//
	// TEST SCENARIO: Interleave allocations across three tables → values strictly increase

	c := NewCounter()
	services := NewSharedTable[string]("service", c)
	chars := NewSharedTable[string]("characteristic", c)
	descs := NewSharedTable[string]("descriptor", c)

	assert.Equal(t, 1, services.Allocate("180D"))
	assert.Equal(t, 2, chars.Allocate("2A37"))
	assert.Equal(t, 3, descs.Allocate("2902"))
	assert.Equal(t, 4, chars.Allocate("2A38"))

	_, err := services.Resolve(2)
	assert.True(t, errors.Is(err, blerr.ErrNotFound), "handle 2 belongs to another table")
}

func TestTable_RangeFollowsAllocationOrder(t *testing.T) {
	tbl := NewTable[string]("connection")
	tbl.Allocate("a")
	b := tbl.Allocate("b")
	tbl.Allocate("c")
	tbl.Remove(b)

	var seen []string
	tbl.Range(func(_ int, v string) bool {
		seen = append(seen, v)
		return true
	})

	assert.Equal(t, []string{"a", "c"}, seen)
	assert.Equal(t, []int{1, 3}, tbl.Handles())
}
