package sqlite

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCommandFilter_EmptyListsLogEverything(t *testing.T) {
	f := NewCommandFilter(nil, nil)

	assert.True(t, f.ShouldLog("ping"))
	assert.True(t, f.ShouldLog("run_compute"))
}

func TestCommandFilter_ExcludeBlocksMembers(t *testing.T) {
	f := NewCommandFilter(nil, []string{"ping", "get_uniqueid"})

	assert.False(t, f.ShouldLog("ping"))
	assert.False(t, f.ShouldLog("get_uniqueid"))
	assert.True(t, f.ShouldLog("run_compute"))
}

func TestCommandFilter_IncludeKeepsOnlyMembers(t *testing.T) {
	f := NewCommandFilter([]string{"run_compute", "run_solver"}, nil)

	assert.True(t, f.ShouldLog("run_compute"))
	assert.True(t, f.ShouldLog("run_solver"))
	assert.False(t, f.ShouldLog("ping"))
	assert.False(t, f.ShouldLog("set_value"))
}

// A non-empty include list wins outright: the exclude list is not
// consulted at all, even for names it contains.
func TestCommandFilter_IncludeTakesPrecedenceOverExclude(t *testing.T) {
	f := NewCommandFilter([]string{"run_compute"}, []string{"run_compute", "ping"})

	assert.True(t, f.ShouldLog("run_compute"))
	assert.False(t, f.ShouldLog("ping"))
}

func TestCommandFilter_SwapReplacesBothLists(t *testing.T) {
	f := NewCommandFilter([]string{"run_compute"}, nil)
	assert.False(t, f.ShouldLog("ping"))

	f.Swap(nil, []string{"get_value"})
	assert.True(t, f.ShouldLog("ping"), "include list should be gone after swap")
	assert.False(t, f.ShouldLog("get_value"))
}

func TestCommandFilter_IgnoresEmptyNames(t *testing.T) {
	f := NewCommandFilter([]string{""}, nil)

	// An include list of only empty strings is treated as no include
	// list at all.
	assert.True(t, f.ShouldLog("ping"))
}
