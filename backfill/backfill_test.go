package backfill

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// Supplemental scenario 8 (SPEC_FULL.md §8): a Budget saturates mid-scan,
// OverBudget reports true, and a subsequent Release brings it back under cap
// and wakes anything waiting on Drained.
func TestBudget_PauseResume(t *testing.T) {
	var b = NewBudget(100)
	assert.False(t, b.OverBudget())

	b.Reserve(100)
	assert.True(t, b.OverBudget(), "budget must report saturated once used reaches cap")

	var drained = b.Drained()
	select {
	case <-drained:
		t.Fatal("Drained channel must not be closed before any Release")
	default:
	}

	b.Release(40)
	assert.False(t, b.OverBudget(), "releasing below cap must clear OverBudget")

	select {
	case <-drained:
	default:
		t.Fatal("Release must close the previously-returned Drained channel")
	}
}

// Release must never drive used negative, so a caller that over-releases
// (e.g. due to a rounding mismatch in Size() accounting) cannot leave the
// budget permanently reporting headroom it doesn't have.
func TestBudget_ReleaseClampsAtZero(t *testing.T) {
	var b = NewBudget(100)
	b.Reserve(10)
	b.Release(50)
	assert.False(t, b.OverBudget())

	b.Reserve(100)
	assert.True(t, b.OverBudget())
}
