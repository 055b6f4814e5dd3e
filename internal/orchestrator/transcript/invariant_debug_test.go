//go:build scribedebug

package transcript

import "testing"

// Run with: go test -tags scribedebug ./internal/orchestrator/transcript/
func TestEnsureMonotonicPanicsInDebugBuild(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("EnsureMonotonic did not panic on disorder")
		}
	}()
	EnsureMonotonic([]Token{tok("b", 2, 3), tok("a", 0, 1)})
}

func TestEnsureMonotonicOrderedInDebugBuild(t *testing.T) {
	out := EnsureMonotonic([]Token{tok("a", 0, 1), tok("b", 1, 2)})
	if !IsMonotonic(out) {
		t.Errorf("EnsureMonotonic = %+v", out)
	}
}
