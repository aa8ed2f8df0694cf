package engine

import (
	"context"
	"testing"

	"pgregory.net/rapid"

	"github.com/careflowhq/careflow/graph"
)

// The comparison operators must be mutually consistent for arbitrary
// numeric operands: eq/neq are complements, gt/lte are complements and
// gte is gt-or-eq.
func TestComparisonOperatorsConsistent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		left := rapid.Float64Range(-1e6, 1e6).Draw(t, "left")
		right := rapid.Float64Range(-1e6, 1e6).Draw(t, "right")
		vars := map[string]any{"l": left, "r": right}

		eval := func(op graph.CompareOp) bool {
			got, err := evaluateCondition(graph.Condition{Operator: op, Left: "$l", Right: "$r"}, vars)
			if err != nil {
				t.Fatalf("operator %s failed: %v", op, err)
			}
			return got
		}

		eq := eval(graph.OpEq)
		if eq == eval(graph.OpNeq) {
			t.Fatalf("eq and neq agree for %v vs %v", left, right)
		}
		if eval(graph.OpGt) == eval(graph.OpLte) {
			t.Fatalf("gt and lte agree for %v vs %v", left, right)
		}
		if eval(graph.OpGte) != (eval(graph.OpGt) || eq) {
			t.Fatalf("gte inconsistent for %v vs %v", left, right)
		}
	})
}

// A for loop dispatches its body exactly Iterations times regardless of
// the iteration count chosen.
func TestForLoopIterationCountProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 20).Draw(t, "iterations")

		steps := newRecordingSteps()
		g := loopGraph(&graph.LoopConfig{
			Kind:        graph.LoopFor,
			Iterations:  n,
			BodyTargets: []string{"body"},
		})

		state, err := newTestEngine(steps).Execute(context.Background(), g, nil)
		if err != nil {
			t.Fatalf("execute: %v", err)
		}
		if state.Status != StatusCompleted {
			t.Fatalf("status = %s", state.Status)
		}
		if got := len(steps.callList()); got != n {
			t.Fatalf("body ran %d times, want %d", got, n)
		}
	})
}
