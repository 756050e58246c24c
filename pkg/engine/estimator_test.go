package engine

import (
	"testing"
)

func TestEstimatorNeedsTwoDifferences(t *testing.T) {
	e := Estimator{ErrTol: 1e-7, Safety: 1.05}
	if _, ok := e.Update(0, 1); ok {
		t.Error("Update(0) produced an estimate")
	}
	if _, ok := e.Update(1, 1); ok {
		t.Error("Update(1) produced an estimate")
	}
	if _, ok := e.Update(2, 0.5); !ok {
		t.Error("Update(2) produced no estimate")
	}
}

func TestEstimatorKnownValues(t *testing.T) {
	tests := []struct {
		diff float64
		want int
	}{
		{0.5, 26},
		{0.25, 13},
		{0.1, 8},
		{0.01, 4},
	}
	for _, tt := range tests {
		e := Estimator{ErrTol: 1e-7, Safety: 1.05}
		e.Update(1, 1)
		got, ok := e.Update(2, tt.diff)
		if !ok || got != tt.want {
			t.Errorf("Update(2, %g) = %d, %v, want %d", tt.diff, got, ok, tt.want)
		}
		if e.K != got {
			t.Errorf("K = %d, want %d", e.K, got)
		}
	}
}

func TestEstimatorMonotoneInContraction(t *testing.T) {
	prev := int(^uint(0) >> 1)
	for _, diff := range []float64{0.95, 0.8, 0.6, 0.4, 0.2, 0.05, 1e-3, 1e-6} {
		e := Estimator{ErrTol: 1e-8, Safety: 1}
		e.Update(1, 1)
		k, ok := e.Update(2, diff)
		if !ok {
			t.Fatalf("Update(2, %g) produced no estimate", diff)
		}
		if k > prev {
			t.Errorf("estimate grew from %d to %d as the difference shrank to %g", prev, k, diff)
		}
		prev = k
	}
}

func TestEstimatorCapsContraction(t *testing.T) {
	growing := Estimator{ErrTol: 1e-7, Safety: 1}
	growing.Update(1, 1)
	got, _ := growing.Update(2, 5)

	capped := Estimator{ErrTol: 1e-7, Safety: 1}
	capped.Update(1, 1)
	want, _ := capped.Update(2, maxContraction)

	if got != want {
		t.Errorf("diverging differences estimate %d, want the capped %d", got, want)
	}
}

func TestEstimatorDegenerateDifferences(t *testing.T) {
	e := Estimator{ErrTol: 1e-7, Safety: 1}
	e.Update(1, 0)
	if k, ok := e.Update(2, 0.3); !ok || k != 0 {
		t.Errorf("zero previous difference: Update() = %d, %v, want 0, true", k, ok)
	}

	e.Reset()
	e.Update(1, 1)
	if k, ok := e.Update(2, 0); !ok || k != 0 {
		t.Errorf("zero new difference: Update() = %d, %v, want 0, true", k, ok)
	}

	e.Reset()
	if e.K != 0 {
		t.Errorf("K after Reset = %d", e.K)
	}
	if _, ok := e.Update(2, 0.5); !ok {
		t.Error("Update(2) after Reset produced no estimate")
	}
}
