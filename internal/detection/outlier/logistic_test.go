package outlier

import "testing"

func TestLogisticModelSeparatesLinearlySeparableClasses(t *testing.T) {
	samples := [][]float64{
		{0, 0}, {0.2, 0.1}, {-0.1, 0.1}, {0.1, -0.2}, // label 0, near origin
		{5, 5}, {5.2, 4.8}, {4.9, 5.1}, {5.1, 5.2}, // label 1, far cluster
	}
	labels := []int{0, 0, 0, 0, 1, 1, 1, 1}

	m := FitLogisticModel(samples, labels)

	if m.Score([]float64{0, 0}) >= 0.5 {
		t.Errorf("expected near-origin point scored below 0.5, got %f", m.Score([]float64{0, 0}))
	}
	if m.Score([]float64{5, 5}) < 0.5 {
		t.Errorf("expected far-cluster point scored at or above 0.5, got %f", m.Score([]float64{5, 5}))
	}
}

func TestFitLogisticModelHandlesEmptyInput(t *testing.T) {
	m := FitLogisticModel(nil, nil)
	if m == nil {
		t.Fatal("expected a non-nil model even with no training data")
	}
}
