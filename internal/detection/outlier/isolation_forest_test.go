package outlier

import (
	"math/rand"
	"testing"
)

func normalCluster(n int, center []float64, spread float64) [][]float64 {
	out := make([][]float64, n)
	for i := range out {
		v := make([]float64, len(center))
		for j, c := range center {
			v[j] = c + (rand.Float64()-0.5)*spread
		}
		out[i] = v
	}
	return out
}

func TestIsolationForestFlagsFarOutlier(t *testing.T) {
	rand.Seed(1)
	samples := normalCluster(300, []float64{0, 0, 0}, 1.0)
	forest := FitIsolationForest(samples, 0.05)

	outlier := []float64{50, 50, 50}
	if !forest.IsOutlier(outlier) {
		t.Fatalf("expected a far-away point to score as an outlier, score=%f threshold=%f", forest.Score(outlier), forest.Threshold)
	}
}

func TestIsolationForestDoesNotFlagTypicalPoint(t *testing.T) {
	rand.Seed(2)
	samples := normalCluster(300, []float64{0, 0, 0}, 1.0)
	forest := FitIsolationForest(samples, 0.05)

	typical := []float64{0.1, -0.1, 0.05}
	if forest.IsOutlier(typical) {
		t.Errorf("did not expect a typical point to be flagged, score=%f threshold=%f", forest.Score(typical), forest.Threshold)
	}
}

func TestForestMarshalRoundTrip(t *testing.T) {
	rand.Seed(3)
	samples := normalCluster(100, []float64{1, 2}, 0.5)
	forest := FitIsolationForest(samples, 0.1)

	blob, err := forest.MarshalBlob()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	restored, err := UnmarshalForest(blob)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	x := []float64{1, 2}
	got := restored.Score(x)
	want := forest.Score(x)
	if got != want {
		t.Errorf("expected matching scores after round trip, got %f want %f", got, want)
	}
}
