package outlier

import "math"

// LogisticModel is a hand-rolled binary logistic regression classifier,
// trained on analyst feedback labels (§4.4.5's supervised override tier).
type LogisticModel struct {
	Weights []float64 `json:"weights"`
	Bias    float64   `json:"bias"`
}

const (
	logisticLearningRate = 0.05
	logisticEpochs       = 500
	logisticL2           = 0.001
)

// FitLogisticModel trains weights via batch gradient descent over
// standardized feature vectors and their {0,1} labels.
func FitLogisticModel(samples [][]float64, labels []int) *LogisticModel {
	if len(samples) == 0 {
		return &LogisticModel{}
	}
	numFeatures := len(samples[0])
	m := &LogisticModel{Weights: make([]float64, numFeatures)}

	for epoch := 0; epoch < logisticEpochs; epoch++ {
		gradW := make([]float64, numFeatures)
		var gradB float64
		for i, x := range samples {
			pred := m.predictProba(x)
			err := pred - float64(labels[i])
			for j, v := range x {
				gradW[j] += err * v
			}
			gradB += err
		}
		n := float64(len(samples))
		for j := range gradW {
			update := gradW[j]/n + logisticL2*m.Weights[j]
			m.Weights[j] -= logisticLearningRate * update
		}
		m.Bias -= logisticLearningRate * gradB / n
	}
	return m
}

func (m *LogisticModel) predictProba(x []float64) float64 {
	var z float64
	for j, w := range m.Weights {
		if j < len(x) {
			z += w * x[j]
		}
	}
	z += m.Bias
	return 1 / (1 + math.Exp(-z))
}

// Score returns the predicted probability that x is anomalous.
func (m *LogisticModel) Score(x []float64) float64 {
	return m.predictProba(x)
}
