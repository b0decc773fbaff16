package training

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"

	"github.com/tsawler/go-midline/tensor"
)

// MetricType represents the presence-classification metrics
type MetricType int

const (
	Precision MetricType = iota
	Recall
	F1Score
	Specificity
	Accuracy
)

func (mt MetricType) String() string {
	switch mt {
	case Precision:
		return "Precision"
	case Recall:
		return "Recall"
	case F1Score:
		return "F1Score"
	case Specificity:
		return "Specificity"
	case Accuracy:
		return "Accuracy"
	default:
		return fmt.Sprintf("Unknown(%d)", int(mt))
	}
}

// ConfusionMatrix counts binary outcomes of the per-class presence head.
// Every class of every sample is one multi-label decision: a logit above
// zero predicts the class present, a label above 0.5 marks it present.
type ConfusionMatrix struct {
	NumClasses int
	// per class: true/false positives and negatives
	TP, FP, TN, FN []int

	scores [][]float32 // logits per class, for AUC
	labels [][]int32
}

// NewConfusionMatrix creates a new confusion matrix
func NewConfusionMatrix(numClasses int) *ConfusionMatrix {
	cm := &ConfusionMatrix{NumClasses: numClasses}
	cm.Reset()
	return cm
}

// Reset clears the confusion matrix
func (cm *ConfusionMatrix) Reset() {
	cm.TP = make([]int, cm.NumClasses)
	cm.FP = make([]int, cm.NumClasses)
	cm.TN = make([]int, cm.NumClasses)
	cm.FN = make([]int, cm.NumClasses)
	cm.scores = make([][]float32, cm.NumClasses)
	cm.labels = make([][]int32, cm.NumClasses)
}

// Update folds a batch of [B, K] logits and presence labels in
func (cm *ConfusionMatrix) Update(logits, labels *tensor.Tensor) error {
	if err := tensor.CheckSameShape(logits, labels); err != nil {
		return errors.Wrap(err, "confusion matrix")
	}
	if logits.Dim() != 2 || logits.Shape[1] != cm.NumClasses {
		return errors.Errorf("expected [B, %d] logits, got %v", cm.NumClasses, logits.Shape)
	}

	for i, score := range logits.Data {
		k := i % cm.NumClasses
		predicted := score > 0
		present := labels.Data[i] > 0.5

		switch {
		case predicted && present:
			cm.TP[k]++
		case predicted && !present:
			cm.FP[k]++
		case !predicted && present:
			cm.FN[k]++
		default:
			cm.TN[k]++
		}

		label := int32(0)
		if present {
			label = 1
		}
		cm.scores[k] = append(cm.scores[k], score)
		cm.labels[k] = append(cm.labels[k], label)
	}
	return nil
}

// totals sums the counts of every class (micro averaging)
func (cm *ConfusionMatrix) totals() (tp, fp, tn, fn float64) {
	for k := 0; k < cm.NumClasses; k++ {
		tp += float64(cm.TP[k])
		fp += float64(cm.FP[k])
		tn += float64(cm.TN[k])
		fn += float64(cm.FN[k])
	}
	return
}

func ratio(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return num / den
}

// GetMetric returns a micro-averaged metric over all classes
func (cm *ConfusionMatrix) GetMetric(metric MetricType) float64 {
	tp, fp, tn, fn := cm.totals()
	switch metric {
	case Precision:
		return ratio(tp, tp+fp)
	case Recall:
		return ratio(tp, tp+fn)
	case F1Score:
		p, r := ratio(tp, tp+fp), ratio(tp, tp+fn)
		return ratio(2*p*r, p+r)
	case Specificity:
		return ratio(tn, tn+fp)
	case Accuracy:
		return ratio(tp+tn, tp+tn+fp+fn)
	default:
		return 0
	}
}

// ClassF1 returns the F1 score of class k
func (cm *ConfusionMatrix) ClassF1(k int) float64 {
	tp, fp, fn := float64(cm.TP[k]), float64(cm.FP[k]), float64(cm.FN[k])
	return ratio(2*tp, 2*tp+fp+fn)
}

// MacroAUC averages the ROC AUC of the classes that saw both outcomes
func (cm *ConfusionMatrix) MacroAUC() float64 {
	var sum float64
	var n int
	for k := 0; k < cm.NumClasses; k++ {
		auc, ok := CalculateAUCROC(cm.scores[k], cm.labels[k])
		if ok {
			sum += auc
			n++
		}
	}
	return ratio(sum, float64(n))
}

// CalculateAUCROC calculates the area under the ROC curve of binary labels.
// It reports false when only one class is present.
func CalculateAUCROC(predictions []float32, trueLabels []int32) (float64, bool) {
	if len(predictions) != len(trueLabels) {
		return 0, false
	}

	type predLabel struct {
		score float32
		label int32
	}
	pairs := make([]predLabel, len(predictions))
	totalPos, totalNeg := 0, 0
	for i := range predictions {
		pairs[i] = predLabel{score: predictions[i], label: trueLabels[i]}
		if trueLabels[i] == 1 {
			totalPos++
		} else {
			totalNeg++
		}
	}
	if totalPos == 0 || totalNeg == 0 {
		return 0, false
	}

	// descending score
	sort.SliceStable(pairs, func(i, j int) bool {
		return pairs[i].score > pairs[j].score
	})

	// trapezoidal rule; tied scores move along the diagonal together
	auc := 0.0
	tp, fp := 0, 0
	prevTPR, prevFPR := 0.0, 0.0
	for i := 0; i < len(pairs); {
		j := i
		for j < len(pairs) && pairs[j].score == pairs[i].score {
			if pairs[j].label == 1 {
				tp++
			} else {
				fp++
			}
			j++
		}
		tpr := float64(tp) / float64(totalPos)
		fpr := float64(fp) / float64(totalNeg)
		auc += (fpr - prevFPR) * (tpr + prevTPR) / 2.0
		prevTPR, prevFPR = tpr, fpr
		i = j
	}
	return auc, true
}
