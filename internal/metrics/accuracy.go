package metrics

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Accuracy counts correct predictions overall and per class.
type Accuracy struct {
	correct []int
	total   []int
}

func NewAccuracy(numClasses int) *Accuracy {
	return &Accuracy{
		correct: make([]int, numClasses),
		total:   make([]int, numClasses),
	}
}

// Update records one batch of predictions against its labels.
func (a *Accuracy) Update(predicted, labels []int) error {
	if len(predicted) != len(labels) {
		return errors.Errorf("accuracy: %d predictions for %d labels", len(predicted), len(labels))
	}
	for i, label := range labels {
		if label < 0 || label >= len(a.total) {
			return errors.Errorf("accuracy: label %d out of range [0, %d)", label, len(a.total))
		}
		a.total[label]++
		if predicted[i] == label {
			a.correct[label]++
		}
	}
	return nil
}

func (a *Accuracy) NumClasses() int { return len(a.total) }

// Total returns the number of samples seen.
func (a *Accuracy) Total() int {
	n := 0
	for _, t := range a.total {
		n += t
	}
	return n
}

// Correct returns the number of correctly classified samples.
func (a *Accuracy) Correct() int {
	n := 0
	for _, c := range a.correct {
		n += c
	}
	return n
}

func (a *Accuracy) ClassTotal(c int) int   { return a.total[c] }
func (a *Accuracy) ClassCorrect(c int) int { return a.correct[c] }

// Percent is the overall accuracy in percent.
func (a *Accuracy) Percent() float64 {
	return percent(a.Correct(), a.Total())
}

// ClassPercent is the accuracy on class c in percent.
func (a *Accuracy) ClassPercent(c int) float64 {
	return percent(a.correct[c], a.total[c])
}

// Report renders one "Accuracy of <name> : <pct> %" line per class.
func (a *Accuracy) Report(names []string) string {
	var b strings.Builder
	for c := range a.total {
		name := fmt.Sprintf("class%d", c)
		if c < len(names) {
			name = names[c]
		}
		fmt.Fprintf(&b, "Accuracy of %5s : %5.2f %%\n", name, a.ClassPercent(c))
	}
	return b.String()
}

func percent(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return 100 * float64(num) / float64(den)
}
