package training

import (
	"fmt"

	"github.com/tsawler/go-tae/tensor"
)

// CrossEntropyLoss computes softmax cross entropy between class logits and
// integer labels, averaged over the batch. The result is a scalar tensor
// connected to the autograd graph.
type CrossEntropyLoss struct{}

// NewCrossEntropyLoss creates a new cross entropy criterion.
func NewCrossEntropyLoss() *CrossEntropyLoss {
	return &CrossEntropyLoss{}
}

// Forward computes the loss.
// logits: [batch_size, num_classes] Float32
// targets: [batch_size] Int32 class indices
func (ce *CrossEntropyLoss) Forward(logits, targets *tensor.Tensor) (*tensor.Tensor, error) {
	if err := validateLogitsTargets(logits, targets); err != nil {
		return nil, err
	}
	return tensor.CrossEntropyAutograd(logits, targets), nil
}

// Accuracy computes top-k classification accuracy in percent for each k. A
// prediction counts for k when the target class ranks among the k highest
// logits; ties resolve in index order. With no ks given it computes top-1.
func Accuracy(logits, targets *tensor.Tensor, ks ...int) ([]float64, error) {
	if err := validateLogitsTargets(logits, targets); err != nil {
		return nil, err
	}
	if len(ks) == 0 {
		ks = []int{1}
	}
	for _, k := range ks {
		if k < 1 {
			return nil, fmt.Errorf("accuracy requires k >= 1, got %d", k)
		}
	}

	batchSize := logits.Shape[0]
	numClasses := logits.Shape[1]
	logitsData := logits.Data.([]float32)
	targetsData := targets.Data.([]int32)

	correct := make([]int, len(ks))
	for i := 0; i < batchSize; i++ {
		base := i * numClasses
		target := int(targetsData[i])
		targetScore := logitsData[base+target]

		// Rank of the target class: classes scoring strictly higher, plus
		// earlier classes scoring the same.
		rank := 0
		for c := 0; c < numClasses; c++ {
			if logitsData[base+c] > targetScore || (logitsData[base+c] == targetScore && c < target) {
				rank++
			}
		}

		for ki, k := range ks {
			if rank < k {
				correct[ki]++
			}
		}
	}

	accs := make([]float64, len(ks))
	for ki := range ks {
		accs[ki] = float64(correct[ki]) / float64(batchSize) * 100.0
	}
	return accs, nil
}

// validateLogitsTargets checks the shapes and dtypes shared by the loss and
// accuracy computations, including target class range.
func validateLogitsTargets(logits, targets *tensor.Tensor) error {
	if logits == nil || targets == nil {
		return fmt.Errorf("logits and targets must not be nil")
	}
	if logits.DType != tensor.Float32 || targets.DType != tensor.Int32 {
		return fmt.Errorf("logits must be Float32 and targets must be Int32")
	}
	if len(logits.Shape) != 2 {
		return fmt.Errorf("logits must be a 2D tensor [batch_size, num_classes], got shape %v", logits.Shape)
	}
	if len(targets.Shape) != 1 {
		return fmt.Errorf("targets must be a 1D tensor [batch_size], got shape %v", targets.Shape)
	}

	batchSize := logits.Shape[0]
	numClasses := logits.Shape[1]
	if targets.Shape[0] != batchSize {
		return fmt.Errorf("batch size mismatch: logits %d, targets %d", batchSize, targets.Shape[0])
	}

	targetsData := targets.Data.([]int32)
	for i := 0; i < batchSize; i++ {
		if targetsData[i] < 0 || int(targetsData[i]) >= numClasses {
			return fmt.Errorf("target class %d out of range [0, %d)", targetsData[i], numClasses)
		}
	}
	return nil
}
