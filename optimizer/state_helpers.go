package optimizer

import (
	"github.com/pkg/errors"

	"github.com/tsawler/go-tae/checkpoints"
)

// snapshotBuffer copies an optimizer state buffer into its checkpoint form.
// The copy matters: checkpoint encoding must not race with later Step calls.
func snapshotBuffer(name, stateType string, shape []int, data []float32) checkpoints.OptimizerTensor {
	return checkpoints.OptimizerTensor{
		Name:      name,
		Shape:     append([]int(nil), shape...),
		Data:      append([]float32(nil), data...),
		StateType: stateType,
	}
}

// restoreBuffer copies checkpoint data over a live state buffer.
func restoreBuffer(dst []float32, t *checkpoints.OptimizerTensor) error {
	if len(t.Data) != len(dst) {
		return errors.Errorf("state tensor %s has %d values, parameter has %d", t.Name, len(t.Data), len(dst))
	}
	copy(dst, t.Data)
	return nil
}

// extractFloat64Param extracts a numeric parameter from checkpoint state.
// JSON decodes every number as float64, so float64 is the canonical type.
func extractFloat64Param(params map[string]interface{}, key string) (float64, error) {
	value, exists := params[key]
	if !exists {
		return 0, errors.Errorf("missing required parameter: %s", key)
	}
	f, ok := value.(float64)
	if !ok {
		return 0, errors.Errorf("parameter %s is not a number: %T", key, value)
	}
	return f, nil
}

// extractUint64Param extracts a counter stored as a float64
func extractUint64Param(params map[string]interface{}, key string) (uint64, error) {
	f, err := extractFloat64Param(params, key)
	if err != nil {
		return 0, err
	}
	if f < 0 {
		return 0, errors.Errorf("parameter %s is negative: %v", key, f)
	}
	return uint64(f), nil
}

// extractBoolParam extracts a boolean parameter from checkpoint state
func extractBoolParam(params map[string]interface{}, key string) (bool, error) {
	value, exists := params[key]
	if !exists {
		return false, errors.Errorf("missing required parameter: %s", key)
	}
	b, ok := value.(bool)
	if !ok {
		return false, errors.Errorf("parameter %s is not a bool: %T", key, value)
	}
	return b, nil
}

func shapesEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
