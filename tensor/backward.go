package tensor

import (
	"fmt"
)

// Backward runs reverse-mode differentiation starting from a scalar tensor.
// Gradients accumulate into the grad buffers of leaf tensors that require
// them; repeated calls keep accumulating until ZeroGrad is used.
func (t *Tensor) Backward() error {
	if t.NumElems != 1 {
		return fmt.Errorf("backward can only start from a scalar tensor, got %d elements", t.NumElems)
	}
	if t.DType != Float32 {
		return fmt.Errorf("backward requires a Float32 tensor, got %s", t.DType)
	}

	seed, err := Ones(t.Shape, Float32)
	if err != nil {
		return err
	}

	return t.BackwardWithGradient(seed)
}

// BackwardWithGradient runs reverse-mode differentiation with an explicit
// seed gradient instead of the implicit ones. Loss scaling uses this to fold
// the scale factor into the whole backward pass.
func (t *Tensor) BackwardWithGradient(seed *Tensor) error {
	if seed == nil {
		return fmt.Errorf("seed gradient cannot be nil")
	}
	if !shapesEqual(seed.Shape, t.Shape) {
		return fmt.Errorf("seed gradient shape %v does not match tensor shape %v", seed.Shape, t.Shape)
	}
	if seed.DType != Float32 {
		return fmt.Errorf("seed gradient must be Float32, got %s", seed.DType)
	}

	order := topoSort(t)

	grads := make(map[*Tensor]*Tensor, len(order))
	grads[t] = seed

	for i := len(order) - 1; i >= 0; i-- {
		node := order[i]
		g := grads[node]
		if g == nil {
			continue
		}

		// Only leaves retain gradients
		if node.requiresGrad && node.creator == nil {
			if err := node.accumulateGrad(g); err != nil {
				return err
			}
		}

		if node.creator == nil {
			continue
		}

		inputGrads := node.creator.Backward(g)
		inputs := node.creator.Inputs()
		if len(inputGrads) != len(inputs) {
			return fmt.Errorf("operation returned %d gradients for %d inputs", len(inputGrads), len(inputs))
		}

		for j, input := range inputs {
			inputGrad := inputGrads[j]
			if inputGrad == nil {
				continue
			}
			if existing := grads[input]; existing != nil {
				summed, err := Add(existing, inputGrad)
				if err != nil {
					return fmt.Errorf("failed to accumulate gradient: %v", err)
				}
				grads[input] = summed
			} else {
				grads[input] = inputGrad
			}
		}

		delete(grads, node)
	}

	return nil
}

// topoSort returns the tensors reachable from root in topological order,
// inputs before outputs.
func topoSort(root *Tensor) []*Tensor {
	visited := make(map[*Tensor]bool)
	var order []*Tensor

	var visit func(*Tensor)
	visit = func(n *Tensor) {
		if visited[n] {
			return
		}
		visited[n] = true
		if n.creator != nil {
			for _, input := range n.creator.Inputs() {
				visit(input)
			}
		}
		order = append(order, n)
	}

	visit(root)
	return order
}

func (t *Tensor) accumulateGrad(g *Tensor) error {
	if t.DType != Float32 {
		return fmt.Errorf("cannot accumulate gradient into %s tensor", t.DType)
	}
	if !shapesEqual(g.Shape, t.Shape) {
		return fmt.Errorf("gradient shape %v does not match tensor shape %v", g.Shape, t.Shape)
	}

	if t.grad == nil {
		clone, err := g.Clone()
		if err != nil {
			return err
		}
		clone.requiresGrad = false
		clone.creator = nil
		t.grad = clone
		return nil
	}

	gradData := t.grad.Data.([]float32)
	newData := g.Data.([]float32)
	for i := range gradData {
		gradData[i] += newData[i]
	}

	return nil
}
