package tensor

import (
	"math"
	"reflect"
	"testing"
)

func TestAddAutogradBackward(t *testing.T) {
	a, _ := NewTensor([]int{1}, Float32, []float32{2})
	b, _ := NewTensor([]int{1}, Float32, []float32{3})
	a.SetRequiresGrad(true)
	b.SetRequiresGrad(true)

	c := AddAutograd(a, b)
	if c.Data.([]float32)[0] != 5 {
		t.Errorf("Add result = %f, expected 5", c.Data.([]float32)[0])
	}
	if !c.RequiresGrad() {
		t.Error("Result should require grad")
	}

	if err := c.Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	if a.Grad() == nil || a.Grad().Data.([]float32)[0] != 1 {
		t.Errorf("a.grad = %v, expected 1", a.Grad())
	}
	if b.Grad() == nil || b.Grad().Data.([]float32)[0] != 1 {
		t.Errorf("b.grad = %v, expected 1", b.Grad())
	}
}

func TestAddAutogradBroadcastBackward(t *testing.T) {
	x, _ := NewTensor([]int{2, 2}, Float32, []float32{1, 2, 3, 4})
	bias, _ := NewTensor([]int{2}, Float32, []float32{10, 20})
	bias.SetRequiresGrad(true)

	y := AddAutograd(x, bias)

	expected := []float32{11, 22, 13, 24}
	if !reflect.DeepEqual(y.Data.([]float32), expected) {
		t.Errorf("Add = %v, expected %v", y.Data, expected)
	}

	seed, _ := Ones([]int{2, 2}, Float32)
	if err := y.BackwardWithGradient(seed); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	// The bias gradient is summed over the broadcast batch dimension
	gradData := bias.Grad().Data.([]float32)
	if gradData[0] != 2 || gradData[1] != 2 {
		t.Errorf("bias.grad = %v, expected [2 2]", gradData)
	}
}

func TestMulAutogradBackward(t *testing.T) {
	a, _ := NewTensor([]int{2}, Float32, []float32{2, 3})
	b, _ := NewTensor([]int{2}, Float32, []float32{4, 5})
	a.SetRequiresGrad(true)
	b.SetRequiresGrad(true)

	y := MulAutograd(a, b)

	seed, _ := Ones([]int{2}, Float32)
	if err := y.BackwardWithGradient(seed); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	if !reflect.DeepEqual(a.Grad().Data.([]float32), []float32{4, 5}) {
		t.Errorf("a.grad = %v, expected [4 5]", a.Grad().Data)
	}
	if !reflect.DeepEqual(b.Grad().Data.([]float32), []float32{2, 3}) {
		t.Errorf("b.grad = %v, expected [2 3]", b.Grad().Data)
	}
}

func TestMatMulAutogradBackward(t *testing.T) {
	a, _ := NewTensor([]int{1, 2}, Float32, []float32{1, 2})
	b, _ := NewTensor([]int{2, 1}, Float32, []float32{3, 4})
	a.SetRequiresGrad(true)
	b.SetRequiresGrad(true)

	y := MatMulAutograd(a, b)
	if y.Data.([]float32)[0] != 11 {
		t.Errorf("MatMul result = %f, expected 11", y.Data.([]float32)[0])
	}

	if err := y.Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	// dy/dA = gradOut @ B^T, dy/dB = A^T @ gradOut
	if !reflect.DeepEqual(a.Grad().Data.([]float32), []float32{3, 4}) {
		t.Errorf("a.grad = %v, expected [3 4]", a.Grad().Data)
	}
	if !reflect.DeepEqual(b.Grad().Data.([]float32), []float32{1, 2}) {
		t.Errorf("b.grad = %v, expected [1 2]", b.Grad().Data)
	}
}

func TestReLUAutogradBackward(t *testing.T) {
	x, _ := NewTensor([]int{3}, Float32, []float32{-1, 0, 2})
	x.SetRequiresGrad(true)

	y := ReLUAutograd(x)

	seed, _ := Ones([]int{3}, Float32)
	if err := y.BackwardWithGradient(seed); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	expected := []float32{0, 0, 1}
	if !reflect.DeepEqual(x.Grad().Data.([]float32), expected) {
		t.Errorf("x.grad = %v, expected %v", x.Grad().Data, expected)
	}
}

func TestSigmoidAutogradBackward(t *testing.T) {
	x, _ := NewTensor([]int{1}, Float32, []float32{0})
	x.SetRequiresGrad(true)

	y := SigmoidAutograd(x)
	if math.Abs(float64(y.Data.([]float32)[0])-0.5) > 1e-6 {
		t.Errorf("Sigmoid(0) = %f, expected 0.5", y.Data.([]float32)[0])
	}

	if err := y.Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	// sigma'(0) = 0.5 * (1 - 0.5) = 0.25
	grad := float64(x.Grad().Data.([]float32)[0])
	if math.Abs(grad-0.25) > 1e-6 {
		t.Errorf("x.grad = %f, expected 0.25", grad)
	}
}

func TestGELUAutogradBackward(t *testing.T) {
	points := []float32{-1.5, -0.5, 0, 0.5, 1.5}
	x, _ := NewTensor([]int{len(points)}, Float32, points)
	x.SetRequiresGrad(true)

	y := GELUAutograd(x)

	seed, _ := Ones([]int{len(points)}, Float32)
	if err := y.BackwardWithGradient(seed); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	// Compare against central finite differences
	grad := x.Grad().Data.([]float32)
	h := 1e-4
	for i, p := range points {
		numeric := (geluScalar(float64(p)+h) - geluScalar(float64(p)-h)) / (2 * h)
		if math.Abs(float64(grad[i])-numeric) > 1e-3 {
			t.Errorf("GELU grad at %f = %f, finite difference %f", p, grad[i], numeric)
		}
	}
}

func TestReshapeAutogradBackward(t *testing.T) {
	x, _ := NewTensor([]int{2, 3}, Float32, []float32{1, 2, 3, 4, 5, 6})
	x.SetRequiresGrad(true)

	y := ReshapeAutograd(x, []int{3, 2})
	if !reflect.DeepEqual(y.Shape, []int{3, 2}) {
		t.Errorf("Shape = %v, expected [3 2]", y.Shape)
	}

	seed, _ := Ones([]int{3, 2}, Float32)
	if err := y.BackwardWithGradient(seed); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	if !reflect.DeepEqual(x.Grad().Shape, []int{2, 3}) {
		t.Errorf("grad shape = %v, expected [2 3]", x.Grad().Shape)
	}
	for i, v := range x.Grad().Data.([]float32) {
		if v != 1 {
			t.Errorf("grad element %d = %f, expected 1", i, v)
		}
	}
}

func TestMeanPoolAutogradBackward(t *testing.T) {
	x, _ := NewTensor([]int{1, 2, 2}, Float32, []float32{1, 2, 3, 4})
	x.SetRequiresGrad(true)

	y := MeanPoolAutograd(x)
	if !reflect.DeepEqual(y.Shape, []int{1, 2}) {
		t.Errorf("Shape = %v, expected [1 2]", y.Shape)
	}

	expected := []float32{2, 3}
	if !reflect.DeepEqual(y.Data.([]float32), expected) {
		t.Errorf("MeanPool = %v, expected %v", y.Data, expected)
	}

	seed, _ := Ones([]int{1, 2}, Float32)
	if err := y.BackwardWithGradient(seed); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	for i, v := range x.Grad().Data.([]float32) {
		if v != 0.5 {
			t.Errorf("grad element %d = %f, expected 0.5", i, v)
		}
	}
}

func TestLayerNormAutograd(t *testing.T) {
	x, _ := NewTensor([]int{1, 2}, Float32, []float32{1, 3})
	gamma, _ := NewTensor([]int{2}, Float32, []float32{1, 1})
	beta, _ := NewTensor([]int{2}, Float32, []float32{0, 0})
	x.SetRequiresGrad(true)
	gamma.SetRequiresGrad(true)
	beta.SetRequiresGrad(true)

	y := LayerNormAutograd(x, gamma, beta, 1e-6)

	// Row [1 3] normalizes to approximately [-1 1]
	yData := y.Data.([]float32)
	if math.Abs(float64(yData[0])+1) > 1e-3 {
		t.Errorf("y[0] = %f, expected -1", yData[0])
	}
	if math.Abs(float64(yData[1])-1) > 1e-3 {
		t.Errorf("y[1] = %f, expected 1", yData[1])
	}

	seed, _ := Ones([]int{1, 2}, Float32)
	if err := y.BackwardWithGradient(seed); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	// With a uniform upstream gradient the input gradient cancels out
	for i, v := range x.Grad().Data.([]float32) {
		if math.Abs(float64(v)) > 1e-3 {
			t.Errorf("x.grad[%d] = %f, expected 0", i, v)
		}
	}

	betaGrad := beta.Grad().Data.([]float32)
	if betaGrad[0] != 1 || betaGrad[1] != 1 {
		t.Errorf("beta.grad = %v, expected [1 1]", betaGrad)
	}

	gammaGrad := gamma.Grad().Data.([]float32)
	if math.Abs(float64(gammaGrad[0])+1) > 1e-3 || math.Abs(float64(gammaGrad[1])-1) > 1e-3 {
		t.Errorf("gamma.grad = %v, expected approximately [-1 1]", gammaGrad)
	}
}

func TestPatchifyAutograd(t *testing.T) {
	data := make([]float32, 16)
	for i := range data {
		data[i] = float32(i)
	}
	x, _ := NewTensor([]int{1, 1, 4, 4}, Float32, data)
	x.SetRequiresGrad(true)

	y := PatchifyAutograd(x, 2)
	if !reflect.DeepEqual(y.Shape, []int{4, 4}) {
		t.Errorf("Shape = %v, expected [4 4]", y.Shape)
	}

	expected := []float32{
		0, 1, 4, 5,
		2, 3, 6, 7,
		8, 9, 12, 13,
		10, 11, 14, 15,
	}
	if !reflect.DeepEqual(y.Data.([]float32), expected) {
		t.Errorf("Patchify = %v, expected %v", y.Data, expected)
	}

	seed, _ := Ones([]int{4, 4}, Float32)
	if err := y.BackwardWithGradient(seed); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	// The patch mapping is a bijection, so the gradient is all ones
	for i, v := range x.Grad().Data.([]float32) {
		if v != 1 {
			t.Errorf("grad element %d = %f, expected 1", i, v)
		}
	}
}

func TestCrossEntropyAutograd(t *testing.T) {
	t.Run("Uniform logits", func(t *testing.T) {
		logits, _ := NewTensor([]int{1, 2}, Float32, []float32{0, 0})
		targets, _ := NewTensor([]int{1}, Int32, []int32{0})
		logits.SetRequiresGrad(true)

		loss := CrossEntropyAutograd(logits, targets)

		lossVal := float64(loss.Data.([]float32)[0])
		if math.Abs(lossVal-math.Ln2) > 1e-5 {
			t.Errorf("loss = %f, expected ln(2) = %f", lossVal, math.Ln2)
		}

		if err := loss.Backward(); err != nil {
			t.Fatalf("Backward failed: %v", err)
		}

		// Gradient is (softmax - onehot) / batch = [-0.5, 0.5]
		grad := logits.Grad().Data.([]float32)
		if math.Abs(float64(grad[0])+0.5) > 1e-5 {
			t.Errorf("grad[0] = %f, expected -0.5", grad[0])
		}
		if math.Abs(float64(grad[1])-0.5) > 1e-5 {
			t.Errorf("grad[1] = %f, expected 0.5", grad[1])
		}
	})

	t.Run("Confident correct prediction", func(t *testing.T) {
		logits, _ := NewTensor([]int{1, 2}, Float32, []float32{10, -10})
		targets, _ := NewTensor([]int{1}, Int32, []int32{0})

		loss := CrossEntropyAutograd(logits, targets)
		lossVal := float64(loss.Data.([]float32)[0])
		if lossVal > 0.001 {
			t.Errorf("loss = %f, expected near 0", lossVal)
		}
	})

	t.Run("Batch of two", func(t *testing.T) {
		logits, _ := NewTensor([]int{2, 2}, Float32, []float32{0, 0, 0, 0})
		targets, _ := NewTensor([]int{2}, Int32, []int32{0, 1})

		loss := CrossEntropyAutograd(logits, targets)
		lossVal := float64(loss.Data.([]float32)[0])
		if math.Abs(lossVal-math.Ln2) > 1e-5 {
			t.Errorf("loss = %f, expected ln(2) = %f", lossVal, math.Ln2)
		}
	})
}

func TestLinearChainBackward(t *testing.T) {
	// A single linear layer followed by cross-entropy with known values
	x, _ := NewTensor([]int{1, 2}, Float32, []float32{1, 0})
	w, _ := NewTensor([]int{2, 2}, Float32, []float32{0, 0, 0, 0})
	b, _ := NewTensor([]int{2}, Float32, []float32{0, 0})
	targets, _ := NewTensor([]int{1}, Int32, []int32{0})
	w.SetRequiresGrad(true)
	b.SetRequiresGrad(true)

	z := MatMulAutograd(x, w)
	y := AddAutograd(z, b)
	loss := CrossEntropyAutograd(y, targets)

	lossVal := float64(loss.Data.([]float32)[0])
	if math.Abs(lossVal-math.Ln2) > 1e-5 {
		t.Errorf("loss = %f, expected ln(2)", lossVal)
	}

	if err := loss.Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	// dL/dy = [-0.5, 0.5]; b.grad = dL/dy; w.grad = x^T @ dL/dy
	bGrad := b.Grad().Data.([]float32)
	if math.Abs(float64(bGrad[0])+0.5) > 1e-5 || math.Abs(float64(bGrad[1])-0.5) > 1e-5 {
		t.Errorf("b.grad = %v, expected [-0.5 0.5]", bGrad)
	}

	wGrad := w.Grad().Data.([]float32)
	expected := []float64{-0.5, 0.5, 0, 0}
	for i, want := range expected {
		if math.Abs(float64(wGrad[i])-want) > 1e-5 {
			t.Errorf("w.grad[%d] = %f, expected %f", i, wGrad[i], want)
		}
	}
}

func TestGradientAccumulation(t *testing.T) {
	a, _ := NewTensor([]int{1}, Float32, []float32{2})
	b, _ := NewTensor([]int{1}, Float32, []float32{3})
	a.SetRequiresGrad(true)
	b.SetRequiresGrad(true)

	// Two backward passes without zeroing accumulate gradients
	for i := 0; i < 2; i++ {
		y := MulAutograd(a, b)
		if err := y.Backward(); err != nil {
			t.Fatalf("Backward failed: %v", err)
		}
	}

	if a.Grad().Data.([]float32)[0] != 6 {
		t.Errorf("a.grad = %f, expected 6 after two passes", a.Grad().Data.([]float32)[0])
	}
	if b.Grad().Data.([]float32)[0] != 4 {
		t.Errorf("b.grad = %f, expected 4 after two passes", b.Grad().Data.([]float32)[0])
	}

	ZeroGrad([]*Tensor{a, b})
	if a.Grad().Data.([]float32)[0] != 0 {
		t.Errorf("a.grad = %f after ZeroGrad, expected 0", a.Grad().Data.([]float32)[0])
	}
}

func TestBackwardWithScaledSeed(t *testing.T) {
	a, _ := NewTensor([]int{1}, Float32, []float32{2})
	b, _ := NewTensor([]int{1}, Float32, []float32{3})
	a.SetRequiresGrad(true)
	b.SetRequiresGrad(true)

	y := MulAutograd(a, b)
	seed := FromScalar(128, Float32)
	if err := y.BackwardWithGradient(seed); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	// Gradients scale linearly with the seed
	if a.Grad().Data.([]float32)[0] != 3*128 {
		t.Errorf("a.grad = %f, expected %f", a.Grad().Data.([]float32)[0], float32(3*128))
	}
}

func TestBackwardRequiresScalar(t *testing.T) {
	x, _ := NewTensor([]int{2}, Float32, []float32{1, 2})
	x.SetRequiresGrad(true)

	if err := x.Backward(); err == nil {
		t.Error("Expected error calling Backward on non-scalar tensor")
	}
}

func TestDetachStopsGradient(t *testing.T) {
	x, _ := NewTensor([]int{1}, Float32, []float32{2})
	x.SetRequiresGrad(true)

	two := FromScalar(2, Float32)
	y := MulAutograd(x, two)
	d := y.Detach()

	z := MulAutograd(d, two)
	if z.RequiresGrad() {
		t.Error("Result of operation on detached tensor should not require grad")
	}

	if err := z.Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	if x.Grad() != nil {
		t.Error("Gradient should not flow past a detached tensor")
	}
}

func TestSharedInputGradient(t *testing.T) {
	// x used twice: y = x * x, dy/dx = 2x
	x, _ := NewTensor([]int{1}, Float32, []float32{3})
	x.SetRequiresGrad(true)

	y := MulAutograd(x, x)
	if err := y.Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	if x.Grad().Data.([]float32)[0] != 6 {
		t.Errorf("x.grad = %f, expected 6", x.Grad().Data.([]float32)[0])
	}
}
