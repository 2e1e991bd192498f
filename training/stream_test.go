package training

import (
	"io"
	"strings"
	"testing"

	"github.com/pkg/errors"

	"github.com/tsawler/go-tae/tae"
)

// unsizedStream hides the length of the wrapped stream.
type unsizedStream struct {
	inner BatchStream
}

func (s *unsizedStream) Next() (*Batch, error) { return s.inner.Next() }

func newTinyEncoder(t *testing.T) *tae.RecognitionModel {
	t.Helper()
	tae.SetRandomSeed(7)
	encoder, err := tae.NewRecognitionModel(tae.RecognitionConfig{
		ImgSize:    4,
		PatchSize:  2,
		Channels:   1,
		EmbedDim:   4,
		Depth:      1,
		NumClasses: 2,
	})
	if err != nil {
		t.Fatalf("NewRecognitionModel failed: %v", err)
	}
	return encoder
}

// imageBatch builds n deterministic 1x4x4 images with alternating labels.
func imageBatch(t *testing.T, n int) *Batch {
	t.Helper()
	data := make([]float32, n*1*4*4)
	for i := range data {
		data[i] = float32(i%7) * 0.25
	}
	labels := make([]int32, n)
	for i := range labels {
		labels[i] = int32(i % 2)
	}
	return &Batch{
		Samples: floatTensor(t, []int{n, 1, 4, 4}, data),
		Labels:  labelTensor(t, labels),
	}
}

// TestEncodedStreamMapsBatches tests that images come out as pooled features
// with labels untouched
func TestEncodedStreamMapsBatches(t *testing.T) {
	encoder := newTinyEncoder(t)
	encoder.Eval()

	batch := imageBatch(t, 2)
	stream := NewEncodedStream(&sliceStream{batches: []*Batch{batch}}, encoder)

	out, err := stream.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if len(out.Samples.Shape) != 2 || out.Samples.Shape[0] != 2 || out.Samples.Shape[1] != encoder.EmbedDim() {
		t.Errorf("Feature shape = %v, want [2 %d]", out.Samples.Shape, encoder.EmbedDim())
	}
	if out.Labels != batch.Labels {
		t.Error("Expected labels to pass through unchanged")
	}

	if _, err := stream.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("Expected io.EOF after the source drains, got %v", err)
	}
}

// TestEncodedStreamDetachesFeatures tests that a classifier step on the
// features never leaks gradients into the encoder
func TestEncodedStreamDetachesFeatures(t *testing.T) {
	encoder := newTinyEncoder(t)
	encoder.Eval()
	probe := newProbe(t, 8)

	stream := NewEncodedStream(&sliceStream{batches: []*Batch{imageBatch(t, 2)}}, encoder)
	batch, err := stream.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}

	logits, err := probe.Forward(batch.Samples)
	if err != nil {
		t.Fatalf("Probe forward failed: %v", err)
	}
	loss, err := NewCrossEntropyLoss().Forward(logits, batch.Labels)
	if err != nil {
		t.Fatalf("Loss forward failed: %v", err)
	}
	if err := loss.Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	for _, p := range encoder.NamedParameters() {
		if p.Tensor.Grad() != nil {
			t.Errorf("Encoder parameter %s holds a gradient", p.Name)
		}
	}
	for _, p := range probe.NamedParameters() {
		if p.Tensor.Grad() == nil {
			t.Errorf("Probe parameter %s has no gradient", p.Name)
		}
	}
}

// TestEncodedStreamErrorPassthrough tests that source errors surface as-is
func TestEncodedStreamErrorPassthrough(t *testing.T) {
	encoder := newTinyEncoder(t)
	stream := NewEncodedStream(failingStream{}, encoder)

	_, err := stream.Next()
	if err == nil || !strings.Contains(err.Error(), "stream broken") {
		t.Errorf("Expected source error to pass through, got %v", err)
	}
}

// TestEncodedStreamLen tests length reporting for sized and unsized sources
func TestEncodedStreamLen(t *testing.T) {
	encoder := newTinyEncoder(t)
	sized := &sliceStream{batches: []*Batch{imageBatch(t, 2), imageBatch(t, 2)}}

	if got := NewEncodedStream(sized, encoder).Len(); got != 2 {
		t.Errorf("Len() = %d, want 2", got)
	}
	if got := NewEncodedStream(&unsizedStream{inner: sized}, encoder).Len(); got != 0 {
		t.Errorf("Len() = %d for unsized source, want 0", got)
	}
}
