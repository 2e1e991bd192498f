package training

import (
	"github.com/pkg/errors"

	"github.com/tsawler/go-tae/tae"
	"github.com/tsawler/go-tae/tensor"
)

// Batch pairs a tensor of samples with their integer class labels. Samples
// are Float32 with the batch as the leading dimension; labels are Int32 with
// shape [batch_size].
type Batch struct {
	Samples *tensor.Tensor
	Labels  *tensor.Tensor
}

// BatchStream produces training or validation batches. Next blocks until a
// batch is ready and returns (nil, io.EOF) once the stream is exhausted.
// Training streams may be infinite; validation streams must be finite.
type BatchStream interface {
	Next() (*Batch, error)
}

// Sized is implemented by finite streams that know their length in batches.
// Progress reporting uses it for ETA display.
type Sized interface {
	Len() int
}

// EncodedStream maps batches through a frozen encoder, yielding feature
// batches for a classifier trained in feature space. Features are detached
// from the autograd graph so gradients never reach the encoder.
type EncodedStream struct {
	stream  BatchStream
	encoder tae.Encoder
}

// NewEncodedStream wraps stream so every batch's samples are replaced by the
// encoder's pooled features. The caller keeps the encoder in eval mode.
func NewEncodedStream(stream BatchStream, encoder tae.Encoder) *EncodedStream {
	return &EncodedStream{stream: stream, encoder: encoder}
}

// Next returns the next feature batch, passing io.EOF through unchanged.
func (es *EncodedStream) Next() (*Batch, error) {
	batch, err := es.stream.Next()
	if err != nil {
		return nil, err
	}
	features, err := es.encoder.ForwardEncoder(batch.Samples)
	if err != nil {
		return nil, errors.Wrap(err, "encoder forward")
	}
	return &Batch{Samples: features.Detach(), Labels: batch.Labels}, nil
}

// Len reports the underlying stream's length when it is finite and known,
// and zero otherwise.
func (es *EncodedStream) Len() int {
	if s, ok := es.stream.(Sized); ok {
		return s.Len()
	}
	return 0
}
