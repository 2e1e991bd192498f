// Package dataset provides the sample sources the loaders batch from:
// class-per-directory image folders, tar shards of paired image/class
// files, and a synthetic generator for tests.
//
// Sources produce entries (raw encoded bytes plus a label) cheaply and
// in a serialized order, so decoding and augmentation can run on as many
// workers as the caller likes.
package dataset

// Entry is one undecoded sample: encoded image bytes and the class label.
// Key identifies the sample for caching.
type Entry struct {
	Key   string
	Image []byte
	Label int32
}

// EntryStream yields entries until io.EOF. Implementations are safe for
// concurrent use.
type EntryStream interface {
	Next() (*Entry, error)
}

// Sample is one decoded, transformed example in CHW layout.
type Sample struct {
	Data     []float32
	Label    int32
	Channels int
	Height   int
	Width    int
}

// SampleStream yields samples until io.EOF.
type SampleStream interface {
	Next() (*Sample, error)
}
