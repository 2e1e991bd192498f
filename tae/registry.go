package tae

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// ErrUnknownModel is returned by New for architecture names that were
// never registered.
var ErrUnknownModel = errors.New("unknown model architecture")

// Config carries the resolved options every model factory receives.
type Config struct {
	NumClasses int     // classifier output size
	InputSize  int     // input resolution (square images)
	Channels   int     // input channels
	EmbedDim   int     // feature width consumed by feature-space heads
	Dropout    float64 // dropout probability
}

// Option overrides one Config field.
type Option func(*Config)

// WithNumClasses sets the classifier output size
func WithNumClasses(n int) Option {
	return func(c *Config) { c.NumClasses = n }
}

// WithInputSize sets the input resolution
func WithInputSize(s int) Option {
	return func(c *Config) { c.InputSize = s }
}

// WithDropout sets the dropout probability
func WithDropout(p float64) Option {
	return func(c *Config) { c.Dropout = p }
}

// WithEmbedDim sets the feature width consumed by feature-space heads
func WithEmbedDim(d int) Option {
	return func(c *Config) { c.EmbedDim = d }
}

// Factory builds a model from a resolved Config.
type Factory func(cfg Config) (Model, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a model architecture available to New. It panics if the
// factory is nil or the name is already registered.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if factory == nil {
		panic("tae: Register factory is nil")
	}
	if _, dup := registry[name]; dup {
		panic("tae: Register called twice for model " + name)
	}
	registry[name] = factory
}

// List returns the registered architecture names in sorted order
func List() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New builds a registered architecture by name
func New(name string, opts ...Option) (Model, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrUnknownModel, "%q", name)
	}

	cfg := Config{
		NumClasses: 1000,
		InputSize:  224,
		Channels:   3,
		EmbedDim:   768,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return factory(cfg)
}

func recognitionFactory(embedDim, depth int) Factory {
	return func(cfg Config) (Model, error) {
		return NewRecognitionModel(RecognitionConfig{
			ImgSize:    cfg.InputSize,
			PatchSize:  16,
			Channels:   cfg.Channels,
			EmbedDim:   embedDim,
			Depth:      depth,
			MLPRatio:   4.0,
			NumClasses: cfg.NumClasses,
			Dropout:    cfg.Dropout,
		})
	}
}

func init() {
	Register("tae_tiny_patch16", recognitionFactory(192, 4))
	Register("tae_small_patch16", recognitionFactory(384, 8))
	Register("tae_base_patch16", recognitionFactory(768, 12))
	Register("feature_classifier", func(cfg Config) (Model, error) {
		return NewFeatureClassifier(cfg.EmbedDim, cfg.NumClasses, cfg.Dropout)
	})
	Register("linear_probe", func(cfg Config) (Model, error) {
		return NewLinearProbe(cfg.EmbedDim, cfg.NumClasses)
	})
}
