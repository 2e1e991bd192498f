package tae

import (
	"fmt"

	"github.com/tsawler/go-tae/tensor"
)

// Block is one encoder block: pre-norm feedforward with a residual connection
type Block struct {
	norm     *LayerNorm
	mlp      *MLP
	training bool
}

// NewBlock creates an encoder block operating on rows of width dim
func NewBlock(dim, hiddenDim int, dropout float64) (*Block, error) {
	norm, err := NewLayerNorm(dim, 1e-6)
	if err != nil {
		return nil, fmt.Errorf("failed to create block norm: %v", err)
	}
	mlp, err := NewMLP(dim, hiddenDim, dropout)
	if err != nil {
		return nil, fmt.Errorf("failed to create block mlp: %v", err)
	}
	return &Block{norm: norm, mlp: mlp, training: true}, nil
}

// Forward applies norm then the feedforward block and adds the residual
func (b *Block) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	h, err := b.norm.Forward(input)
	if err != nil {
		return nil, fmt.Errorf("norm forward failed: %v", err)
	}
	h, err = b.mlp.Forward(h)
	if err != nil {
		return nil, fmt.Errorf("mlp forward failed: %v", err)
	}
	return tensor.AddAutograd(input, h), nil
}

// Parameters returns the trainable parameters
func (b *Block) Parameters() []*tensor.Tensor {
	params := b.norm.Parameters()
	params = append(params, b.mlp.Parameters()...)
	return params
}

func (b *Block) namedParameters(prefix string) []*Parameter {
	params := b.norm.namedParameters(prefix + ".norm")
	params = append(params, b.mlp.namedParameters(prefix+".mlp")...)
	return params
}

// Train sets the module to training mode
func (b *Block) Train() {
	b.training = true
	b.norm.Train()
	b.mlp.Train()
}

// Eval sets the module to evaluation mode
func (b *Block) Eval() {
	b.training = false
	b.norm.Eval()
	b.mlp.Eval()
}

// IsTraining returns true if in training mode
func (b *Block) IsTraining() bool {
	return b.training
}

// RecognitionConfig describes a TAE recognition architecture.
type RecognitionConfig struct {
	ImgSize    int     // input resolution (square images)
	PatchSize  int     // side of the non-overlapping patches
	Channels   int     // input channels, defaults to 3
	EmbedDim   int     // token embedding width
	Depth      int     // number of encoder blocks
	MLPRatio   float64 // hidden width multiplier inside blocks, defaults to 4
	NumClasses int     // classifier output size
	Dropout    float64 // dropout probability inside blocks and after patch embedding
}

// Validate checks the configuration fields
func (c *RecognitionConfig) Validate() error {
	if c.ImgSize <= 0 {
		return fmt.Errorf("ImgSize must be positive, got %d", c.ImgSize)
	}
	if c.PatchSize <= 0 {
		return fmt.Errorf("PatchSize must be positive, got %d", c.PatchSize)
	}
	if c.ImgSize%c.PatchSize != 0 {
		return fmt.Errorf("ImgSize %d not divisible by PatchSize %d", c.ImgSize, c.PatchSize)
	}
	if c.EmbedDim <= 0 {
		return fmt.Errorf("EmbedDim must be positive, got %d", c.EmbedDim)
	}
	if c.Depth <= 0 {
		return fmt.Errorf("Depth must be positive, got %d", c.Depth)
	}
	if c.NumClasses <= 0 {
		return fmt.Errorf("NumClasses must be positive, got %d", c.NumClasses)
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return fmt.Errorf("Dropout must be in [0, 1), got %v", c.Dropout)
	}
	return nil
}

// RecognitionModel is the TAE recognition architecture: patch embedding,
// a stack of encoder blocks over tokens, mean pooling across tokens, a
// normalization over the pooled feature, and a linear classification head.
type RecognitionModel struct {
	patchEmbed *PatchEmbed
	posDrop    *Dropout
	blocks     []*Block
	fcNorm     *LayerNorm
	head       *Linear
	embedDim   int
	tokens     int
	training   bool
}

// NewRecognitionModel builds the model described by the config
func NewRecognitionModel(cfg RecognitionConfig) (*RecognitionModel, error) {
	if cfg.Channels == 0 {
		cfg.Channels = 3
	}
	if cfg.MLPRatio == 0 {
		cfg.MLPRatio = 4.0
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	patchEmbed, err := NewPatchEmbed(cfg.ImgSize, cfg.PatchSize, cfg.Channels, cfg.EmbedDim)
	if err != nil {
		return nil, fmt.Errorf("failed to create patch embedding: %v", err)
	}

	posDrop, err := NewDropout(cfg.Dropout)
	if err != nil {
		return nil, fmt.Errorf("failed to create dropout: %v", err)
	}

	hidden := int(float64(cfg.EmbedDim) * cfg.MLPRatio)
	blocks := make([]*Block, cfg.Depth)
	for i := range blocks {
		blocks[i], err = NewBlock(cfg.EmbedDim, hidden, cfg.Dropout)
		if err != nil {
			return nil, fmt.Errorf("failed to create block %d: %v", i, err)
		}
	}

	fcNorm, err := NewLayerNorm(cfg.EmbedDim, 1e-6)
	if err != nil {
		return nil, fmt.Errorf("failed to create fc_norm: %v", err)
	}

	head, err := NewLinear(cfg.EmbedDim, cfg.NumClasses, true)
	if err != nil {
		return nil, fmt.Errorf("failed to create head: %v", err)
	}

	return &RecognitionModel{
		patchEmbed: patchEmbed,
		posDrop:    posDrop,
		blocks:     blocks,
		fcNorm:     fcNorm,
		head:       head,
		embedDim:   cfg.EmbedDim,
		tokens:     patchEmbed.Tokens(),
		training:   true,
	}, nil
}

// ForwardEncoder produces pooled feature vectors:
// [batch, channels, H, W] -> [batch, embedDim]
func (m *RecognitionModel) ForwardEncoder(x *tensor.Tensor) (*tensor.Tensor, error) {
	h, err := m.patchEmbed.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("patch embed forward failed: %v", err)
	}
	h, err = m.posDrop.Forward(h)
	if err != nil {
		return nil, fmt.Errorf("dropout forward failed: %v", err)
	}

	for i, blk := range m.blocks {
		h, err = blk.Forward(h)
		if err != nil {
			return nil, fmt.Errorf("block %d forward failed: %v", i, err)
		}
	}

	// Pool the per-patch tokens into one feature vector per image
	batch := x.Shape[0]
	seq := tensor.ReshapeAutograd(h, []int{batch, m.tokens, m.embedDim})
	pooled := tensor.MeanPoolAutograd(seq)

	out, err := m.fcNorm.Forward(pooled)
	if err != nil {
		return nil, fmt.Errorf("fc_norm forward failed: %v", err)
	}
	return out, nil
}

// Forward computes class logits: [batch, channels, H, W] -> [batch, numClasses]
func (m *RecognitionModel) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	features, err := m.ForwardEncoder(x)
	if err != nil {
		return nil, err
	}
	return m.head.Forward(features)
}

// EmbedDim returns the width of the pooled feature vectors
func (m *RecognitionModel) EmbedDim() int {
	return m.embedDim
}

// Parameters returns the trainable parameters
func (m *RecognitionModel) Parameters() []*tensor.Tensor {
	named := m.NamedParameters()
	params := make([]*tensor.Tensor, len(named))
	for i, p := range named {
		params[i] = p.Tensor
	}
	return params
}

// NamedParameters returns the trainable parameters with their dotted names
func (m *RecognitionModel) NamedParameters() []*Parameter {
	params := m.patchEmbed.namedParameters("patch_embed")
	for i, blk := range m.blocks {
		params = append(params, blk.namedParameters(fmt.Sprintf("blocks.%d", i))...)
	}
	params = append(params, m.fcNorm.namedParameters("fc_norm")...)
	params = append(params, m.head.namedParameters("head")...)
	return params
}

// StateDict returns the parameter map keyed by dotted names
func (m *RecognitionModel) StateDict() map[string]*tensor.Tensor {
	return stateDict(m.NamedParameters())
}

// LoadStateDict copies state dict values into the model parameters
func (m *RecognitionModel) LoadStateDict(sd map[string]*tensor.Tensor) error {
	return loadStateDict(m.NamedParameters(), sd)
}

// Train sets the model to training mode
func (m *RecognitionModel) Train() {
	m.training = true
	m.patchEmbed.Train()
	m.posDrop.Train()
	for _, blk := range m.blocks {
		blk.Train()
	}
	m.fcNorm.Train()
	m.head.Train()
}

// Eval sets the model to evaluation mode
func (m *RecognitionModel) Eval() {
	m.training = false
	m.patchEmbed.Eval()
	m.posDrop.Eval()
	for _, blk := range m.blocks {
		blk.Eval()
	}
	m.fcNorm.Eval()
	m.head.Eval()
}

// IsTraining returns true if in training mode
func (m *RecognitionModel) IsTraining() bool {
	return m.training
}
