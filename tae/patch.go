package tae

import (
	"fmt"

	"github.com/tsawler/go-tae/tensor"
)

// PatchEmbed splits an image into non-overlapping patches and projects each
// patch into the embedding space: [batch, channels, H, W] -> [batch*tokens, embedDim]
type PatchEmbed struct {
	proj      *Linear
	imgSize   int
	patchSize int
	channels  int
	training  bool
}

// NewPatchEmbed creates a patch embedding for square images
func NewPatchEmbed(imgSize, patchSize, channels, embedDim int) (*PatchEmbed, error) {
	if imgSize <= 0 || patchSize <= 0 {
		return nil, fmt.Errorf("image size and patch size must be positive, got %d and %d", imgSize, patchSize)
	}
	if imgSize%patchSize != 0 {
		return nil, fmt.Errorf("image size %d not divisible by patch size %d", imgSize, patchSize)
	}
	if channels <= 0 {
		return nil, fmt.Errorf("channels must be positive, got %d", channels)
	}

	proj, err := NewLinear(channels*patchSize*patchSize, embedDim, true)
	if err != nil {
		return nil, fmt.Errorf("failed to create patch projection: %v", err)
	}

	return &PatchEmbed{
		proj:      proj,
		imgSize:   imgSize,
		patchSize: patchSize,
		channels:  channels,
		training:  true,
	}, nil
}

// Forward extracts patches and projects them to the embedding dimension
func (p *PatchEmbed) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 4 {
		return nil, fmt.Errorf("PatchEmbed expects 4D input [batch_size, channels, height, width], got shape %v", input.Shape)
	}
	if input.Shape[1] != p.channels || input.Shape[2] != p.imgSize || input.Shape[3] != p.imgSize {
		return nil, fmt.Errorf("input shape %v does not match configured [*, %d, %d, %d]", input.Shape, p.channels, p.imgSize, p.imgSize)
	}

	patches := tensor.PatchifyAutograd(input, p.patchSize)
	return p.proj.Forward(patches)
}

// Tokens returns the number of patches per image
func (p *PatchEmbed) Tokens() int {
	n := p.imgSize / p.patchSize
	return n * n
}

// Parameters returns the trainable parameters
func (p *PatchEmbed) Parameters() []*tensor.Tensor {
	return p.proj.Parameters()
}

func (p *PatchEmbed) namedParameters(prefix string) []*Parameter {
	return p.proj.namedParameters(prefix + ".proj")
}

// Train sets the module to training mode
func (p *PatchEmbed) Train() {
	p.training = true
	p.proj.Train()
}

// Eval sets the module to evaluation mode
func (p *PatchEmbed) Eval() {
	p.training = false
	p.proj.Eval()
}

// IsTraining returns true if in training mode
func (p *PatchEmbed) IsTraining() bool {
	return p.training
}
