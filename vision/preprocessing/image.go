// Package preprocessing decodes images and turns them into normalized CHW
// float32 planes. It provides the two standard recognition pipelines: the
// training transform (random resized crop, horizontal flip, normalize) and
// the validation transform (shorter-side resize, center crop, normalize).
package preprocessing

import (
	"image"
	"io"
	"math"
	"math/rand"
	"sync"

	_ "image/jpeg"
	_ "image/png"

	"github.com/pkg/errors"
	"golang.org/x/image/draw"
)

// ImageNet channel statistics, applied by both pipelines.
var (
	MeanRGB = [3]float32{0.485, 0.456, 0.406}
	StdRGB  = [3]float32{0.229, 0.224, 0.225}
)

// Default crop jitter bounds for the training transform.
var (
	DefaultScale = [2]float64{0.2, 1.0}
	DefaultRatio = [2]float64{3.0 / 4.0, 4.0 / 3.0}
)

// resizeMargin is added to the crop size when resizing for validation, so
// the center crop has context to cut from.
const resizeMargin = 32

// cropAttempts bounds the rejection sampling for the random crop before
// falling back to a center crop.
const cropAttempts = 10

// ProcessedImage is a decoded, transformed image in CHW layout.
type ProcessedImage struct {
	Data     []float32
	Width    int
	Height   int
	Channels int
}

// Transform converts a decoded image into network input.
type Transform interface {
	Apply(img image.Image) (*ProcessedImage, error)
}

// Decode reads a JPEG or PNG image.
func Decode(r io.Reader) (image.Image, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, errors.Wrap(err, "decode image")
	}
	return img, nil
}

// TrainTransform crops a random area and aspect ratio from the source,
// scales it to the input size, flips horizontally half the time, and
// normalizes. It is deterministic under its seed and safe for concurrent
// use.
type TrainTransform struct {
	mu        sync.Mutex
	inputSize int
	scale     [2]float64
	ratio     [2]float64
	rng       *rand.Rand
	scratch   *image.RGBA
}

// NewTrainTransform creates the training pipeline. Zero-valued scale or
// ratio bounds take the defaults.
func NewTrainTransform(inputSize int, scale, ratio [2]float64, seed int64) (*TrainTransform, error) {
	if inputSize <= 0 {
		return nil, errors.Errorf("input size must be positive, got %d", inputSize)
	}
	if scale == [2]float64{} {
		scale = DefaultScale
	}
	if ratio == [2]float64{} {
		ratio = DefaultRatio
	}
	if scale[0] <= 0 || scale[0] > scale[1] || scale[1] > 1 {
		return nil, errors.Errorf("scale bounds must satisfy 0 < min <= max <= 1, got [%v, %v]", scale[0], scale[1])
	}
	if ratio[0] <= 0 || ratio[0] > ratio[1] {
		return nil, errors.Errorf("ratio bounds must satisfy 0 < min <= max, got [%v, %v]", ratio[0], ratio[1])
	}

	return &TrainTransform{
		inputSize: inputSize,
		scale:     scale,
		ratio:     ratio,
		rng:       rand.New(rand.NewSource(seed)),
		scratch:   image.NewRGBA(image.Rect(0, 0, inputSize, inputSize)),
	}, nil
}

// Apply produces one augmented sample from the source image.
func (t *TrainTransform) Apply(img image.Image) (*ProcessedImage, error) {
	if img == nil {
		return nil, errors.New("image cannot be nil")
	}
	bounds := img.Bounds()
	if bounds.Dx() <= 0 || bounds.Dy() <= 0 {
		return nil, errors.Errorf("image has empty bounds %v", bounds)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	crop := t.sampleCrop(bounds)
	draw.CatmullRom.Scale(t.scratch, t.scratch.Bounds(), img, crop, draw.Src, nil)
	flip := t.rng.Float64() < 0.5

	return normalizeRGBA(t.scratch, flip), nil
}

// sampleCrop draws a crop rectangle with area in the scale bounds and
// aspect in the ratio bounds, falling back to a ratio-clamped center crop
// when the source cannot accommodate a sampled rectangle.
func (t *TrainTransform) sampleCrop(bounds image.Rectangle) image.Rectangle {
	width := bounds.Dx()
	height := bounds.Dy()
	area := float64(width) * float64(height)

	for i := 0; i < cropAttempts; i++ {
		targetArea := area * (t.scale[0] + t.rng.Float64()*(t.scale[1]-t.scale[0]))
		logMin := math.Log(t.ratio[0])
		logMax := math.Log(t.ratio[1])
		aspect := math.Exp(logMin + t.rng.Float64()*(logMax-logMin))

		w := int(math.Round(math.Sqrt(targetArea * aspect)))
		h := int(math.Round(math.Sqrt(targetArea / aspect)))
		if w <= 0 || h <= 0 || w > width || h > height {
			continue
		}

		x := t.rng.Intn(width - w + 1)
		y := t.rng.Intn(height - h + 1)
		return image.Rect(bounds.Min.X+x, bounds.Min.Y+y, bounds.Min.X+x+w, bounds.Min.Y+y+h)
	}

	// Center crop at the nearest in-range aspect ratio.
	w, h := width, height
	inRatio := float64(width) / float64(height)
	if inRatio < t.ratio[0] {
		h = int(math.Round(float64(width) / t.ratio[0]))
	} else if inRatio > t.ratio[1] {
		w = int(math.Round(float64(height) * t.ratio[1]))
	}
	x := (width - w) / 2
	y := (height - h) / 2
	return image.Rect(bounds.Min.X+x, bounds.Min.Y+y, bounds.Min.X+x+w, bounds.Min.Y+y+h)
}

// ValTransform resizes the shorter side to inputSize+32, center-crops the
// input size, and normalizes. It is deterministic and safe for concurrent
// use.
type ValTransform struct {
	mu        sync.Mutex
	inputSize int
	scratch   *image.RGBA
}

// NewValTransform creates the validation pipeline.
func NewValTransform(inputSize int) (*ValTransform, error) {
	if inputSize <= 0 {
		return nil, errors.Errorf("input size must be positive, got %d", inputSize)
	}
	return &ValTransform{
		inputSize: inputSize,
		scratch:   image.NewRGBA(image.Rect(0, 0, inputSize, inputSize)),
	}, nil
}

// Apply produces the deterministic evaluation view of the source image.
func (t *ValTransform) Apply(img image.Image) (*ProcessedImage, error) {
	if img == nil {
		return nil, errors.New("image cannot be nil")
	}
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	if width <= 0 || height <= 0 {
		return nil, errors.Errorf("image has empty bounds %v", bounds)
	}

	// The center crop of the shorter-side resize corresponds to a square
	// region of the source, so crop and scale happen in one pass.
	short := width
	if height < short {
		short = height
	}
	side := int(math.Round(float64(t.inputSize) * float64(short) / float64(t.inputSize+resizeMargin)))
	if side < 1 {
		side = 1
	}
	x := bounds.Min.X + (width-side)/2
	y := bounds.Min.Y + (height-side)/2
	crop := image.Rect(x, y, x+side, y+side)

	t.mu.Lock()
	defer t.mu.Unlock()
	draw.CatmullRom.Scale(t.scratch, t.scratch.Bounds(), img, crop, draw.Src, nil)
	return normalizeRGBA(t.scratch, false), nil
}

// normalizeRGBA converts an RGBA image into normalized CHW planes,
// optionally mirroring it horizontally.
func normalizeRGBA(img *image.RGBA, flip bool) *ProcessedImage {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	plane := width * height
	data := make([]float32, 3*plane)

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			srcX := x
			if flip {
				srcX = width - 1 - x
			}
			c := img.RGBAAt(bounds.Min.X+srcX, bounds.Min.Y+y)
			idx := y*width + x
			data[idx] = (float32(c.R)/255.0 - MeanRGB[0]) / StdRGB[0]
			data[plane+idx] = (float32(c.G)/255.0 - MeanRGB[1]) / StdRGB[1]
			data[2*plane+idx] = (float32(c.B)/255.0 - MeanRGB[2]) / StdRGB[2]
		}
	}

	return &ProcessedImage{
		Data:     data,
		Width:    width,
		Height:   height,
		Channels: 3,
	}
}
