package checkpoints

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

// Distinguished errors surfaced on load. Callers decide whether a missing
// or unreadable checkpoint aborts the run or starts it fresh; this package
// never substitutes fresh state on its own.
var (
	ErrNotFound = errors.New("checkpoint not found")
	ErrCorrupt  = errors.New("checkpoint corrupt")
)

// CheckpointFormat selects the on-disk encoding.
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatBinary
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatBinary:
		return "Binary"
	default:
		return "Unknown"
	}
}

// Ext returns the canonical file extension for the format
func (cf CheckpointFormat) Ext() string {
	if cf == FormatBinary {
		return ".bin"
	}
	return ".json"
}

// Checkpoint represents a complete run state: model weights, optimizer and
// loss-scaler state, the training iteration, and the run configuration.
// One checkpoint file is kept per run and overwritten on improvement.
type Checkpoint struct {
	// Model identity and weights
	Architecture string         `json:"architecture"`
	Weights      []WeightTensor `json:"weights"`

	// Training progress
	Iteration int `json:"iteration"`

	// Optimizer and loss-scaler state, present when the run uses them
	OptimizerState *OptimizerState `json:"optimizer_state,omitempty"`
	ScalerState    *ScalerState    `json:"scaler_state,omitempty"`

	// Run configuration, recorded for provenance
	Config map[string]string `json:"config,omitempty"`

	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor is one named model parameter with its flattened values.
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// OptimizerState carries whatever per-parameter state the optimizer keeps,
// so training resumes with the same momentum and step counts.
type OptimizerState struct {
	Type       string                 `json:"type"` // "AdamW", "SGD", etc.
	Parameters map[string]interface{} `json:"parameters"`
	StateData  []OptimizerTensor      `json:"state_data"`
}

// OptimizerTensor is one optimizer state slot tied to a parameter.
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	StateType string    `json:"state_type"` // "momentum", "variance", etc.
}

// ScalerState captures dynamic loss scaler state
type ScalerState struct {
	Scale          float64 `json:"scale"`
	GrowthFactor   float64 `json:"growth_factor"`
	BackoffFactor  float64 `json:"backoff_factor"`
	GrowthInterval int     `json:"growth_interval"`
	GrowthTracker  int     `json:"growth_tracker"`
	StepCount      uint64  `json:"step_count"`
	SkipCount      uint64  `json:"skip_count"`
}

// CheckpointMetadata records provenance for a saved checkpoint.
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// Master is the subset of the process communicator needed to gate writes
// to the coordinating process.
type Master interface {
	IsMain() bool
}

// CheckpointSaver writes and reads checkpoints in a fixed format.
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver returns a saver bound to the given format.
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

// Format returns the saver's serialization format
func (cs *CheckpointSaver) Format() CheckpointFormat {
	return cs.format
}

// SaveCheckpoint saves a complete checkpoint. The write is atomic: state
// is encoded into a temporary file in the destination directory and renamed
// over the canonical path, so a crash mid-write never leaves a half-written
// checkpoint readable at the path.
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	// Ensure metadata is set
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = "go-tae"
		checkpoint.Metadata.Version = "1.0.0"
		checkpoint.Metadata.CreatedAt = time.Now()
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "failed to create temporary checkpoint file")
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	switch cs.format {
	case FormatJSON:
		err = encodeJSON(tmp, checkpoint)
	case FormatBinary:
		err = encodeBinary(tmp, checkpoint)
	default:
		tmp.Close()
		return errors.Errorf("unsupported checkpoint format: %s", cs.format)
	}
	if err != nil {
		tmp.Close()
		return err
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "failed to sync checkpoint file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "failed to close checkpoint file")
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return errors.Wrap(err, "failed to finalize checkpoint file")
	}
	return nil
}

// SaveOnMaster saves the checkpoint only on the coordinating process.
// Non-coordinating processes return immediately with no error.
func (cs *CheckpointSaver) SaveOnMaster(m Master, checkpoint *Checkpoint, path string) error {
	if m != nil && !m.IsMain() {
		return nil
	}
	return cs.SaveCheckpoint(checkpoint, path)
}

// LoadCheckpoint loads a checkpoint. A missing file fails with ErrNotFound,
// an undecodable one with ErrCorrupt; both are testable with errors.Is.
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrNotFound, "%s", path)
		}
		return nil, errors.Wrapf(err, "failed to open checkpoint %s", path)
	}
	defer file.Close()

	var checkpoint *Checkpoint
	switch cs.format {
	case FormatJSON:
		checkpoint, err = decodeJSON(file)
	case FormatBinary:
		checkpoint, err = decodeBinary(file)
	default:
		return nil, errors.Errorf("unsupported checkpoint format: %s", cs.format)
	}
	if err != nil {
		return nil, errors.Wrapf(ErrCorrupt, "%s: %v", path, err)
	}
	return checkpoint, nil
}

// encodeJSON writes the checkpoint as indented JSON
func encodeJSON(file *os.File, checkpoint *Checkpoint) error {
	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(checkpoint); err != nil {
		return errors.Wrap(err, "failed to encode checkpoint")
	}
	return nil
}

// decodeJSON reads an indented JSON checkpoint
func decodeJSON(file *os.File) (*Checkpoint, error) {
	var checkpoint Checkpoint
	if err := json.NewDecoder(file).Decode(&checkpoint); err != nil {
		return nil, err
	}
	return &checkpoint, nil
}
