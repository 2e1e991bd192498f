package training

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/tsawler/go-tae/checkpoints"
	"github.com/tsawler/go-tae/dist"
	"github.com/tsawler/go-tae/optimizer"
	"github.com/tsawler/go-tae/tae"
	"github.com/tsawler/go-tae/tensor"
)

// ErrLossDiverged reports a non-finite training loss. The run terminates
// immediately; the binaries translate it into exit code 1.
var ErrLossDiverged = errors.New("loss diverged")

// Phase identifies the orchestrator's position in its state machine.
type Phase int

const (
	PhaseTraining Phase = iota
	PhaseEvaluating
	PhaseCheckpointing
	PhaseLogging
)

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case PhaseTraining:
		return "Training"
	case PhaseEvaluating:
		return "Evaluating"
	case PhaseCheckpointing:
		return "Checkpointing"
	case PhaseLogging:
		return "Logging"
	default:
		return fmt.Sprintf("Unknown(%d)", int(p))
	}
}

// TrainingState carries the loop's mutable state. It is threaded through the
// run explicitly and returned to the caller when the run ends.
type TrainingState struct {
	Iteration int     // completed training iterations
	BestAcc1  float64 // best top-1 accuracy seen at an evaluation, in percent
	AccumStep int     // position inside the current gradient accumulation window
	Phase     Phase
}

// ValStream constructs a fresh pass over the validation set. It is invoked
// once per evaluation phase; each returned stream must be finite.
type ValStream func() (BatchStream, error)

// TrainerConfig holds the orchestrator's cadence and output settings.
type TrainerConfig struct {
	AccumIter    int               // batches per optimizer update
	SaveFreq     int               // iterations between evaluation/checkpoint phases
	PrintFreq    int               // batches between progress lines (default 10)
	ClipGrad     float64           // max global gradient norm, 0 disables clipping
	OutputDir    string            // directory for the checkpoint and log files
	Prefix       string            // filename prefix for the checkpoint and log files
	Architecture string            // model name recorded in checkpoints
	RunConfig    map[string]string // run configuration recorded in checkpoints
}

// Validate checks the configuration.
func (c *TrainerConfig) Validate() error {
	if c.AccumIter <= 0 {
		return fmt.Errorf("accum iter must be positive, got %d", c.AccumIter)
	}
	if c.SaveFreq <= 0 {
		return fmt.Errorf("save freq must be positive, got %d", c.SaveFreq)
	}
	if c.ClipGrad < 0 {
		return fmt.Errorf("clip grad must be non-negative, got %v", c.ClipGrad)
	}
	if c.OutputDir == "" {
		return fmt.Errorf("output dir must not be empty")
	}
	return nil
}

// Trainer drives the fine-tuning loop: it consumes a batch stream, steps the
// optimizer on accumulation boundaries, and every SaveFreq iterations runs
// evaluation, checkpoints on improvement, and appends a log record. It owns
// the trainable model; the distributed wrapper around it is transient
// per-process plumbing for gradient synchronization.
type Trainer struct {
	model     tae.Model
	opt       optimizer.Optimizer
	scaler    *LossScaler
	comm      dist.Communicator
	ddp       *dist.Distributed
	saver     *checkpoints.CheckpointSaver
	evaluator *Evaluator
	criterion *CrossEntropyLoss
	config    TrainerConfig
	state     TrainingState
}

// NewTrainer creates a trainer. A nil scaler gets the default loss scaling
// schedule, a nil comm runs single-process, and a nil saver writes JSON
// checkpoints.
func NewTrainer(model tae.Model, opt optimizer.Optimizer, scaler *LossScaler, comm dist.Communicator, saver *checkpoints.CheckpointSaver, config TrainerConfig) (*Trainer, error) {
	if model == nil {
		return nil, errors.New("trainer requires a model")
	}
	if opt == nil {
		return nil, errors.New("trainer requires an optimizer")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.PrintFreq <= 0 {
		config.PrintFreq = 10
	}
	if scaler == nil {
		scaler = NewLossScaler()
	}
	if comm == nil {
		comm = dist.Single()
	}
	if saver == nil {
		saver = checkpoints.NewCheckpointSaver(checkpoints.FormatJSON)
	}

	return &Trainer{
		model:     model,
		opt:       opt,
		scaler:    scaler,
		comm:      comm,
		ddp:       dist.Wrap(model, comm),
		saver:     saver,
		evaluator: NewEvaluator(comm, config.PrintFreq),
		criterion: NewCrossEntropyLoss(),
		config:    config,
	}, nil
}

// State returns a copy of the current training state.
func (t *Trainer) State() TrainingState {
	return t.state
}

// CheckpointPath returns the canonical checkpoint path for this run.
func (t *Trainer) CheckpointPath() string {
	return filepath.Join(t.config.OutputDir, t.config.Prefix+"_checkpoint"+t.saver.Format().Ext())
}

// LogPath returns the JSONL log file path for this run.
func (t *Trainer) LogPath() string {
	return filepath.Join(t.config.OutputDir, t.config.Prefix+"_log.txt")
}

// Resume restores model weights, optimizer and scaler state, and the
// iteration counter from a checkpoint written by an earlier run. The
// accumulation window restarts and the best score resets, since neither is
// part of the bundle.
func (t *Trainer) Resume(path string) error {
	ckpt, err := t.saver.LoadCheckpoint(path)
	if err != nil {
		return errors.Wrap(err, "resume")
	}

	sd := make(map[string]*tensor.Tensor, len(ckpt.Weights))
	for _, w := range ckpt.Weights {
		wt, err := tensor.NewTensor(append([]int(nil), w.Shape...), tensor.Float32, append([]float32(nil), w.Data...))
		if err != nil {
			return errors.Wrapf(err, "resume weight %s", w.Name)
		}
		sd[w.Name] = wt
	}
	if err := t.model.LoadStateDict(sd); err != nil {
		return errors.Wrap(err, "resume weights")
	}
	if ckpt.OptimizerState != nil {
		if err := t.opt.LoadState(ckpt.OptimizerState); err != nil {
			return errors.Wrap(err, "resume optimizer state")
		}
	}
	if ckpt.ScalerState != nil {
		if err := t.scaler.LoadState(ckpt.ScalerState); err != nil {
			return errors.Wrap(err, "resume scaler state")
		}
	}

	t.state = TrainingState{Iteration: ckpt.Iteration}
	return nil
}

// Run consumes the training stream until it exhausts, driving the state
// machine: train on every batch, update parameters on accumulation
// boundaries, and every SaveFreq iterations evaluate, checkpoint on strict
// improvement, and log. A nil val skips the evaluation phases. A non-finite
// loss aborts the run with ErrLossDiverged before any optimizer step or
// metric update for that batch.
func (t *Trainer) Run(train BatchStream, val ValStream) (TrainingState, error) {
	if train == nil {
		return t.state, errors.New("trainer requires a training stream")
	}

	logger := NewMetricLogger()
	stream := train
	if t.comm.IsMain() {
		stream = logger.LogEvery(train, t.config.PrintFreq, "Train:")
	}
	t.model.Train()

	for {
		t.state.Phase = PhaseTraining
		batch, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return t.state, errors.Wrap(err, "training stream")
		}

		logits, err := t.model.Forward(batch.Samples)
		if err != nil {
			return t.state, errors.Wrap(err, "forward pass")
		}
		loss, err := t.criterion.Forward(logits, batch.Labels)
		if err != nil {
			return t.state, errors.Wrap(err, "loss computation")
		}
		lossValue, err := loss.Float64Item()
		if err != nil {
			return t.state, errors.Wrap(err, "loss value")
		}

		// Divergence aborts the whole run before the optimizer or the
		// metrics see this batch.
		if math.IsNaN(lossValue) || math.IsInf(lossValue, 0) {
			fmt.Printf("Loss is %v, stopping training\n", lossValue)
			return t.state, errors.Wrapf(ErrLossDiverged, "loss is %v at iteration %d", lossValue, t.state.Iteration)
		}

		if t.config.AccumIter > 1 {
			loss = tensor.MulAutograd(loss, tensor.FromScalar(1.0/float64(t.config.AccumIter), tensor.Float32))
		}
		scaled := t.scaler.ScaleLoss(loss)
		if err := scaled.Backward(); err != nil {
			return t.state, errors.Wrap(err, "backward pass")
		}

		t.state.AccumStep++
		if t.state.AccumStep >= t.config.AccumIter {
			if err := t.ddp.SyncGradients(); err != nil {
				return t.state, errors.Wrap(err, "gradient sync")
			}
			norm, stepped, err := t.scaler.Step(t.opt, t.model.Parameters(), t.config.ClipGrad)
			if err != nil {
				return t.state, err
			}
			t.opt.ZeroGrad()
			t.state.AccumStep = 0
			if stepped {
				logger.Update("grad_norm", norm, 1)
			}
		}

		logger.Update("loss", lossValue, 1)
		logger.Update("lr", t.opt.GetLR(), 1)
		t.state.Iteration++

		if t.state.Iteration%t.config.SaveFreq == 0 && val != nil {
			if err := t.evalAndCheckpoint(val, logger); err != nil {
				return t.state, err
			}
		}
	}

	return t.state, nil
}

// evalAndCheckpoint runs the evaluation, checkpointing, and logging phases,
// then resets the metric window for the next training stretch.
func (t *Trainer) evalAndCheckpoint(val ValStream, logger *MetricLogger) error {
	t.state.Phase = PhaseEvaluating
	stream, err := val()
	if err != nil {
		return errors.Wrap(err, "validation stream")
	}
	result, err := t.evaluator.Evaluate(t.model, stream)
	if err != nil {
		return err
	}

	t.state.Phase = PhaseCheckpointing
	if result.Acc1 > t.state.BestAcc1 {
		t.state.BestAcc1 = result.Acc1
		if err := t.saveCheckpoint(); err != nil {
			return errors.Wrap(err, "checkpoint save")
		}
	}

	t.state.Phase = PhaseLogging
	if err := logger.Synchronize(t.comm); err != nil {
		return err
	}
	if t.comm.IsMain() {
		if err := t.appendLogRecord(logger, result); err != nil {
			return errors.Wrap(err, "log append")
		}
	}
	logger.Reset()

	t.state.Phase = PhaseTraining
	return nil
}

// saveCheckpoint writes the full bundle to the canonical path on the
// coordinating process.
func (t *Trainer) saveCheckpoint() error {
	weights, err := snapshotWeights(t.model)
	if err != nil {
		return err
	}
	optState, err := t.opt.GetState()
	if err != nil {
		return err
	}
	ckpt := &checkpoints.Checkpoint{
		Architecture:   t.config.Architecture,
		Weights:        weights,
		Iteration:      t.state.Iteration,
		OptimizerState: optState,
		ScalerState:    t.scaler.State(),
		Config:         t.config.RunConfig,
	}
	return t.saver.SaveOnMaster(t.comm, ckpt, t.CheckpointPath())
}

// appendLogRecord appends one JSON object to the run's log file: every
// aggregated training metric under a train_ prefix, the evaluation loss, and
// the iteration.
func (t *Trainer) appendLogRecord(logger *MetricLogger, result EvalResult) error {
	record := make(map[string]float64, len(logger.Names())+2)
	for _, name := range logger.Names() {
		record["train_"+name] = logger.GlobalAvg(name)
	}
	record["eval_loss"] = result.Loss
	record["iteration"] = float64(t.state.Iteration)

	line, err := json.Marshal(record)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(t.LogPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// snapshotWeights copies the model's named parameters into checkpoint form.
func snapshotWeights(model tae.Model) ([]checkpoints.WeightTensor, error) {
	params := model.NamedParameters()
	weights := make([]checkpoints.WeightTensor, 0, len(params))
	for _, p := range params {
		data, err := p.Tensor.GetFloat32Data()
		if err != nil {
			return nil, errors.Wrapf(err, "parameter %s", p.Name)
		}
		weights = append(weights, checkpoints.WeightTensor{
			Name:  p.Name,
			Shape: append([]int(nil), p.Tensor.Shape...),
			Data:  append([]float32(nil), data...),
		})
	}
	return weights, nil
}
