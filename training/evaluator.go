package training

import (
	"fmt"
	"io"

	"github.com/pkg/errors"

	"github.com/tsawler/go-tae/dist"
	"github.com/tsawler/go-tae/tae"
)

// EvalResult holds the aggregated outcome of one validation pass. Accuracies
// are percentages.
type EvalResult struct {
	Loss float64
	Acc1 float64
	Acc5 float64
}

// Evaluator runs a model over a finite validation stream with no parameter
// updates, aggregating loss and top-1/top-5 accuracy weighted by batch size.
type Evaluator struct {
	criterion *CrossEntropyLoss
	comm      dist.Communicator
	printFreq int
}

// NewEvaluator creates an evaluator that synchronizes its aggregates across
// comm before reporting. printFreq controls progress lines on the main rank;
// non-positive values fall back to 10.
func NewEvaluator(comm dist.Communicator, printFreq int) *Evaluator {
	if comm == nil {
		comm = dist.Single()
	}
	if printFreq <= 0 {
		printFreq = 10
	}
	return &Evaluator{
		criterion: NewCrossEntropyLoss(),
		comm:      comm,
		printFreq: printFreq,
	}
}

// Evaluate consumes the stream exactly once, computing loss and accuracy per
// batch with a single forward pass. The model is put in eval mode for the
// pass and restored to training mode before returning, regardless of the
// outcome. Aggregates are synchronized across the process group, so every
// rank returns the same result.
func (e *Evaluator) Evaluate(model tae.Module, stream BatchStream) (EvalResult, error) {
	if model == nil {
		return EvalResult{}, errors.New("evaluator requires a model")
	}
	if stream == nil {
		return EvalResult{}, errors.New("evaluator requires a validation stream")
	}

	logger := NewMetricLogger()
	model.Eval()
	defer model.Train()

	if e.comm.IsMain() {
		stream = logger.LogEvery(stream, e.printFreq, "Test:")
	}

	for {
		batch, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return EvalResult{}, errors.Wrap(err, "validation stream")
		}

		logits, err := model.Forward(batch.Samples)
		if err != nil {
			return EvalResult{}, errors.Wrap(err, "validation forward pass")
		}
		loss, err := e.criterion.Forward(logits, batch.Labels)
		if err != nil {
			return EvalResult{}, errors.Wrap(err, "validation loss")
		}
		lossValue, err := loss.Float64Item()
		if err != nil {
			return EvalResult{}, errors.Wrap(err, "validation loss value")
		}
		accs, err := Accuracy(logits, batch.Labels, 1, 5)
		if err != nil {
			return EvalResult{}, errors.Wrap(err, "validation accuracy")
		}

		batchSize := float64(batch.Samples.Shape[0])
		logger.Update("loss", lossValue, batchSize)
		logger.Update("acc1", accs[0], batchSize)
		logger.Update("acc5", accs[1], batchSize)
	}

	if err := logger.Synchronize(e.comm); err != nil {
		return EvalResult{}, err
	}

	result := EvalResult{
		Loss: logger.GlobalAvg("loss"),
		Acc1: logger.GlobalAvg("acc1"),
		Acc5: logger.GlobalAvg("acc5"),
	}
	if e.comm.IsMain() {
		fmt.Printf("* Acc@1 %.3f Acc@5 %.3f loss %.3f\n", result.Acc1, result.Acc5, result.Loss)
	}
	return result, nil
}
