package training

import (
	"fmt"
	"io"
	"time"

	"github.com/pkg/errors"
)

// progressStream wraps a BatchStream, timing every handoff and printing a
// progress line through the owning MetricLogger every printFreq batches.
// MetricLogger.LogEvery is the only constructor.
type progressStream struct {
	inner     BatchStream
	logger    *MetricLogger
	header    string
	printFreq int
	total     int // batches in the stream, 0 when unknown
	iteration int
	startTime time.Time
	lastYield time.Time
	iterTime  *SmoothedValue
	dataTime  *SmoothedValue
}

// LogEvery wraps stream so that consuming it prints a progress line with the
// logger's meters every printFreq batches, plus a total-time line when the
// stream ends. Per-batch fetch and step times are tracked alongside. Streams
// implementing Sized get an ETA column.
func (ml *MetricLogger) LogEvery(stream BatchStream, printFreq int, header string) BatchStream {
	if printFreq <= 0 {
		printFreq = 10
	}
	total := 0
	if s, ok := stream.(Sized); ok {
		total = s.Len()
	}
	now := time.Now()
	return &progressStream{
		inner:     stream,
		logger:    ml,
		header:    header,
		printFreq: printFreq,
		total:     total,
		startTime: now,
		lastYield: now,
		iterTime:  NewSmoothedValue(DefaultWindowSize),
		dataTime:  NewSmoothedValue(DefaultWindowSize),
	}
}

// Next fetches the next batch from the wrapped stream. The time between
// consecutive calls is the full step time; the time inside the wrapped
// stream is the data-loading share.
func (p *progressStream) Next() (*Batch, error) {
	fetchStart := time.Now()
	batch, err := p.inner.Next()
	if err != nil {
		if errors.Is(err, io.EOF) {
			p.printSummary()
		}
		return nil, err
	}
	p.dataTime.Update(time.Since(fetchStart).Seconds(), 1)

	now := time.Now()
	if p.iteration > 0 {
		p.iterTime.Update(now.Sub(p.lastYield).Seconds(), 1)
	}
	p.lastYield = now

	if p.iteration%p.printFreq == 0 {
		p.printProgress()
	}
	p.iteration++
	return batch, nil
}

// printProgress emits one progress line: position, ETA when the stream
// length is known, the logger's meters, and per-step timings.
func (p *progressStream) printProgress() {
	line := p.header
	if p.total > 0 {
		line += fmt.Sprintf(" [%d/%d]", p.iteration, p.total)
		remaining := p.total - p.iteration
		if avg := p.iterTime.GlobalAvg(); avg > 0 && remaining > 0 {
			eta := time.Duration(avg * float64(remaining) * float64(time.Second))
			line += fmt.Sprintf(" eta: %s", formatDuration(eta))
		}
	} else {
		line += fmt.Sprintf(" [%d]", p.iteration)
	}

	if meters := p.logger.String(); meters != "" {
		line += "  " + meters
	}
	line += fmt.Sprintf("  time: %.4f  data: %.4f", p.iterTime.Avg(), p.dataTime.Avg())
	fmt.Println(line)
}

// printSummary emits the closing total-time line once the stream ends.
func (p *progressStream) printSummary() {
	elapsed := time.Since(p.startTime)
	perIter := 0.0
	if p.iteration > 0 {
		perIter = elapsed.Seconds() / float64(p.iteration)
	}
	fmt.Printf("%s Total time: %s (%.4f s / it)\n", p.header, formatDuration(elapsed), perIter)
}

// Len reports the wrapped stream's length when known.
func (p *progressStream) Len() int {
	return p.total
}

// formatDuration formats a duration as MM:SS.
func formatDuration(d time.Duration) string {
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}
