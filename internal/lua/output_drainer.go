package lua

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/srg/blegate/internal/groutine"
)

// OutputDrainer copies an engine's buffered output to stdout/stderr writers
// from a background goroutine.
type OutputDrainer struct {
	cancelOnce sync.Once
	stop       chan struct{}
	wg         sync.WaitGroup
}

// Cancel stops the drainer after it flushes what is already buffered.
func (d *OutputDrainer) Cancel() {
	d.cancelOnce.Do(func() {
		close(d.stop)
	})
}

// Wait blocks until the drainer goroutine has exited.
func (d *OutputDrainer) Wait() {
	d.wg.Wait()
}

// flush writes every buffered record and returns how many were written.
func flush(e *Engine, stdout, stderr io.Writer, logger *logrus.Logger) int {
	n := 0
	for {
		rec, ok := e.NextOutput()
		if !ok {
			return n
		}
		n++
		w := stdout
		if rec.Source == "stderr" {
			w = stderr
		}
		if _, err := fmt.Fprint(w, rec.Content); err != nil {
			logger.WithFields(logrus.Fields{
				"source": rec.Source,
				"error":  err,
			}).Warn("Output drainer: write failed")
		}
	}
}

// NewOutputDrainer starts draining e's output. A nil writer discards.
func NewOutputDrainer(ctx context.Context, e *Engine, logger *logrus.Logger, stdout, stderr io.Writer) *OutputDrainer {
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	if logger == nil {
		logger = logrus.New()
	}

	drainer := &OutputDrainer{stop: make(chan struct{})}

	drainer.wg.Add(1)
	groutine.Go(ctx, "lua-output-drainer", func(ctx context.Context) {
		defer drainer.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				logger.WithField("panic", r).Error("Output drainer: panic recovered")
			}
		}()
		defer logger.Debugf("%s: exiting", groutine.Name(ctx))

		for {
			select {
			case <-e.Notify():
				flush(e, stdout, stderr, logger)
			case <-drainer.stop:
				n := flush(e, stdout, stderr, logger)
				logger.WithField("drained", n).Debug("Output drainer: final flush on stop")
				return
			case <-ctx.Done():
				flush(e, stdout, stderr, logger)
				return
			}
		}
	})

	return drainer
}
