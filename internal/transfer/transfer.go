// Package transfer streams download bytes to HTTP responses while driving
// progress events through the session reporter. Two engines exist: a
// range-aware single-file streamer and a streamed zip archiver.
package transfer

import (
	"errors"
	"io"
	"sync/atomic"
	"time"
)

const (
	// chunkSize is the copy granularity; small enough to keep progress and
	// cancellation responsive.
	chunkSize = 16 * 1024

	// progressInterval is the fixed cadence of download:progress emissions.
	progressInterval = 300 * time.Millisecond
)

// ErrNotFound is returned when the transfer target does not exist. No bytes
// have been written and no events emitted.
var ErrNotFound = errors.New("transfer target not found")

// ErrRangeNotSatisfiable is returned for an out-of-bounds byte range. No
// bytes have been written and no events emitted.
var ErrRangeNotSatisfiable = errors.New("requested range not satisfiable")

// percent returns floor(transferred/total*100), defined as 0 for an empty
// transfer so an empty directory never divides by zero.
func percent(transferred, total uint64) int {
	if total == 0 {
		return 0
	}
	return int(transferred * 100 / total)
}

// progressTicker emits on a fixed interval from its own goroutine. Stop
// blocks until the goroutine has exited, so no emission can follow a
// terminal event.
type progressTicker struct {
	stop chan struct{}
	done chan struct{}
}

func startProgressTicker(fn func()) *progressTicker {
	t := &progressTicker{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go func() {
		defer close(t.done)
		tick := time.NewTicker(progressInterval)
		defer tick.Stop()
		for {
			select {
			case <-t.stop:
				return
			case <-tick.C:
				fn()
			}
		}
	}()
	return t
}

// Stop halts the ticker and waits for any in-flight emission to finish.
func (t *progressTicker) Stop() {
	close(t.stop)
	<-t.done
}

// counter is a monotonically increasing byte counter shared between the copy
// loop and the progress ticker.
type counter struct {
	n atomic.Uint64
}

func (c *counter) add(n int) { c.n.Add(uint64(n)) }

func (c *counter) value() uint64 { return c.n.Load() }

// countingWriter counts bytes written through it; used to measure compressed
// archive output.
type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}
