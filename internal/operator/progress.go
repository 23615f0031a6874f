package operator

import (
	"context"
	"io"
	"time"
)

func secondsToDuration(seconds int64) time.Duration {
	return time.Duration(seconds) * time.Second
}

// progressWriter implements the legacy stdout-digit-run progress path:
// the child's stdout is parsed for decimal percentages (runs of digits
// bounded by non-digits) and each value <= 100 updates progress.
// Stdout itself is not logged in this path; only stderr feeds the log
// ring, and only the parsed percentages are ever persisted.
type progressWriter struct {
	op     *Operator
	digits []byte
	inRun  bool
}

// newProgressWriter returns the stdout writer used when a plan has no
// control channel.
func (op *Operator) newProgressWriter() io.Writer {
	return &progressWriter{op: op}
}

func (w *progressWriter) Write(p []byte) (int, error) {
	for _, b := range p {
		if b >= '0' && b <= '9' {
			w.digits = append(w.digits, b)
			w.inRun = true
			continue
		}
		if w.inRun {
			w.flush()
		}
	}
	return len(p), nil
}

func (w *progressWriter) flush() {
	run := w.digits
	w.digits = nil
	w.inRun = false
	if len(run) == 0 || len(run) > 3 {
		return
	}
	value := 0
	for _, d := range run {
		value = value*10 + int(d-'0')
	}
	if value > 100 {
		return
	}
	w.op.onProgress(context.Background(), value)
}
