// Package recorder is the append-only audit sink of spec.md §4.7: every
// accepted event is eventually persisted as one self-contained JSON line.
//
// Grounded on the teacher's internal/paper/recorder.go JSONLRecorder
// (os.OpenFile append mode, json.Encoder, a mutex around the file handle),
// generalized from a single Record(fill) call into a bounded drop-oldest
// channel consumed by one writer task, with a degraded mode that retries
// opening the file every 5s on I/O failure.
package recorder

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"tradecore/internal/bus"
	"tradecore/internal/domain"
	"tradecore/internal/metrics"
)

// ReopenInterval is how often a degraded recorder retries opening its file.
const ReopenInterval = 5 * time.Second

// line is the on-disk JSONL envelope: a discriminator plus the entity.
type line struct {
	Kind string `json:"kind"`
	Data any    `json:"data"`
}

// Recorder drains a bounded drop-oldest bus of domain.Event and appends each
// as one JSON line to path.
type Recorder struct {
	path string
	log  zerolog.Logger

	file *os.File
	enc  *json.Encoder

	written int64
}

// New builds a Recorder targeting path. The file isn't opened until Run
// starts, so construction never fails.
func New(path string, log zerolog.Logger) *Recorder {
	return &Recorder{path: path, log: log}
}

// Run drains in until ctx is canceled, writing each event to the file and
// falling back to degraded mode (drop + retry) on I/O failure.
func (r *Recorder) Run(ctx context.Context, in *bus.DropOldest[domain.Event]) error {
	defer r.closeFile()

	r.tryOpen()
	reopenTicker := time.NewTicker(ReopenInterval)
	defer reopenTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-reopenTicker.C:
			if r.file == nil {
				r.tryOpen()
			}
		case evt, ok := <-in.Recv():
			if !ok {
				return nil
			}
			r.write(evt)
		}
	}
}

func (r *Recorder) tryOpen() {
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		r.log.Warn().Err(err).Str("path", r.path).Msg("recorder: cannot create directory, staying degraded")
		return
	}
	file, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		r.log.Warn().Err(err).Str("path", r.path).Msg("recorder: open failed, staying degraded")
		return
	}
	r.file = file
	r.enc = json.NewEncoder(file)
}

func (r *Recorder) closeFile() {
	if r.file == nil {
		return
	}
	_ = r.file.Close()
	r.file = nil
	r.enc = nil
}

// write appends one event, entering degraded mode on the first I/O error it
// hits so a stuck disk doesn't retry every event.
func (r *Recorder) write(evt domain.Event) {
	if r.file == nil {
		metrics.RecorderDropsTotal.Inc()
		return
	}
	l, ok := toLine(evt)
	if !ok {
		return
	}
	if err := r.enc.Encode(l); err != nil {
		r.log.Warn().Err(err).Msg("recorder: write failed, entering degraded mode")
		r.closeFile()
		metrics.RecorderDropsTotal.Inc()
		return
	}
	r.written++
}

func toLine(evt domain.Event) (line, bool) {
	switch evt.Kind {
	case domain.EventMd:
		return line{Kind: "md", Data: evt.Md}, true
	case domain.EventSig:
		return line{Kind: "sig", Data: evt.Sig}, true
	case domain.EventOrd:
		return line{Kind: "ord", Data: evt.Ord}, true
	case domain.EventExec:
		return line{Kind: "exec", Data: evt.Exec}, true
	default:
		return line{}, false
	}
}
