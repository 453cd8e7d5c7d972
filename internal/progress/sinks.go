package progress

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/Lllllllleong/markforge/internal/models"
)

// MultiSink delivers every event to each sink in order.
type MultiSink []Sink

func (m MultiSink) Deliver(ev models.ProgressEvent) error {
	var errs []error
	for _, s := range m {
		if err := s.Deliver(ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func chunkLabel(ev models.ProgressEvent) string {
	if ev.ChunkIndex == nil {
		return ""
	}
	if ev.ChunkTotal > 0 {
		return fmt.Sprintf(" [chunk %d/%d]", *ev.ChunkIndex+1, ev.ChunkTotal)
	}
	return fmt.Sprintf(" [chunk %d]", *ev.ChunkIndex+1)
}

// ConsoleSink prints one colored line per event.
type ConsoleSink struct {
	w io.Writer
}

// NewConsoleSink creates a ConsoleSink writing to w. Color is disabled by
// fatih/color automatically when w is not a terminal.
func NewConsoleSink(w io.Writer, noColor bool) *ConsoleSink {
	if noColor {
		color.NoColor = true
	}
	return &ConsoleSink{w: w}
}

func (s *ConsoleSink) Deliver(ev models.ProgressEvent) error {
	var err error
	label := chunkLabel(ev)
	switch ev.Kind {
	case models.EventStarted:
		_, err = color.New(color.FgBlue).Fprintf(s.w, "→ %s %s\n", ev.DocumentID, ev.Message)
	case models.EventChunkProgress:
		if ev.Message == "" {
			_, err = fmt.Fprintf(s.w, "  %s%s %.0f%%\n", ev.DocumentID, label, ev.Percent)
		} else {
			_, err = fmt.Fprintf(s.w, "  %s%s %s\n", ev.DocumentID, label, ev.Message)
		}
	case models.EventChunkDone:
		_, err = fmt.Fprintf(s.w, "  %s%s done\n", ev.DocumentID, label)
	case models.EventChunkFailed:
		_, err = color.New(color.FgYellow).Fprintf(s.w, "⚠ %s%s %s\n", ev.DocumentID, label, ev.Message)
	case models.EventDocumentDone:
		_, err = color.New(color.FgGreen).Fprintf(s.w, "✓ %s %s\n", ev.DocumentID, ev.Message)
	case models.EventDocumentFailed:
		_, err = color.New(color.FgRed).Fprintf(s.w, "✗ %s %s\n", ev.DocumentID, ev.Message)
	case models.EventBatchDone:
		_, err = color.New(color.FgCyan, color.Bold).Fprintf(s.w, "ℹ %s\n", ev.Message)
	}
	return err
}

// LogSink writes events as structured log records.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Deliver(ev models.ProgressEvent) error {
	attrs := []any{"seq", ev.Seq, "kind", ev.Kind}
	if ev.DocumentID != "" {
		attrs = append(attrs, "documentId", ev.DocumentID)
	}
	if ev.ChunkIndex != nil {
		attrs = append(attrs, "chunk", *ev.ChunkIndex)
	}
	if ev.Kind == models.EventChunkProgress {
		attrs = append(attrs, "percent", ev.Percent)
	}

	msg := ev.Message
	if msg == "" {
		msg = string(ev.Kind)
	}
	switch ev.Kind {
	case models.EventChunkProgress:
		s.logger.Debug(msg, attrs...)
	case models.EventChunkFailed:
		s.logger.Warn(msg, attrs...)
	case models.EventDocumentFailed:
		s.logger.Error(msg, attrs...)
	default:
		s.logger.Info(msg, attrs...)
	}
	return nil
}

// DisplaySink renders one progress bar per document.
type DisplaySink struct {
	p    *mpb.Progress
	mu   sync.Mutex
	bars map[string]*mpb.Bar
}

// NewDisplaySink creates bars drawn on w.
func NewDisplaySink(w io.Writer) *DisplaySink {
	return &DisplaySink{
		p:    mpb.New(mpb.WithWidth(48), mpb.WithOutput(w)),
		bars: make(map[string]*mpb.Bar),
	}
}

func (s *DisplaySink) Deliver(ev models.ProgressEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch ev.Kind {
	case models.EventStarted:
		if _, ok := s.bars[ev.DocumentID]; ok {
			return nil
		}
		total := int64(max(ev.ChunkTotal, 1))
		name := ev.DocumentID
		s.bars[ev.DocumentID] = s.p.AddBar(total,
			mpb.PrependDecorators(
				decor.Name(name, decor.WC{W: len(name) + 1, C: decor.DSyncSpaceR}),
				decor.CountersNoUnit("%d / %d", decor.WCSyncWidth),
			),
			mpb.AppendDecorators(
				decor.OnAbort(
					decor.OnComplete(decor.Percentage(decor.WC{W: 5}), "done"),
					"failed",
				),
				decor.Elapsed(decor.ET_STYLE_GO, decor.WC{W: 8}),
			),
		)
	case models.EventChunkDone, models.EventChunkFailed:
		if bar, ok := s.bars[ev.DocumentID]; ok {
			bar.Increment()
		}
	case models.EventDocumentDone:
		if bar, ok := s.bars[ev.DocumentID]; ok {
			bar.SetTotal(-1, true)
			delete(s.bars, ev.DocumentID)
		}
	case models.EventDocumentFailed:
		if bar, ok := s.bars[ev.DocumentID]; ok {
			bar.Abort(false)
			delete(s.bars, ev.DocumentID)
		}
	}
	return nil
}

// Close aborts unfinished bars and waits for the final render.
func (s *DisplaySink) Close() {
	s.mu.Lock()
	for id, bar := range s.bars {
		bar.Abort(false)
		delete(s.bars, id)
	}
	s.mu.Unlock()
	s.p.Wait()
}

type statusWriter interface {
	Put(ctx context.Context, docID string, rec models.StatusRecord) error
}

// FirestoreSink mirrors per-document status into a status store. Sub-progress
// events are folded into the record without a write of their own.
type FirestoreSink struct {
	store   statusWriter
	runID   string
	timeout time.Duration
	records map[string]*models.StatusRecord
}

// NewFirestoreSink creates a sink writing records for runID.
func NewFirestoreSink(store statusWriter, runID string) *FirestoreSink {
	return &FirestoreSink{
		store:   store,
		runID:   runID,
		timeout: 10 * time.Second,
		records: make(map[string]*models.StatusRecord),
	}
}

func (s *FirestoreSink) Deliver(ev models.ProgressEvent) error {
	if ev.DocumentID == "" {
		return nil
	}
	rec, ok := s.records[ev.DocumentID]
	if !ok {
		rec = &models.StatusRecord{DocumentID: ev.DocumentID, RunID: s.runID, Status: string(models.DocumentPending)}
		s.records[ev.DocumentID] = rec
	}
	rec.LastSeq = ev.Seq
	rec.UpdatedAt = ev.Time
	if ev.ChunkTotal > 0 {
		rec.ChunkTotal = ev.ChunkTotal
	}
	if ev.Message != "" {
		rec.LastMessage = ev.Message
	}

	switch ev.Kind {
	case models.EventChunkProgress:
		return nil
	case models.EventStarted:
		rec.Status = string(models.DocumentProcessing)
	case models.EventChunkDone:
		rec.ChunksDone++
	case models.EventChunkFailed:
		rec.ChunksFailed++
	case models.EventDocumentDone:
		rec.Status = string(models.DocumentDone)
	case models.EventDocumentFailed:
		rec.Status = string(models.DocumentFailed)
		rec.ErrorDetails = ev.Message
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	return s.store.Put(ctx, s.runID+"-"+models.Document{ID: ev.DocumentID}.Key(), *rec)
}
