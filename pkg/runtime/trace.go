package runtime

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// TraceEvent wraps an ActionResult for JSONL trace output.
type TraceEvent struct {
	Type      string        `json:"type"` // action_result
	Timestamp time.Time     `json:"timestamp"`
	RunID     string        `json:"run_id"`
	Result    *ActionResult `json:"result"`
}

// TraceWriter writes ActionResult events to a JSONL trace file.
type TraceWriter struct {
	file   *os.File
	writer *bufio.Writer
	enc    *json.Encoder
}

// NewTraceWriter creates a trace writer that appends to the given file.
func NewTraceWriter(path string) (*TraceWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	w := bufio.NewWriter(f)
	return &TraceWriter{
		file:   f,
		writer: w,
		enc:    json.NewEncoder(w),
	}, nil
}

// Write appends an ActionResult as a JSONL event and flushes to disk.
func (tw *TraceWriter) Write(runID string, result *ActionResult) error {
	event := TraceEvent{
		Type:      "action_result",
		Timestamp: time.Now(),
		RunID:     runID,
		Result:    result,
	}
	if err := tw.enc.Encode(event); err != nil {
		return fmt.Errorf("encode trace event: %w", err)
	}
	// Flush at action boundaries so a crashed run still leaves a trace.
	if err := tw.writer.Flush(); err != nil {
		return fmt.Errorf("flush trace: %w", err)
	}
	return nil
}

// Close flushes and closes the trace file.
func (tw *TraceWriter) Close() error {
	if err := tw.writer.Flush(); err != nil {
		return err
	}
	return tw.file.Close()
}
