// Package traceutil records the steps of a request and logs them when the
// request is slow.
package traceutil

import (
	"bytes"
	"fmt"
	"time"

	"go.uber.org/zap"
)

type Field struct {
	Key   string
	Value interface{}
}

func (f *Field) format() string {
	return fmt.Sprintf("%s:%v; ", f.Key, f.Value)
}

func writeFields(fields []Field) string {
	if len(fields) == 0 {
		return ""
	}
	var buf bytes.Buffer
	buf.WriteString("{")
	for _, f := range fields {
		buf.WriteString(f.format())
	}
	buf.WriteString("}")
	return buf.String()
}

type step struct {
	time   time.Time
	msg    string
	fields []Field
}

type Trace struct {
	operation string
	lg        *zap.Logger
	fields    []Field
	startTime time.Time
	steps     []step
}

// New starts a trace of operation.
func New(op string, lg *zap.Logger, fields ...Field) *Trace {
	return &Trace{operation: op, lg: lg, startTime: time.Now(), fields: fields}
}

// Step records that msg happened now.
func (t *Trace) Step(msg string, fields ...Field) {
	t.steps = append(t.steps, step{time: time.Now(), msg: msg, fields: fields})
}

// AddField adds fields describing the whole operation.
func (t *Trace) AddField(fields ...Field) {
	t.fields = append(t.fields, fields...)
}

// IsEmpty reports whether the trace has no operation.
func (t *Trace) IsEmpty() bool {
	return t.operation == ""
}

// LogIfLong logs the trace if it took longer than threshold.
func (t *Trace) LogIfLong(threshold time.Duration) {
	if t.IsEmpty() || t.lg == nil {
		return
	}
	total := time.Since(t.startTime)
	if total <= threshold {
		return
	}

	var steps []string
	last := t.startTime
	for _, s := range t.steps {
		steps = append(steps, fmt.Sprintf("trace[%s] '%s' %s (duration: %v)",
			t.operation, s.msg, writeFields(s.fields), s.time.Sub(last)))
		last = s.time
	}
	t.lg.Info("trace["+t.operation+"]",
		zap.String("detail", writeFields(t.fields)),
		zap.Duration("duration", total),
		zap.Time("start", t.startTime),
		zap.Strings("steps", steps),
	)
}
