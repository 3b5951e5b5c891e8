package diag

import (
	"bytes"
	"strings"
	"testing"
)

func TestSetLogWriters_RoutesStreams(t *testing.T) {
	defer SetLogWriters(LogWriters{})

	var ops, diag, trace bytes.Buffer
	SetLogWriters(LogWriters{Ops: &ops, Diag: &diag, Trace: &trace})

	Opsf("ops message %d", 1)
	Diagf("diag message %d", 2)
	Tracef("trace message %d", 3)

	if !strings.Contains(ops.String(), "ops message 1") {
		t.Errorf("ops stream = %q, want to contain 'ops message 1'", ops.String())
	}
	if !strings.Contains(diag.String(), "diag message 2") {
		t.Errorf("diag stream = %q, want to contain 'diag message 2'", diag.String())
	}
	if !strings.Contains(trace.String(), "trace message 3") {
		t.Errorf("trace stream = %q, want to contain 'trace message 3'", trace.String())
	}
	if strings.Contains(ops.String(), "diag message") || strings.Contains(ops.String(), "trace message") {
		t.Error("streams leaked into ops")
	}
}

func TestSetLogWriters_NilDisables(t *testing.T) {
	defer SetLogWriters(LogWriters{})

	var diag bytes.Buffer
	SetLogWriters(LogWriters{Ops: nil, Diag: &diag})

	// Must not panic with a nil stream.
	Opsf("dropped")
	Tracef("dropped")
	Diagf("kept")

	if !strings.Contains(diag.String(), "kept") {
		t.Errorf("diag stream = %q, want to contain 'kept'", diag.String())
	}
}

func TestLogPrefix(t *testing.T) {
	defer SetLogWriters(LogWriters{})

	var ops bytes.Buffer
	SetLogWriters(LogWriters{Ops: &ops})

	Opsf("hello")
	if !strings.HasPrefix(ops.String(), "[scancloud] ") {
		t.Errorf("log line = %q, want '[scancloud] ' prefix", ops.String())
	}
}
