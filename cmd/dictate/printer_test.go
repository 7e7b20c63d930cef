package main

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/eleven-am/dictation-backend/internal/capture"
	"github.com/eleven-am/dictation-backend/internal/transcription"
)

func TestPrinter(t *testing.T) {
	var out, status bytes.Buffer
	p := newPrinter(&out, &status)

	p.handle(transcription.Transcript{Text: "patient", IsPartial: true})
	p.handle(transcription.Transcript{Text: "patient reports headache"})
	p.handle(transcription.Transcript{Text: "  "})
	p.handle(transcription.Transcript{Text: "no fever", IsPartial: true})

	if out.String() != "patient reports headache\n" {
		t.Errorf("unexpected finals output %q", out.String())
	}
	if !strings.Contains(status.String(), "> no fever") {
		t.Errorf("expected running partial, got %q", status.String())
	}
	if got := p.transcript(); got != "patient reports headache no fever" {
		t.Errorf("unexpected transcript %q", got)
	}
}

func TestParseFlags(t *testing.T) {
	opts, err := parseFlags([]string{"-format", "s16le", "-rate", "16000", "-region", "us-east-1"})
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	if opts.format != "s16le" || opts.sampleRate != 16000 || opts.cfg.Region != "us-east-1" {
		t.Errorf("unexpected options %+v", opts)
	}
	if _, err := parseFlags([]string{"-format", "mp3"}); err == nil {
		t.Error("expected error for unsupported format")
	}
}

func TestRecordingSource(t *testing.T) {
	src := &recordingSource{
		ReaderSource: newSourceFromBytes(t, []float32{0.5, -0.5, 0.25}),
		keep:         true,
	}
	got := make(chan []float32, 1)
	if err := src.Start(func(buf []float32) { got <- buf }); err != nil {
		t.Fatalf("Start: %v", err)
	}
	buf := <-got
	if len(buf) != 3 || len(src.samples()) != 3 {
		t.Errorf("expected 3 samples delivered and kept, got %d and %d", len(buf), len(src.samples()))
	}
}

func bytesOfFloats(samples []float32) *bytes.Buffer {
	var b bytes.Buffer
	for _, s := range samples {
		_ = binary.Write(&b, binary.LittleEndian, s)
	}
	return &b
}

func newSourceFromBytes(t *testing.T, samples []float32) *capture.ReaderSource {
	t.Helper()
	return capture.NewReaderSource(bytesOfFloats(samples), capture.ReaderOptions{Format: capture.FormatFloat32LE, SampleRate: 16000})
}
