package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/eleven-am/dictation-backend/internal/transcription"
)

// printer writes finals as lines and redraws the running partial in place.
type printer struct {
	mu      sync.Mutex
	out     io.Writer
	status  io.Writer
	finals  []string
	partial string
}

func newPrinter(out, status io.Writer) *printer {
	return &printer{out: out, status: status}
}

func (p *printer) handle(t transcription.Transcript) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if t.IsPartial {
		p.partial = t.Text
		fmt.Fprintf(p.status, "\r\033[K> %s", t.Text)
		return
	}

	p.partial = ""
	fmt.Fprint(p.status, "\r\033[K")
	if text := strings.TrimSpace(t.Text); text != "" {
		p.finals = append(p.finals, text)
		fmt.Fprintln(p.out, text)
	}
}

// transcript joins the finals with any trailing partial.
func (p *printer) transcript() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	parts := append([]string(nil), p.finals...)
	if p.partial != "" {
		parts = append(parts, p.partial)
	}
	return strings.Join(parts, " ")
}
