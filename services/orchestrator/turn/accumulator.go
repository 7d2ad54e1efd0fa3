// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package turn

import (
	"strings"
	"sync"
)

// Event is one chunk of a streamed turn, tagged with the agent that
// produced it.
type Event struct {
	Agent   string `json:"agent"`
	Content string `json:"content"`
}

// EmitFunc receives flushed events. A non-nil error stops further
// emission; the turn itself still completes.
type EmitFunc func(Event) error

// Accumulator groups agent output into events.
//
// # Description
//
// Content is buffered per agent. Whenever content arrives from a
// different agent than the one being buffered, the buffer is flushed as
// one Event, so consumers see one event per uninterrupted run of an
// agent. Flush emits whatever remains.
//
// # Thread Safety
//
// Safe for concurrent use.
type Accumulator struct {
	mu      sync.Mutex
	emit    EmitFunc
	agent   string
	buf     strings.Builder
	err     error
	flushed int
}

// NewAccumulator creates an accumulator. A nil emit discards events.
func NewAccumulator(emit EmitFunc) *Accumulator {
	return &Accumulator{emit: emit}
}

// Add buffers content from agent, flushing the previous agent's content
// first when the agent changed.
func (a *Accumulator) Add(agent, content string) {
	if content == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.buf.Len() > 0 && agent != a.agent {
		a.flushLocked()
	}
	if a.buf.Len() > 0 {
		a.buf.WriteString("\n\n")
	}
	a.agent = agent
	a.buf.WriteString(content)
}

// Flush emits the buffered content, if any.
func (a *Accumulator) Flush() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.flushLocked()
}

// Err returns the first emit error.
func (a *Accumulator) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

// Flushed returns how many events were emitted.
func (a *Accumulator) Flushed() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.flushed
}

func (a *Accumulator) flushLocked() {
	if a.buf.Len() == 0 {
		return
	}
	ev := Event{Agent: a.agent, Content: a.buf.String()}
	a.buf.Reset()
	if a.emit == nil || a.err != nil {
		return
	}
	if err := a.emit(ev); err != nil {
		a.err = err
		return
	}
	a.flushed++
}
