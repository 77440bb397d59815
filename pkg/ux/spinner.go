// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"fmt"
	"sync"
	"time"
)

// SpinnerType defines the animation style
type SpinnerType int

const (
	SpinnerDots SpinnerType = iota
	SpinnerWave
	SpinnerCompass
)

var spinnerFrames = map[SpinnerType][]string{
	SpinnerDots:    {"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"},
	SpinnerWave:    {"~", "≈", "≋", "≈"},
	SpinnerCompass: {"◐", "◓", "◑", "◒"},
}

const defaultSpinnerInterval = 80 * time.Millisecond

// Spinner is an animated progress line on the printer's error stream, so
// it never mixes with results on the output stream. In machine mode it
// prints a single PROGRESS line instead.
//
// Thread Safety:
//
//	Start, Update and Stop may be called from any goroutine.
type Spinner struct {
	p        *Printer
	spinType SpinnerType
	interval time.Duration

	mu      sync.Mutex
	message string
	running bool
	frame   int
	stop    chan struct{}
	done    chan struct{}
}

// Spinner creates a stopped spinner with the given message.
func (p *Printer) Spinner(message string) *Spinner {
	return &Spinner{p: p, message: message, spinType: SpinnerDots, interval: defaultSpinnerInterval}
}

// WithType sets the animation style.
func (s *Spinner) WithType(t SpinnerType) *Spinner {
	s.spinType = t
	return s
}

// Start begins the animation. Calling Start on a running spinner is a no-op.
func (s *Spinner) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	msg := s.message
	s.mu.Unlock()

	if s.p.Machine() {
		s.p.println(s.p.err, "PROGRESS: "+msg)
		close(s.done)
		return
	}

	go s.run()
}

func (s *Spinner) run() {
	defer close(s.done)
	frames := spinnerFrames[s.spinType]
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			s.p.mu.Lock()
			fmt.Fprint(s.p.err, "\r\033[K")
			s.p.mu.Unlock()
			return
		case <-ticker.C:
			s.mu.Lock()
			frame := frames[s.frame]
			s.frame = (s.frame + 1) % len(frames)
			msg := s.message
			s.mu.Unlock()

			s.p.mu.Lock()
			fmt.Fprintf(s.p.err, "\r%s %s", s.p.style(Styles.Info, frame), msg)
			s.p.mu.Unlock()
		}
	}
}

// Update changes the message while running.
func (s *Spinner) Update(message string) {
	s.mu.Lock()
	s.message = message
	s.mu.Unlock()
}

// Stop halts the animation and clears the line. It blocks until the
// animation goroutine has exited.
func (s *Spinner) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	stop, done := s.stop, s.done
	s.mu.Unlock()

	close(stop)
	<-done
}

// StopWithSuccess stops and prints a success message
func (s *Spinner) StopWithSuccess(message string) {
	s.Stop()
	s.p.Success(message)
}

// StopWithError stops and prints an error message
func (s *Spinner) StopWithError(message string) {
	s.Stop()
	s.p.Error(message)
}

// StopWithWarning stops and prints a warning message
func (s *Spinner) StopWithWarning(message string) {
	s.Stop()
	s.p.Warning(message)
}

// WithSpinner runs fn under a spinner. Failures are printed as errors and
// returned; success prints nothing so fn's own output stands alone.
func (p *Printer) WithSpinner(message string, fn func() error) error {
	spin := p.Spinner(message)
	spin.Start()
	err := fn()
	if err != nil {
		spin.StopWithError(fmt.Sprintf("%s: %v", message, err))
		return err
	}
	spin.Stop()
	return nil
}
