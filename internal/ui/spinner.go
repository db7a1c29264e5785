package ui

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
)

// SimpleSpinner is a blocking line spinner for CLI steps that do not need a
// full bubbletea program.
type SimpleSpinner struct {
	out      io.Writer
	spinner  spinner.Spinner
	interval time.Duration

	mu      sync.Mutex
	message string
	done    chan struct{}
	exited  chan struct{}
	started bool
	stopped bool
}

func newSpinner(s spinner.Spinner, message string) *SimpleSpinner {
	return &SimpleSpinner{
		out:      os.Stdout,
		spinner:  s,
		interval: s.FPS,
		message:  message,
		done:     make(chan struct{}),
		exited:   make(chan struct{}),
	}
}

// NewSimpleSpinner creates a spinner for general loading operations (Dot style)
func NewSimpleSpinner(message string) *SimpleSpinner {
	return newSpinner(spinner.Dot, message)
}

// NewConnectionSpinner creates a spinner for relay and transport setup (Globe style)
func NewConnectionSpinner(message string) *SimpleSpinner {
	return newSpinner(spinner.Globe, message)
}

// NewWaitingSpinner creates a spinner for waiting on the remote side, such as a
// ringing call (Points style)
func NewWaitingSpinner(message string) *SimpleSpinner {
	return newSpinner(spinner.Points, message)
}

func (s *SimpleSpinner) Start() {
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	go func() {
		defer close(s.exited)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		frames := s.spinner.Frames
		for i := 0; ; i++ {
			s.mu.Lock()
			msg := s.message
			s.mu.Unlock()
			fmt.Fprintf(s.out, "\r\033[K%s %s", SpinnerStyle.Render(frames[i%len(frames)]), msg)

			select {
			case <-s.done:
				return
			case <-ticker.C:
			}
		}
	}()
}

// Stop halts the spinner and clears its line. It is safe to call more than
// once.
func (s *SimpleSpinner) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	started := s.started
	s.mu.Unlock()

	close(s.done)
	if started {
		<-s.exited
	}
	fmt.Fprint(s.out, "\r\033[K")
}

func (s *SimpleSpinner) Success(message string) {
	s.Stop()
	fmt.Fprintf(s.out, "%s %s\n", SuccessStyle.Render(IconSuccess), message)
}

func (s *SimpleSpinner) Error(message string) {
	s.Stop()
	fmt.Fprintf(s.out, "%s %s\n", ErrorStyle.Render(IconError), message)
}

func (s *SimpleSpinner) UpdateMessage(message string) {
	s.mu.Lock()
	s.message = message
	s.mu.Unlock()
}

// RunSpinner starts a loading spinner and returns a stop function
func RunSpinner(message string) func() {
	sp := NewSimpleSpinner(message)
	sp.Start()
	return sp.Stop
}

// RunConnectionSpinner starts a connection spinner and returns a stop function
func RunConnectionSpinner(message string) func() {
	sp := NewConnectionSpinner(message)
	sp.Start()
	return sp.Stop
}
