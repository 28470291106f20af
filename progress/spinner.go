package progress

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

var spinnerParts = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

type Spinner struct {
	mu      sync.Mutex
	message string
	value   int
	stopped time.Time
}

func NewSpinner(message string) *Spinner {
	s := &Spinner{message: message}
	go s.start()
	return s
}

func (s *Spinner) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sb strings.Builder
	if message := strings.TrimSpace(s.message); message != "" {
		fmt.Fprintf(&sb, "%s ", message)
	}

	if s.stopped.IsZero() {
		sb.WriteString(spinnerParts[s.value])
		sb.WriteString(" ")
	}

	return sb.String()
}

func (s *Spinner) start() {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for range ticker.C {
		s.mu.Lock()
		s.value = (s.value + 1) % len(spinnerParts)
		stopped := !s.stopped.IsZero()
		s.mu.Unlock()

		if stopped {
			return
		}
	}
}

func (s *Spinner) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped.IsZero() {
		s.stopped = time.Now()
	}
}
