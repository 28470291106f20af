package progress

import (
	"fmt"
	"strings"
	"sync/atomic"
)

const stepBarWidth = 40

// StepBar displays step-based progress, e.g. layers translated.
type StepBar struct {
	message string
	current atomic.Int64
	total   int
}

func NewStepBar(message string, total int) *StepBar {
	return &StepBar{message: message, total: total}
}

func (s *StepBar) Set(current int) {
	s.current.Store(int64(min(current, s.total)))
}

func (s *StepBar) String() string {
	current := int(s.current.Load())

	var percent float64
	filled := 0
	if s.total > 0 {
		percent = float64(current) / float64(s.total) * 100
		filled = current * stepBarWidth / s.total
	}

	// "translating  25% ▕██████████                              ▏ 8/32"
	return fmt.Sprintf("%s %3.0f%% ▕%s%s▏ %d/%d",
		s.message, percent,
		strings.Repeat("█", filled), strings.Repeat(" ", stepBarWidth-filled),
		current, s.total)
}
