package progress

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"
)

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.String()
}

type mockState struct {
	value string
}

func (m *mockState) String() string {
	return m.value
}

func TestProgressStop(t *testing.T) {
	var buf syncBuffer
	p := NewProgress(&buf)
	p.Add(&mockState{value: "state1"})
	p.Add(&mockState{value: "state2"})

	if !p.Stop() {
		t.Error("expected the first Stop to report stopping")
	}

	if p.Stop() {
		t.Error("expected a second Stop to be a no-op")
	}

	out := buf.String()
	if !strings.Contains(out, "state1") || !strings.Contains(out, "state2") {
		t.Errorf("expected the final render to include every state, got %q", out)
	}

	if !strings.HasSuffix(out, "\033[?25h") {
		t.Errorf("expected the cursor to be shown, got %q", out)
	}
}

func TestProgressStopAndClear(t *testing.T) {
	var buf syncBuffer
	p := NewProgress(&buf)
	p.Add(&mockState{value: "loading"})
	time.Sleep(150 * time.Millisecond)

	if !p.StopAndClear() {
		t.Error("expected StopAndClear to report stopping")
	}

	if out := buf.String(); !strings.Contains(out, "\033[2K") {
		t.Errorf("expected the line to be cleared, got %q", out)
	}
}

func TestSpinner(t *testing.T) {
	s := NewSpinner("loading model")
	if got := s.String(); !strings.HasPrefix(got, "loading model ") || len(got) == len("loading model ") {
		t.Errorf("expected a spinner frame, got %q", got)
	}

	s.Stop()
	if got := s.String(); got != "loading model " {
		t.Errorf("expected no frame after Stop, got %q", got)
	}
}

func TestStepBar(t *testing.T) {
	cases := []struct {
		current, total int
		percent, count string
		filled         int
	}{
		{0, 32, "  0%", "0/32", 0},
		{8, 32, " 25%", "8/32", 10},
		{40, 32, "100%", "32/32", 40},
		{0, 0, "  0%", "0/0", 0},
	}

	for _, tt := range cases {
		s := NewStepBar("translating", tt.total)
		s.Set(tt.current)

		got := s.String()
		if !strings.HasPrefix(got, "translating "+tt.percent) || !strings.HasSuffix(got, " "+tt.count) {
			t.Errorf("unexpected bar %q", got)
		}

		if n := strings.Count(got, "█"); n != tt.filled {
			t.Errorf("%q: %d filled cells, want %d", got, n, tt.filled)
		}
	}
}
