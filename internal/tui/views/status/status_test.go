package status

import (
	"strings"
	"testing"
)

func TestPulseMovesWhileConnecting(t *testing.T) {
	m := New()
	m.Status = "connecting"

	m.Tick()
	first := m.pos
	if first <= 0 {
		t.Fatalf("pulse did not move: pos = %v", first)
	}

	reached := false
	for i := 0; i < 10*FPS; i++ {
		m.Tick()
		if m.target == 0 {
			reached = true
			break
		}
	}
	if !reached {
		t.Error("pulse never turned around")
	}
}

func TestPulseResetsWhenConnected(t *testing.T) {
	m := New()
	m.Status = "connecting"
	for i := 0; i < 5; i++ {
		m.Tick()
	}
	m.Status = "connected"
	m.Tick()
	if m.pos != 0 || m.vel != 0 || m.target != 1 {
		t.Errorf("pulse not reset: pos=%v vel=%v target=%v", m.pos, m.vel, m.target)
	}
}

func TestView(t *testing.T) {
	m := New()
	m.Status = "disconnected"
	m.Err = "connection failed"
	m.Instances = 12
	m.TwoWay = true
	m.Width = 100

	v := m.View()
	for _, want := range []string{"disconnected", "connection failed", "12 instances", "two-way"} {
		if !strings.Contains(v, want) {
			t.Errorf("view missing %q:\n%s", want, v)
		}
	}
}
