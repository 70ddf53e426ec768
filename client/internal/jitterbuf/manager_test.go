package jitterbuf_test

import (
	"testing"
	"time"

	"nearcast/client/internal/jitterbuf"
	"nearcast/internal/playerstate"
)

func TestManagerPushCreatesPipelinePerSender(t *testing.T) {
	m := jitterbuf.NewManager(48000, jitterbuf.DefaultTunables(), nil, true)
	now := time.Now()
	coord := playerstate.Coordinate{}

	if err := m.Push("alice", 0, []byte{1}, &coord, now); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := m.Push("bob", 0, []byte{2}, nil, now); err != nil {
		t.Fatalf("Push: %v", err)
	}

	report := m.Report()
	if _, ok := report["alice"]; !ok {
		t.Fatal("expected a pipeline report for alice")
	}
	if _, ok := report["bob"]; !ok {
		t.Fatal("expected a pipeline report for bob")
	}
}

func TestManagerMixNeverBlocksWithNoPipelines(t *testing.T) {
	m := jitterbuf.NewManager(48000, jitterbuf.DefaultTunables(), nil, true)
	l, r := m.Mix()
	if l != 0 || r != 0 {
		t.Fatalf("Mix() with no pipelines = %d,%d want 0,0", l, r)
	}
}
