package config

import "testing"

func TestTriggerModeBits(t *testing.T) {
	cases := []struct {
		mode           int
		wantConnEdge   bool
		wantListenEdge bool
	}{
		{0, false, false},
		{1, true, false},
		{2, false, true},
		{3, true, true},
	}
	for _, c := range cases {
		cfg := Config{TriggerMode: c.mode}
		if got := cfg.ConnEdgeTriggered(); got != c.wantConnEdge {
			t.Errorf("mode=%d ConnEdgeTriggered = %v, want %v", c.mode, got, c.wantConnEdge)
		}
		if got := cfg.ListenEdgeTriggered(); got != c.wantListenEdge {
			t.Errorf("mode=%d ListenEdgeTriggered = %v, want %v", c.mode, got, c.wantListenEdge)
		}
	}
}
