package observability

import "testing"

func TestStageWindowSnapshot(t *testing.T) {
	w := NewStageWindow(8)
	w.Observe("tts_ready_to_first_chunk", 150)
	w.Observe("tts_ready_to_first_chunk", 250)
	w.Observe("tts_ready_to_first_chunk", 350)
	w.ObserveIndicator("rerecord_requested")
	w.ObserveIndicator("rerecord_requested")

	snap := w.Snapshot()
	if snap.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", snap.WindowSize)
	}
	if len(snap.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(snap.Stages))
	}
	s := snap.Stages[0]
	if s.Stage != "tts_ready_to_first_chunk" {
		t.Fatalf("Stage = %q, want %q", s.Stage, "tts_ready_to_first_chunk")
	}
	if s.Samples != 3 {
		t.Fatalf("Samples = %d, want 3", s.Samples)
	}
	if s.LastMS != 350 {
		t.Fatalf("LastMS = %.2f, want 350", s.LastMS)
	}
	if s.P50MS != 250 {
		t.Fatalf("P50MS = %.2f, want 250", s.P50MS)
	}
	if s.P95MS <= 250 || s.P95MS > 350 {
		t.Fatalf("P95MS = %.2f, want (250,350]", s.P95MS)
	}
	if s.TargetP95MS != 300 {
		t.Fatalf("TargetP95MS = %.2f, want 300", s.TargetP95MS)
	}
	if len(snap.Indicators) != 1 {
		t.Fatalf("len(Indicators) = %d, want 1", len(snap.Indicators))
	}
	if snap.Indicators[0].Name != "rerecord_requested" {
		t.Fatalf("Indicators[0].Name = %q, want %q", snap.Indicators[0].Name, "rerecord_requested")
	}
	if snap.Indicators[0].Count != 2 {
		t.Fatalf("Indicators[0].Count = %d, want %d", snap.Indicators[0].Count, 2)
	}
}
