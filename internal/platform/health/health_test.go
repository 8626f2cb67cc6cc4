package health

import "testing"

func TestComponents(t *testing.T) {
	h := NewHealthHandler()
	if got := h.components(); len(got) != 0 {
		t.Fatalf("expected no components, got %v", got)
	}

	pending := 3
	h.AddProbe("scheduler", func() interface{} { return map[string]int{"pending": pending} })
	h.AddProbe("sessions", func() interface{} { return 1 })

	got := h.components()
	if len(got) != 2 {
		t.Fatalf("expected 2 components, got %d", len(got))
	}
	if got["sessions"] != 1 {
		t.Errorf("sessions = %v", got["sessions"])
	}

	// probe 每次請求時重新計算
	pending = 0
	if s := h.components()["scheduler"].(map[string]int); s["pending"] != 0 {
		t.Errorf("probe should be evaluated per request, got %v", s)
	}
}

func TestCheckSystemResources(t *testing.T) {
	status := NewHealthHandler().checkSystemResources()
	if status.Status != statusHealthy && status.Status != statusWarning {
		t.Errorf("unexpected status %q", status.Status)
	}
	if _, ok := status.Details["goroutines"]; !ok {
		t.Error("missing goroutines detail")
	}
}
