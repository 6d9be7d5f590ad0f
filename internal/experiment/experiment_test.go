package experiment

import "testing"

func TestStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusPending, StatusCompleted, false},
		{StatusPending, StatusFailed, false},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusPending, false},
		{StatusCompleted, StatusPending, true},
		{StatusFailed, StatusPending, true},
		{StatusCompleted, StatusRunning, false},
		{StatusRunning, StatusRunning, false},
	}
	for _, c := range cases {
		if got := c.from.CanTransition(c.to); got != c.ok {
			t.Errorf("CanTransition(%s -> %s) = %v, want %v", c.from, c.to, got, c.ok)
		}
	}
}

func TestStatusTerminal(t *testing.T) {
	if StatusPending.Terminal() || StatusRunning.Terminal() {
		t.Fatalf("PENDING/RUNNING must not be terminal")
	}
	if !StatusCompleted.Terminal() || !StatusFailed.Terminal() {
		t.Fatalf("COMPLETED/FAILED must be terminal")
	}
}

func TestParamsInt(t *testing.T) {
	p := Params{"a": 3, "b": int64(4), "c": float64(5), "d": "x"}
	if got := p.Int("a", 0); got != 3 {
		t.Fatalf("int: got %d", got)
	}
	if got := p.Int("b", 0); got != 4 {
		t.Fatalf("int64: got %d", got)
	}
	if got := p.Int("c", 0); got != 5 {
		t.Fatalf("float64: got %d", got)
	}
	if got := p.Int("d", 7); got != 7 {
		t.Fatalf("non-numeric should fall back to default, got %d", got)
	}
	if got := p.Int("missing", 9); got != 9 {
		t.Fatalf("missing should fall back to default, got %d", got)
	}
}

func TestParamsClone(t *testing.T) {
	p := Params{"k": "v"}
	c := p.Clone()
	c["k"] = "changed"
	c["new"] = 1
	if p["k"] != "v" {
		t.Fatalf("clone must not alias the original map")
	}
	if _, ok := p["new"]; ok {
		t.Fatalf("clone must not alias the original map")
	}
}

func TestNewIDUnique(t *testing.T) {
	a, b := NewID(), NewID()
	if a == "" || a == b {
		t.Fatalf("expected distinct non-empty ids, got %q and %q", a, b)
	}
}
