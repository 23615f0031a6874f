package sticky

import "testing"

func TestSingleNodeFastPath(t *testing.T) {
	m := NewManager()
	m.Update("node-a", "10.0.0.1", 1.0, true)

	name, isLocal := m.IsLocal("some-sticky-source")
	if name != "node-a" || !isLocal {
		t.Errorf("IsLocal = (%q, %v), want (node-a, true)", name, isLocal)
	}
}

func TestEmptyManagerFallsBackToLocalhost(t *testing.T) {
	m := NewManager()
	name, isLocal := m.IsLocal("x")
	if name != "localhost" || !isLocal {
		t.Errorf("IsLocal on empty manager = (%q, %v)", name, isLocal)
	}
}

func TestDeterministicAcrossCalls(t *testing.T) {
	m := NewManager()
	m.Update("node-a", "10.0.0.1", 1.0, true)
	m.Update("node-b", "10.0.0.2", 1.0, false)
	m.Update("node-c", "10.0.0.3", 1.0, false)

	name1, _ := m.IsLocal("job-42")
	for i := 0; i < 20; i++ {
		name2, _ := m.IsLocal("job-42")
		if name1 != name2 {
			t.Fatalf("IsLocal not deterministic: %q vs %q", name1, name2)
		}
	}
}

func TestDifferentSourcesCanRouteDifferently(t *testing.T) {
	m := NewManager()
	m.Update("node-a", "10.0.0.1", 1.0, true)
	m.Update("node-b", "10.0.0.2", 1.0, false)
	m.Update("node-c", "10.0.0.3", 1.0, false)

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		name, _ := m.IsLocal(string(rune('a' + i)))
		seen[name] = true
	}
	if len(seen) < 2 {
		t.Errorf("expected rendezvous hashing to spread across nodes, saw only %v", seen)
	}
}

func TestRemove(t *testing.T) {
	m := NewManager()
	m.Update("node-a", "10.0.0.1", 1.0, true)
	m.Update("node-b", "10.0.0.2", 1.0, false)
	m.Remove("node-b")
	if m.Len() != 1 {
		t.Errorf("Len = %d, want 1 after Remove", m.Len())
	}
	name, isLocal := m.IsLocal("whatever")
	if name != "node-a" || !isLocal {
		t.Errorf("IsLocal after remove = (%q, %v)", name, isLocal)
	}
}

func TestOutOfRangeWeightFallsBackToDefault(t *testing.T) {
	for _, weight := range []float64{0, -1, 5e6} {
		n := newNode("10.0.0.1", weight, false)
		if n.negativeWeight != -1.0 {
			t.Errorf("newNode(weight=%g).negativeWeight = %g, want -1 (default)", weight, n.negativeWeight)
		}
	}
	if n := newNode("10.0.0.1", 1e6, false); n.negativeWeight != -1e6 {
		t.Errorf("newNode(weight=1e6).negativeWeight = %g, want -1e6 (upper bound is inclusive)", n.negativeWeight)
	}
}

func TestHigherWeightWinsMoreOften(t *testing.T) {
	m := NewManager()
	m.Update("heavy", "10.0.0.1", 100.0, false)
	m.Update("light", "10.0.0.2", 0.01, false)

	heavyWins := 0
	for i := 0; i < 200; i++ {
		name, _ := m.IsLocal(string(rune(i)) + "-src")
		if name == "heavy" {
			heavyWins++
		}
	}
	if heavyWins < 150 {
		t.Errorf("heavy node won only %d/200, expected it to dominate with weight 100 vs 0.01", heavyWins)
	}
}
