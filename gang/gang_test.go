package gang

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestRunFansOut(t *testing.T) {
	g := New("test", 4, nil)
	var seen [4]atomic.Bool
	g.Run("fan-out", 4, func(worker int) {
		seen[worker].Store(true)
	})
	for i := range seen {
		if !seen[i].Load() {
			t.Errorf("worker %d never ran", i)
		}
	}
}

func TestRunClampsWorkers(t *testing.T) {
	g := New("test", 2, nil)
	var n atomic.Int32
	g.Run("clamped", 8, func(worker int) {
		if worker >= 2 {
			t.Errorf("worker id %d outside gang size", worker)
		}
		n.Add(1)
	})
	if n.Load() != 2 {
		t.Errorf("got %d workers, want 2", n.Load())
	}
}

func TestYield(t *testing.T) {
	var mu sync.Mutex
	yields := 0
	g := New("test", 1, func() {
		mu.Lock()
		yields++
		mu.Unlock()
	})
	g.Run("yielding", 1, func(worker int) {
		g.Yield()
		g.Yield()
	})
	if yields != 2 {
		t.Errorf("got %d yields, want 2", yields)
	}

	// A gang without a yield capability just keeps going.
	New("noyield", 1, nil).Yield()
}
