// Command markbench builds a synthetic object graph and runs concurrent
// marking cycles over it, reporting per-phase times and liveness. It is the
// quickest way to watch the engine work and to size the mark stack for a
// given graph shape.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/inhies/go-bytesize"

	"github.com/tinygc/tinygc/gang"
	"github.com/tinygc/tinygc/heap"
	"github.com/tinygc/tinygc/mark"
)

func main() {
	var (
		configPath = flag.String("config", "", "engine config file (YAML)")
		heapSize   = flag.String("heap", "64MB", "heap size")
		regionSize = flag.String("region", "1MB", "region size")
		workers    = flag.Int("workers", 4, "concurrent marking workers")
		objects    = flag.Int("objects", 200000, "objects in the graph")
		fanout     = flag.Int("fanout", 4, "references per object")
		garbage    = flag.Int("garbage", 10, "percent of objects kept unreachable")
		cycles     = flag.Int("cycles", 3, "marking cycles to run")
		trace      = flag.Bool("trace", false, "per-worker trace output")
	)
	flag.Parse()

	if err := run(*configPath, *heapSize, *regionSize, *workers, *objects, *fanout, *garbage, *cycles, *trace); err != nil {
		fmt.Fprintln(os.Stderr, "markbench:", err)
		os.Exit(1)
	}
}

func run(configPath, heapSize, regionSize string, workers, objects, fanout, garbage, cycles int, trace bool) error {
	cfg := mark.DefaultConfig()
	if configPath != "" {
		var err error
		cfg, err = mark.LoadConfig(configPath)
		if err != nil {
			return err
		}
	}
	cfg.ConcGCThreads = workers
	cfg.Trace = cfg.Trace || trace

	heapBytes, err := bytesize.Parse(heapSize)
	if err != nil {
		return fmt.Errorf("heap size: %w", err)
	}
	regionBytes, err := bytesize.Parse(regionSize)
	if err != nil {
		return fmt.Errorf("region size: %w", err)
	}
	h, err := heap.New(uintptr(heapBytes)/heap.WordBytes, uintptr(regionBytes)/heap.WordBytes)
	if err != nil {
		return err
	}
	defer h.Release()

	roots, err := buildGraph(h, objects, fanout, garbage)
	if err != nil {
		return err
	}

	cm, err := mark.New(h, cfg, gang.New("markbench", workers, nil))
	if err != nil {
		return err
	}
	defer cm.Shutdown()

	for i := 0; i < cycles; i++ {
		reclaimed := cm.RunCycle(roots, false)
		live := uintptr(0)
		for r := 0; r < h.NumRegions(); r++ {
			live += h.Region(r).LiveWords
		}
		fmt.Printf("cycle %d: live %s, %d regions reclaimable\n",
			i+1, bytesize.New(float64(live*heap.WordBytes)), len(reclaimed))
	}

	s := cm.Stats()
	fmt.Printf("%d cycles in %v (mark %v, remark %v), %d overflow restarts\n",
		s.Cycles, s.TotalTime, s.MarkTime, s.RemarkTime, s.OverflowRestarts)
	for _, t := range s.Tasks {
		fmt.Printf("  worker %d: %d refs, %d words, %d steals, %d satb refs\n",
			t.WorkerID, t.RefsReached, t.WordsScanned, t.Steals, t.SATBRefs)
	}
	return nil
}

// buildGraph links objects into a connected graph with the requested
// fanout, leaving a slice of them unreachable as garbage. Deterministic so
// repeated runs mark the same heap.
func buildGraph(h *heap.Heap, objects, fanout, garbagePercent int) ([]uintptr, error) {
	objs := make([]uintptr, 0, objects)
	seed := uint64(1)
	next := func(n int) int {
		seed ^= seed << 13
		seed ^= seed >> 7
		seed ^= seed << 17
		return int(seed % uint64(n))
	}
	garbageEvery := 0
	if garbagePercent > 0 {
		garbageEvery = 100 / garbagePercent
	}
	for i := 0; i < objects; i++ {
		obj, err := h.AllocObject(fanout)
		if err != nil {
			return nil, err
		}
		if fanout > 0 && len(objs) > 0 {
			// Chain to the previous kept object so the last object
			// reaches every kept one; the rest of the slots go to random
			// earlier objects.
			h.SetRef(obj, 0, objs[len(objs)-1])
			for s := 1; s < fanout; s++ {
				h.SetRef(obj, s, objs[next(len(objs))])
			}
		}
		if garbageEvery == 0 || i == 0 || (i+1)%garbageEvery != 0 {
			objs = append(objs, obj)
		}
	}
	return objs[len(objs)-1:], nil
}
