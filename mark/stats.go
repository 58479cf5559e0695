package mark

import "time"

type cycleStats struct {
	cycles           int
	overflowRestarts int
	cycleStart       time.Time
	markTime         time.Duration
	remarkTime       time.Duration
	totalTime        time.Duration
}

// TaskStats is a snapshot of one marking worker's counters.
type TaskStats struct {
	WorkerID        int
	Calls           int
	WordsScanned    int64
	RefsReached     int64
	Steals          int64
	SATBRefs        int64
	Elapsed         time.Duration
	TerminationTime time.Duration
}

// Stats is a snapshot of the engine's accumulated timing and work
// counters. Take it while the engine is idle; the per-task counters are
// owned by the workers while a phase runs.
type Stats struct {
	Cycles           int
	OverflowRestarts int
	MarkTime         time.Duration
	RemarkTime       time.Duration
	TotalTime        time.Duration
	Tasks            []TaskStats
}

// Stats returns a snapshot of the engine counters.
func (cm *ConcurrentMark) Stats() Stats {
	s := Stats{
		Cycles:           cm.stats.cycles,
		OverflowRestarts: cm.stats.overflowRestarts,
		MarkTime:         cm.stats.markTime,
		RemarkTime:       cm.stats.remarkTime,
		TotalTime:        cm.stats.totalTime,
	}
	for _, t := range cm.tasks {
		s.Tasks = append(s.Tasks, TaskStats{
			WorkerID:        t.workerID,
			Calls:           t.calls,
			WordsScanned:    t.wordsScanned,
			RefsReached:     t.refsReached,
			Steals:          t.steals,
			SATBRefs:        t.satbRefs,
			Elapsed:         t.elapsed,
			TerminationTime: t.terminationTime,
		})
	}
	return s
}
