package worker

import "time"

// DefaultBaseInterval is the stagger step between backup workers.
const DefaultBaseInterval = time.Minute

// Delay computes the deterministic wait before this worker attempts a
// task. There is no coordination channel between workers; the schedule
// falls out of data every worker already has.
//
// The roster is rotated so the starting worker is taskID mod totalWorkers
// (different tasks start from different workers, spreading load). Workers
// whose rotated position lands within the first redundancy slots attempt
// immediately; every later position holds back one extra baseInterval, so
// backups trickle in one interval apart if the primaries stay silent.
func Delay(taskID uint64, redundancy uint32, workerIndex, totalWorkers int, baseInterval time.Duration) time.Duration {
	if totalWorkers <= 0 || workerIndex < 0 || workerIndex >= totalWorkers {
		return 0
	}
	start := int(taskID % uint64(totalWorkers))
	position := (workerIndex - start + totalWorkers) % totalWorkers
	if position < int(redundancy) {
		return 0
	}
	return time.Duration(position-int(redundancy)+1) * baseInterval
}
