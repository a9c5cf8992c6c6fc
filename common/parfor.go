package common

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// GetGrainSize returns a chunk size for ParallelFor that keeps every
// processor busy without making the chunks too small to be worth a
// goroutine, clamped to [minGrainSize, maxGrainSize].
func GetGrainSize(nSamples, minGrainSize, maxGrainSize int) int {
	procs := runtime.GOMAXPROCS(0)
	grainPerProc := nSamples / procs
	if grainPerProc < minGrainSize {
		return minGrainSize
	}
	if grainPerProc > maxGrainSize {
		return maxGrainSize
	}
	return grainPerProc
}

// ParallelFor evaluates f over [0, n) in parallel in chunks of the given
// grain size. f must be safe to call concurrently on disjoint ranges. The
// call returns once every chunk has completed; no ordering is guaranteed
// between chunks.
func ParallelFor(n, grain int, f func(start, end int)) {
	P := runtime.GOMAXPROCS(0)
	idx := uint64(0)
	var wg sync.WaitGroup
	wg.Add(P)
	for p := 0; p < P; p++ {
		go func() {
			defer wg.Done()
			for {
				start := int(atomic.AddUint64(&idx, uint64(grain))) - grain
				if start >= n {
					break
				}
				end := start + grain
				if end > n {
					end = n
				}
				f(start, end)
			}
		}()
	}
	wg.Wait()
}
