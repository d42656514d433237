package manager

import "sort"

// evictionCandidate is the minimal view an EvictionPolicy needs of a
// cached task; manager.go adapts *task.DownloadTask into this so the
// policy stays decoupled from the task package.
type evictionCandidate struct {
	TaskKey        string
	SizeBytes      int64
	LastAccessTime int64 // unix millis
	ActiveSessions int32
}

// EvictionPolicy decides which cached tasks to remove to free targetBytes.
// It must never select a candidate with ActiveSessions > 0.
type EvictionPolicy interface {
	SelectForEviction(candidates []evictionCandidate, targetBytes int64, now int64, maxAgeMillis int64) []string
}

// SmartCachePolicy evicts in two passes: first everything older than
// maxAge regardless of size target, then strict least-recently-used
// order until targetBytes has been freed.
type SmartCachePolicy struct{}

func (SmartCachePolicy) SelectForEviction(candidates []evictionCandidate, targetBytes int64, now int64, maxAgeMillis int64) []string {
	var evictable []evictionCandidate
	for _, c := range candidates {
		if c.ActiveSessions > 0 {
			continue
		}
		evictable = append(evictable, c)
	}

	var selected []string
	var freed int64

	var stillFresh []evictionCandidate
	for _, c := range evictable {
		if maxAgeMillis > 0 && now-c.LastAccessTime > maxAgeMillis {
			selected = append(selected, c.TaskKey)
			freed += c.SizeBytes
		} else {
			stillFresh = append(stillFresh, c)
		}
	}

	if freed >= targetBytes {
		return selected
	}

	sort.Slice(stillFresh, func(i, j int) bool {
		return stillFresh[i].LastAccessTime < stillFresh[j].LastAccessTime
	})

	for _, c := range stillFresh {
		if freed >= targetBytes {
			break
		}
		selected = append(selected, c.TaskKey)
		freed += c.SizeBytes
	}

	return selected
}
