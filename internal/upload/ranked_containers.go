package upload

import (
	"math/rand"
	"sync"
	"time"
)

// The bucketed, recency-weighted ranking below is adapted from the
// teacher's kusto/ingest/internal/resources.RankedStorageAccountSet, which
// ranks storage accounts by recent success rate so retries prefer
// healthier ones. Here it ranks containers (by SAS URL) within a single
// upload batch's lifetime instead of storage accounts across a client's
// lifetime, and is consulted only when a container needs to be skipped on
// retry — the steady-state path still goes through the plain round-robin
// containers.Rotation.
const (
	rankBuckets       = 6
	rankBucketSeconds = int64(10)
)

var rankTiers = [4]int{90, 70, 30, 0}

type rankBucket struct {
	successCount int
	totalCount   int
}

type rankedContainer struct {
	path         string
	buckets      []rankBucket
	currentIndex int
	hasLogged    bool
	lastBucketAt int64
}

func newRankedContainer(path string) *rankedContainer {
	return &rankedContainer{path: path, buckets: make([]rankBucket, rankBuckets)}
}

func (r *rankedContainer) logResult(now int64, success bool) {
	if !r.hasLogged {
		r.lastBucketAt = now
		r.hasLogged = true
	}

	elapsedBuckets := int((now - r.lastBucketAt) / rankBucketSeconds)
	if elapsedBuckets > 0 {
		if elapsedBuckets >= rankBuckets {
			for i := range r.buckets {
				r.buckets[i] = rankBucket{}
			}
			r.currentIndex = 0
		} else {
			for i := 0; i < elapsedBuckets; i++ {
				r.currentIndex = (r.currentIndex + 1) % rankBuckets
				r.buckets[r.currentIndex] = rankBucket{}
			}
		}
		r.lastBucketAt = now
	}

	r.buckets[r.currentIndex].totalCount++
	if success {
		r.buckets[r.currentIndex].successCount++
	}
}

// rank returns a weighted success ratio in [0,1], recent buckets counting
// more than older ones. A container with no recorded attempts ranks 1.0 so
// it's preferred until proven otherwise.
func (r *rankedContainer) rank() float64 {
	var weightedSuccess, weightedTotal float64
	for d := 0; d < rankBuckets; d++ {
		idx := ((r.currentIndex-d)%rankBuckets + rankBuckets) % rankBuckets
		weight := float64(rankBuckets - d)
		b := r.buckets[idx]
		weightedSuccess += weight * float64(b.successCount)
		weightedTotal += weight * float64(b.totalCount)
	}
	if weightedTotal == 0 {
		return 1.0
	}
	return weightedSuccess / weightedTotal
}

// rankedContainerSet tracks per-container health for one Uploader and
// orders candidates for retry: healthiest tier first, shuffled within a
// tier so a single client doesn't hammer one account.
type rankedContainerSet struct {
	mu           sync.Mutex
	containers   map[string]*rankedContainer
	timeProvider func() int64
}

func newRankedContainerSet(timeProvider func() int64) *rankedContainerSet {
	return &rankedContainerSet{containers: make(map[string]*rankedContainer), timeProvider: timeProvider}
}

func (s *rankedContainerSet) register(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.containers[path]; !ok {
		s.containers[path] = newRankedContainer(path)
	}
}

func (s *rankedContainerSet) recordResult(path string, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.containers[path]
	if !ok {
		c = newRankedContainer(path)
		s.containers[path] = c
	}
	c.logResult(s.timeProvider(), success)
}

// rankedShuffled returns every registered container path ordered by health
// tier (best first), shuffled within each tier.
func (s *rankedContainerSet) rankedShuffled() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	byTier := make([][]string, len(rankTiers))
	for path, c := range s.containers {
		pct := int(c.rank() * 100.0)
		for i, floor := range rankTiers {
			if pct >= floor {
				byTier[i] = append(byTier[i], path)
				break
			}
		}
	}

	for _, tier := range byTier {
		rand.Shuffle(len(tier), func(i, j int) { tier[i], tier[j] = tier[j], tier[i] })
	}

	var out []string
	for _, tier := range byTier {
		out = append(out, tier...)
	}
	return out
}

var realSeconds = func() int64 { return time.Now().Unix() }
