package registry

import (
	"sync"
	"time"
)

const throughputWindow = 5 * time.Second

// TransferStats summarizes the content moved by Sync and Download.
type TransferStats struct {
	TotalBytes     int64   `json:"totalBytes"`
	BytesPerSecond float64 `json:"bytesPerSecond"`
}

type sample struct {
	at    time.Time
	bytes int64
}

// throughput keeps the byte total and the completed transfers of the last
// window. The rate is averaged over the whole window.
type throughput struct {
	mu      sync.Mutex
	window  time.Duration
	total   int64
	samples []sample
	now     func() time.Time
}

func newThroughput(window time.Duration) *throughput {
	return &throughput{window: window, now: time.Now}
}

func (t *throughput) add(n int64) {
	if n <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.total += n
	t.samples = append(t.samples, sample{at: now, bytes: n})
	t.prune(now)
}

// prune drops samples older than the window. Caller holds t.mu.
func (t *throughput) prune(now time.Time) {
	cutoff := now.Add(-t.window)
	i := 0
	for i < len(t.samples) && !t.samples[i].at.After(cutoff) {
		i++
	}
	t.samples = t.samples[i:]
}

func (t *throughput) snapshot() TransferStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.prune(t.now())
	var recent int64
	for _, s := range t.samples {
		recent += s.bytes
	}
	return TransferStats{
		TotalBytes:     t.total,
		BytesPerSecond: float64(recent) / t.window.Seconds(),
	}
}

// TransferStats returns the bytes moved since the registry was created and the
// recent transfer rate.
func (r *Registry) TransferStats() TransferStats {
	return r.throughput.snapshot()
}
