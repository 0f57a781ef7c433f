package registry

import (
	"context"
	"testing"
	"time"

	"github.com/openmined/portal/internal/blob"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThroughputWindow(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tp := newThroughput(4 * time.Second)
	tp.now = func() time.Time { return now }

	tp.add(1000)
	now = now.Add(2 * time.Second)
	tp.add(3000)
	tp.add(0)

	stats := tp.snapshot()
	assert.Equal(t, int64(4000), stats.TotalBytes)
	assert.InDelta(t, 1000.0, stats.BytesPerSecond, 0.001)

	// the first sample leaves the window, the total stays
	now = now.Add(3 * time.Second)
	stats = tp.snapshot()
	assert.Equal(t, int64(4000), stats.TotalBytes)
	assert.InDelta(t, 750.0, stats.BytesPerSecond, 0.001)

	now = now.Add(time.Minute)
	assert.Zero(t, tp.snapshot().BytesPerSecond)
}

func TestTransferStatsCountBytes(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "12345")
	writeFile(t, dir, "d/b.txt", "678")

	r := New(WithStore(blob.NewMemStore("stats")), WithLocalDir(dir))
	r.insert(seg("a.txt"), false)
	r.insert(seg("d/b.txt"), false)
	assert.Zero(t, r.TransferStats().TotalBytes)

	require.NoError(t, WaitAll(r.Sync(context.Background())))

	stats := r.TransferStats()
	assert.Equal(t, int64(8), stats.TotalBytes)
	assert.Greater(t, stats.BytesPerSecond, 0.0)
}
