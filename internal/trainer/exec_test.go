package trainer

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadProgress(t *testing.T) {
	dir := t.TempDir()

	_, ok := readProgress(dir)
	assert.False(t, ok, "missing file reports no update")

	path := filepath.Join(dir, progressFileName)
	require.NoError(t, os.WriteFile(path, []byte(`{"epoch": 3, "total_epochs": 10}`), 0o644))
	p, ok := readProgress(dir)
	require.True(t, ok)
	assert.Equal(t, 3, p.Epoch)
	assert.Equal(t, 10, p.TotalEpochs)

	// A partially written file is skipped until the next poll.
	require.NoError(t, os.WriteFile(path, []byte(`{"epoch":`), 0o644))
	_, ok = readProgress(dir)
	assert.False(t, ok)
}

func TestWatchProgressReportsEpochs(t *testing.T) {
	orig := progressPollInterval
	progressPollInterval = 5 * time.Millisecond
	t.Cleanup(func() { progressPollInterval = orig })

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, progressFileName), []byte(`{"epoch": 2}`), 0o644))

	var mu sync.Mutex
	var epochs, totals []int
	stop := watchProgress(dir, 8, func(epoch, total int) {
		mu.Lock()
		epochs = append(epochs, epoch)
		totals = append(totals, total)
		mu.Unlock()
	})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(epochs) > 0
	}, time.Second, time.Millisecond)
	stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, epochs[0])
	// A file without total_epochs falls back to the configured epoch count.
	assert.Equal(t, 8, totals[0])
}

func TestWatchProgressWithoutCallback(t *testing.T) {
	stop := watchProgress(t.TempDir(), 5, nil)
	stop()
}
