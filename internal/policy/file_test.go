package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/rcl/internal/amount"
	"github.com/mbd888/rcl/internal/rules"
)

const yamlPolicy = `
R-CEIL:
  daily_limit: 250000
  action: hold-for-review
R-VEL:
  max_tx_per_hour: 20
`

func TestLoadFile_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yamlPolicy), 0o600))

	d, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, d, 2)

	m := NewManager(NewMemoryStore())
	p, err := m.Load(context.Background(), d)
	require.NoError(t, err)
	ceil, ok := p.Rule("R-CEIL")
	require.True(t, ok)
	assert.Equal(t, rules.Ceiling{DailyLimit: amount.FromUnits(250000), Action: rules.HoldForReview}, ceil)
	_, ok = p.Rule("R-COHORT")
	assert.False(t, ok, "a seed file replaces the defaults")
}

func TestLoadFile_JSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"R-COHORT": {"block_threshold": 10, "hold_threshold": 5}}`), 0o600))

	d, err := LoadFile(path)
	require.NoError(t, err)
	assert.Contains(t, d, "R-COHORT")
}

func TestLoadFile_Errors(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("- just\n- a list\n"), 0o600))
	_, err = LoadFile(path)
	assert.Error(t, err)
}

func TestFileWatcher_AppliesChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yamlPolicy), 0o600))

	m := NewManager(NewMemoryStore())
	_, err := m.Load(context.Background(), nil)
	require.NoError(t, err)

	w := NewFileWatcher(path, m, nil)
	w.debounce = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- w.Watch(ctx) }()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("R-CEIL:\n  daily_limit: 42\n"), 0o600))

	require.Eventually(t, func() bool {
		r, ok := m.Snapshot().Rule("R-CEIL")
		return ok && r.(rules.Ceiling).DailyLimit == amount.FromUnits(42)
	}, 3*time.Second, 20*time.Millisecond)

	// An invalid edit is ignored.
	version := m.Snapshot().Version
	require.NoError(t, os.WriteFile(path, []byte("R-CEIL:\n  daily_limit: -1\n"), 0o600))
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, version, m.Snapshot().Version)

	cancel()
	assert.NoError(t, <-errCh)
}
