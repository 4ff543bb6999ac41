package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/lifeline/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSchedule_Valid(t *testing.T) {
	sc, err := config.ParseSchedule([]byte(`
default_interval_ms: 60000
low_compute_multiplier: 4
entries:
  - name: heartbeat_ping
    schedule: "*/15 * * * *"
    task: heartbeat_ping
  - name: check_inbox
    schedule: 2m
    task: check_inbox
    enabled: false
    priority: 2
    tier_minimum: low_compute
    params:
      batch: 5
`))
	require.NoError(t, err)
	require.Len(t, sc.Entries, 2)
	assert.True(t, sc.Entries[0].IsEnabled(), "missing enabled defaults to true")
	assert.False(t, sc.Entries[1].IsEnabled())
	assert.Equal(t, "low_compute", sc.Entries[1].TierMinimum)
	assert.Equal(t, 5, sc.Entries[1].Params["batch"])
	assert.Equal(t, int64(60000), sc.DefaultIntervalMS)
	assert.Equal(t, 4.0, sc.LowComputeMultiplier)
}

func TestParseSchedule_Rejects(t *testing.T) {
	cases := map[string]string{
		"yaml":           "entries: [",
		"missing task":   "entries:\n  - name: a\n    schedule: 5m\n",
		"bad tier":       "entries:\n  - name: a\n    task: a\n    tier_minimum: rich\n",
		"negative":       "entries:\n  - name: a\n    task: a\n    timeout_seconds: -1\n",
		"duplicate":      "entries:\n  - name: a\n    task: a\n  - name: a\n    task: b\n",
		"too many tries": "entries:\n  - name: a\n    task: a\n    max_retries: 50\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := config.ParseSchedule([]byte(body))
			assert.Error(t, err)
		})
	}
}

func TestReadWriteSchedule(t *testing.T) {
	path := filepath.Join(t.TempDir(), "heartbeat.yaml")
	_, err := config.ReadSchedule(path)
	assert.True(t, errors.Is(err, os.ErrNotExist))

	enabled := true
	in := config.ScheduleConfig{
		DefaultIntervalMS:    300000,
		LowComputeMultiplier: 2,
		Entries:              []config.ScheduleEntry{{Name: "maintenance", Task: "maintenance", Schedule: "1h", Enabled: &enabled}},
	}
	require.NoError(t, config.WriteSchedule(path, in))
	out, err := config.ReadSchedule(path)
	require.NoError(t, err)
	assert.Equal(t, in.Entries[0].Name, out.Entries[0].Name)
	assert.Equal(t, in.DefaultIntervalMS, out.DefaultIntervalMS)
}
