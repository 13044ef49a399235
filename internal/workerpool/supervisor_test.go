package workerpool

import (
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dispatchd/dispatchd/internal/task/store"
)

func TestCheckTimeoutBounds(t *testing.T) {
	cases := []struct {
		name     string
		interval time.Duration
		agent    time.Duration
		want     time.Duration
	}{
		{"interval under agent timeout", 2 * time.Minute, 10 * time.Minute, 2 * time.Minute},
		{"agent timeout caps long interval", 30 * time.Minute, 10 * time.Minute, 10 * time.Minute},
		{"no agent timeout configured", 2 * time.Minute, 0, 2 * time.Minute},
		{"default interval when unset", 0, 0, 5 * time.Minute},
		{"agent timeout caps the default", 0, time.Minute, time.Minute},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := &Supervisor{checkInterval: tc.interval, agentTimeout: tc.agent}
			assert.Equal(t, tc.want, s.checkTimeout())
		})
	}
}

func TestStartSupervisorCarriesAgentTimeout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("POSIX test scripts")
	}
	f := newPoolFixture(t, writeScript(t, "echo ok\n"))
	f.pool.agentTimeout = time.Minute

	task, err := f.tasks.CreateTask("capped", "p", store.CreateOptions{CheckInterval: 3600})
	require.NoError(t, err)
	require.NoError(t, f.pool.StartSupervisor(task.ID))
	defer f.pool.StopTask(task.ID)

	s := f.pool.GetSupervisor(task.ID)
	require.NotNil(t, s)
	assert.Equal(t, time.Hour, s.checkInterval)
	assert.Equal(t, time.Minute, s.checkTimeout())
}
