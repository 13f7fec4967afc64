package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		components map[string]bool
		want       string
	}{
		{name: "no components", components: nil, want: StatusHealthy},
		{name: "all healthy", components: map[string]bool{"storage": true, "agents": true}, want: StatusHealthy},
		{name: "one unhealthy", components: map[string]bool{"storage": true, "scheduler": false}, want: StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthChecker("storage")
			h.SetVersion("1.2.3")
			for name, ok := range tt.components {
				h.SetComponent(name, ok, "broken")
			}

			status := h.Health()
			assert.Equal(t, tt.want, status.Status)
			assert.Equal(t, "1.2.3", status.Version)
			assert.Len(t, status.Components, len(tt.components))
		})
	}
}

func TestReadiness(t *testing.T) {
	h := NewHealthChecker("storage", "agents")

	r := h.Readiness()
	assert.Equal(t, StatusNotReady, r.Status)
	assert.Equal(t, "not registered", r.Components["agents"])

	h.SetComponent("storage", true, "")
	h.SetComponent("agents", false, "0 of 3 agents started")
	r = h.Readiness()
	assert.Equal(t, StatusNotReady, r.Status)
	assert.Equal(t, "waiting for agents", r.Message)
	assert.Equal(t, "not ready: 0 of 3 agents started", r.Components["agents"])

	h.SetComponent("agents", true, "")
	h.SetComponent("redis", false, "down")
	r = h.Readiness()
	assert.Equal(t, StatusReady, r.Status, "non-critical components do not affect readiness")
}

func TestDefaultChecker(t *testing.T) {
	assert.Same(t, Default(), Default())
}
