package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/voicepipe/agent-gateway/internal/health"
)

func TestReadinessTracksExplicitConfig(t *testing.T) {
	// t.Setenv mutates process env, so no t.Parallel here.
	for _, key := range []string{"STT_URL", "OLLAMA_URL", "OPENAI_API_KEY", "MURF_API_KEY", "PIPER_URL"} {
		t.Setenv(key, "")
	}

	rep := buildReporter(loadConfig()).Report()
	assert.Equal(t, health.StatusDown, rep.Status, "defaulted URLs do not count as configured")
	assert.Equal(t, []string{"STT_URL", "OLLAMA_URL", "MURF_API_KEY"}, rep.Missing)

	t.Setenv("STT_URL", "http://localhost:8178")
	t.Setenv("OLLAMA_URL", "http://localhost:11434")
	rep = buildReporter(loadConfig()).Report()
	assert.Equal(t, health.StatusDegraded, rep.Status)
	assert.Equal(t, []string{"MURF_API_KEY"}, rep.Missing)

	t.Setenv("MURF_API_KEY", "key")
	rep = buildReporter(loadConfig()).Report()
	assert.Equal(t, health.StatusHealthy, rep.Status)
	assert.Empty(t, rep.Missing)
}
