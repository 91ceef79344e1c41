package genai

import (
	"context"
	"sync"
)

// ScriptedGenerator is a Generator for tests. It returns queued responses
// in order, then repeats the last one. A non-nil Err is returned instead.
type ScriptedGenerator struct {
	mu        sync.Mutex
	responses []string
	calls     int

	// Err, when set, is returned by every Generate call.
	Err error

	// Prompts records each prompt received, for assertions.
	Prompts []string
}

// NewScriptedGenerator queues the given responses.
func NewScriptedGenerator(responses ...string) *ScriptedGenerator {
	return &ScriptedGenerator{responses: responses}
}

// Generate returns the next scripted response.
func (g *ScriptedGenerator) Generate(ctx context.Context, prompt string, _ ...Option) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.Prompts = append(g.Prompts, prompt)
	if g.Err != nil {
		return "", g.Err
	}
	if len(g.responses) == 0 {
		return "", nil
	}

	idx := g.calls
	if idx >= len(g.responses) {
		idx = len(g.responses) - 1
	}
	g.calls++
	return g.responses[idx], nil
}

// CallCount reports how many times Generate ran.
func (g *ScriptedGenerator) CallCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}
