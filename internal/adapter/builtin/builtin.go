package builtin

import (
	"fmt"

	"miesc/internal/adapter"
	"miesc/internal/registry"
)

// Config selects credentials and models for the adapters that need them.
type Config struct {
	// LLMAPIKey enables the llm-detector; empty leaves it registered but
	// unavailable (REQUIRES_CREDENTIAL).
	LLMAPIKey string

	// LLMModel overrides the default Gemini model.
	LLMModel string
}

// All returns the stock adapter set, one instance each, covering layers
// 1 through 9.
func All(cfg Config) []adapter.Adapter {
	return []adapter.Adapter{
		NewSlither(),
		NewAderyn(),
		NewEchidna(),
		NewMedusa(),
		NewMythril(),
		NewSMTChecker(),
		NewHalmos(),
		NewLLMDetector(cfg.LLMAPIKey, cfg.LLMModel),
		NewMLHeuristics(),
		NewCertoraLite(),
		NewEnsembleVoter(),
	}
}

// RegisterAll installs the stock adapter set into the registry. Called once
// at process startup, before the server or CLI accepts work.
func RegisterAll(reg *registry.Registry, cfg Config) error {
	for _, a := range All(cfg) {
		if err := reg.Register(a); err != nil {
			return fmt.Errorf("register %s: %w", a.Metadata().ID, err)
		}
	}
	return nil
}
