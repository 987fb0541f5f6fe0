package strategy

import "github.com/affretia/backend/internal/domain/scoring"

// NewRegistryWithDefaults registers the built-in ladders and makes the
// three-tier ladder the default
func NewRegistryWithDefaults() (*Registry, error) {
	r := NewRegistry()

	ladder := scoring.NewThreeTierLadder()
	if err := r.Register(ladder); err != nil {
		return nil, err
	}
	if err := r.Register(scoring.NewEstimateOnly()); err != nil {
		return nil, err
	}
	if err := r.SetDefault(ladder.Name()); err != nil {
		return nil, err
	}
	return r, nil
}

// Resolve builds the default registry and returns the strategy selected by
// configuration. An unknown name is an error rather than a silent fallback.
func Resolve(name string) (scoring.CounterOfferStrategy, error) {
	r, err := NewRegistryWithDefaults()
	if err != nil {
		return nil, err
	}
	return r.Get(name)
}
