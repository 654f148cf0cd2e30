package store

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

//go:embed seed.yaml
var defaultSeed []byte

// DefaultSeed returns the built-in demo data set.
func DefaultSeed() Seed {
	var seed Seed
	if err := yaml.Unmarshal(defaultSeed, &seed); err != nil {
		panic(fmt.Sprintf("embedded seed is invalid: %v", err))
	}
	return seed
}
