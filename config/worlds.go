package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const DefaultWorldsPath = "config/worlds.yml"

// WorldConfig describes one world hosted by the process. Every world owns an
// isolated ledger. Zero limits inherit the market section of the main config.
type WorldConfig struct {
	Name              string `yaml:"name"`
	SellSlots         int    `yaml:"sell_slots"`
	BuySlots          int    `yaml:"buy_slots"`
	MaxActive         int    `yaml:"max_active"`
	StartBalance      int64  `yaml:"start_balance"`
	InventoryCapacity int64  `yaml:"inventory_capacity"`
}

// Market returns base with the overrides of w applied.
func (w WorldConfig) Market(base MarketConfig) MarketConfig {
	if w.SellSlots > 0 {
		base.SellSlots = w.SellSlots
	}
	if w.BuySlots > 0 {
		base.BuySlots = w.BuySlots
	}
	if w.MaxActive > 0 {
		base.MaxActive = w.MaxActive
	}
	return base
}

// Worlds represents the full world configuration.
type Worlds struct {
	Worlds []WorldConfig `yaml:"worlds"`
}

// LoadWorlds loads the world list from the given path.
func LoadWorlds(path string) (*Worlds, error) {
	path = resolvePath(path, DefaultWorldsPath, CurrentEnvironment())
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read worlds file: %w", err)
	}
	var cfg Worlds
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse worlds file: %w", err)
	}
	if len(cfg.Worlds) == 0 {
		return nil, fmt.Errorf("worlds file %s lists no worlds", path)
	}
	seen := make(map[string]bool, len(cfg.Worlds))
	for i, w := range cfg.Worlds {
		if w.Name == "" {
			return nil, fmt.Errorf("worlds[%d].name is required", i)
		}
		if seen[w.Name] {
			return nil, fmt.Errorf("world %q is listed twice", w.Name)
		}
		seen[w.Name] = true
	}
	return &cfg, nil
}
