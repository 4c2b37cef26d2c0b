package config

import (
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/mihaimyh/scrapemeter/pkg/scrapemeter"
)

// TierFile is the on-disk tier table. Prices are in cents.
//
//	[[tiers]]
//	name = "starter"
//	monthly_allowance = 5000
//	monthly_price = 2900
//	features = ["API access"]
type TierFile struct {
	Tiers []scrapemeter.TierDefinition `toml:"tiers"`
}

// LoadTiers reads a TOML tier table. Order in the file is the display order.
func LoadTiers(path string) ([]scrapemeter.TierDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tiers file: %w", err)
	}

	var file TierFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode tiers file %s: %w", path, err)
	}
	if len(file.Tiers) == 0 {
		return nil, fmt.Errorf("tiers file %s defines no tiers", path)
	}

	// Reject what NewTierTable would reject, with the file name in the error.
	if _, err := scrapemeter.NewTierTable(file.Tiers); err != nil {
		return nil, fmt.Errorf("tiers file %s: %w", path, err)
	}
	return file.Tiers, nil
}

// WriteTiers writes defs as a TOML tier table
func WriteTiers(path string, defs []scrapemeter.TierDefinition) error {
	data, err := toml.Marshal(TierFile{Tiers: defs})
	if err != nil {
		return fmt.Errorf("encode tiers: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write tiers file: %w", err)
	}
	return nil
}
