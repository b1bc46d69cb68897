package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/web3guy0/ovlwatch/collateral"
	"github.com/web3guy0/ovlwatch/position"
	"github.com/web3guy0/ovlwatch/types"
)

var ErrEmptyWatchlist = errors.New("watch list has no positions")

// Amount is a decimal written as a plain YAML scalar. Quoting is optional.
type Amount struct {
	decimal.Decimal
}

func (a *Amount) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected a number", node.Line)
	}
	d, err := decimal.NewFromString(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %q is not a number", node.Line, node.Value)
	}
	a.Decimal = d
	return nil
}

type watchlistFile struct {
	Positions []watchlistPosition `yaml:"positions"`
}

type watchlistPosition struct {
	ID         uint64 `yaml:"id"`
	Label      string `yaml:"label"`
	Market     string `yaml:"market"`
	Feed       string `yaml:"feed"`
	IsLong     bool   `yaml:"is_long"`
	Leverage   Amount `yaml:"leverage"`
	Cost       Amount `yaml:"cost"`
	Debt       Amount `yaml:"debt"`
	OiShares   Amount `yaml:"oi_shares"`
	PriceEntry Amount `yaml:"price_entry"`
}

// LoadWatchlist reads the YAML watch list at path
func LoadWatchlist(path string) ([]types.WatchEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read watch list: %w", err)
	}
	return ParseWatchlist(data)
}

// ParseWatchlist decodes and validates a watch list document
func ParseWatchlist(data []byte) ([]types.WatchEntry, error) {
	var file watchlistFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse watch list: %w", err)
	}
	if len(file.Positions) == 0 {
		return nil, ErrEmptyWatchlist
	}

	seen := make(map[uint64]bool, len(file.Positions))
	entries := make([]types.WatchEntry, 0, len(file.Positions))
	for i, p := range file.Positions {
		if seen[p.ID] {
			return nil, fmt.Errorf("watch list entry %d: duplicate position id %d", i, p.ID)
		}
		seen[p.ID] = true

		market, err := collateral.ValidateAndParseAddress(p.Market)
		if err != nil {
			return nil, fmt.Errorf("watch list entry %d: market: %w", i, err)
		}
		feed, err := collateral.ValidateAndParseAddress(p.Feed)
		if err != nil {
			return nil, fmt.Errorf("watch list entry %d: feed: %w", i, err)
		}

		pos, err := position.New(position.Params{
			IsLong:     p.IsLong,
			Leverage:   p.Leverage.Decimal,
			Cost:       p.Cost.Decimal,
			Debt:       p.Debt.Decimal,
			OiShares:   p.OiShares.Decimal,
			PriceEntry: p.PriceEntry.Decimal,
		})
		if err != nil {
			return nil, fmt.Errorf("watch list entry %d: %w", i, err)
		}

		entries = append(entries, types.WatchEntry{
			ID:       p.ID,
			Label:    p.Label,
			Market:   market,
			Feed:     feed,
			Position: pos,
		})
	}
	return entries, nil
}
