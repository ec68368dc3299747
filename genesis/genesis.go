// Package genesis loads the network's genesis descriptor.
package genesis

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"
)

var ErrMissingField = errors.New("genesis field missing")

// Genesis describes the network a node joins.
type Genesis struct {
	NetworkName  string  `json:"network_name"`
	GenesisTime  uint64  `json:"genesis_time"`
	InitialQuest *string `json:"initial_quest,omitempty"`
}

// Load reads the Genesis from a JSON file.
func Load(path string) (*Genesis, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading genesis file: %w", err)
	}

	g, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing genesis %s: %w", path, err)
	}
	return g, nil
}

// Parse decodes the Genesis from JSON. The network name and genesis time are required.
func Parse(data []byte) (*Genesis, error) {
	var raw struct {
		NetworkName  *string `json:"network_name"`
		GenesisTime  *uint64 `json:"genesis_time"`
		InitialQuest *string `json:"initial_quest"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	switch {
	case raw.NetworkName == nil:
		return nil, fmt.Errorf("%w: network_name", ErrMissingField)
	case raw.GenesisTime == nil:
		return nil, fmt.Errorf("%w: genesis_time", ErrMissingField)
	}

	return &Genesis{
		NetworkName:  *raw.NetworkName,
		GenesisTime:  *raw.GenesisTime,
		InitialQuest: raw.InitialQuest,
	}, nil
}

// Time returns the genesis time.
func (g *Genesis) Time() time.Time {
	return time.Unix(int64(g.GenesisTime), 0).UTC()
}

// LogSummary logs the Genesis at info level.
func (g *Genesis) LogSummary(log *slog.Logger) {
	attrs := []any{"network", g.NetworkName, "genesis_time", g.GenesisTime, "genesis_at", g.Time()}
	if g.InitialQuest != nil {
		attrs = append(attrs, "initial_quest", *g.InitialQuest)
	}
	log.Info("genesis loaded", attrs...)
}
