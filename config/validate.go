package config

import (
	"fmt"
	"strings"
)

var supportedFamilies = map[string]struct{}{
	"utxo":   {},
	"evm":    {},
	"solana": {},
}

// Validate rejects configurations the service cannot safely run with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("database: unsupported driver %q", c.Database.Driver)
	}
	if len(c.Chains) == 0 {
		return fmt.Errorf("chains: at least one chain required")
	}
	seen := make(map[string]struct{}, len(c.Chains))
	for i, chain := range c.Chains {
		id := strings.TrimSpace(chain.ID)
		if id == "" {
			return fmt.Errorf("chains[%d]: ID required", i)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("chains[%d]: duplicate chain %q", i, id)
		}
		seen[id] = struct{}{}
		if _, ok := supportedFamilies[chain.Family]; !ok {
			return fmt.Errorf("chains[%d]: unsupported family %q", i, chain.Family)
		}
		if strings.TrimSpace(chain.Endpoint) == "" {
			return fmt.Errorf("chains[%d]: Endpoint required", i)
		}
		if chain.RequiredConfirmations == 0 {
			return fmt.Errorf("chains[%d]: RequiredConfirmations must be positive", i)
		}
		if chain.Family == "evm" && chain.EVMChainID <= 0 {
			return fmt.Errorf("chains[%d]: EVMChainID required for evm chains", i)
		}
	}
	if c.Monitor.AmountTolerance >= 10000 {
		return fmt.Errorf("monitor: AmountTolerance must be below 10000 basis points")
	}
	if c.Escrow.FeeBps >= 10000 {
		return fmt.Errorf("escrow: FeeBps must be below 10000 basis points")
	}
	for group, limit := range c.RateLimit {
		if limit.RequestsPerMinute <= 0 {
			return fmt.Errorf("ratelimit[%s]: RequestsPerMinute must be positive", group)
		}
	}
	return nil
}
