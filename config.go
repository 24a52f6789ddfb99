/*
Copyright © 2026 the MBG authors.
This file is part of MBG.

MBG is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

MBG is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with MBG.  If not, see <http://www.gnu.org/licenses/>.
*/

package mbg

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spatialmodel/mbg/aggregate"
)

// Config holds the configuration for a model run.
type Config struct {
	Draws int    // Number of posterior draws
	Seed  uint64 // Random number seed for posterior draws and cross-validation folds

	// Link is the inverse link function applied to the linear predictor:
	// identity, logit, log, probit, or an expression in x, for example
	// "exp(x) / (1 + exp(x))".
	Link string

	Stacking  bool     // Whether to fit submodels and use their predictions as covariates
	Submodels []string // Names of the submodels to stack
	Folds     int      // Number of cross-validation folds for stacking

	PopulationWeighted bool    // Whether to weight cells by population when aggregating
	LowerQuantile      float64 // Lower bound of the uncertainty interval
	UpperQuantile      float64 // Upper bound of the uncertainty interval

	// ZeroWeightPolicy specifies what to do with groups with zero total
	// population: uniform, missing, or error.
	ZeroWeightPolicy string

	Method      string // Aggregation method: mean or sum
	SkipMissing bool   // Whether to skip cells with missing draws when aggregating

	// Levels are the aggregation levels. Each level groups the polygons
	// in the aggregation table by the values of its fields.
	Levels []aggregate.Level
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	a := aggregate.DefaultConfig()
	return &Config{
		Draws:              1000,
		Seed:               1,
		Link:               "logit",
		Submodels:          []string{"linear"},
		Folds:              5,
		PopulationWeighted: a.PopulationWeighted,
		LowerQuantile:      a.LowerQuantile,
		UpperQuantile:      a.UpperQuantile,
		ZeroWeightPolicy:   a.ZeroWeight.String(),
		Method:             a.Method.String(),
	}
}

// LoadConfig reads a TOML configuration, starting from the default
// configuration. Unrecognized keys are an error.
func LoadConfig(r io.Reader) (*Config, error) {
	c := DefaultConfig()
	md, err := toml.DecodeReader(r, c)
	if err != nil {
		return nil, fmt.Errorf("mbg: reading configuration: %v: %w", err, ErrConfig)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		sort.Strings(keys)
		return nil, fmt.Errorf("mbg: unrecognized configuration keys %s: %w", strings.Join(keys, ", "), ErrConfig)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks the configuration for invalid values and combinations.
func (c *Config) Validate() error {
	if c.Draws <= 0 {
		return fmt.Errorf("mbg: Draws=%d but should be >0: %w", c.Draws, ErrConfig)
	}
	if _, err := ParseLink(c.Link); err != nil {
		return fmt.Errorf("mbg: %v: %w", err, ErrConfig)
	}
	if c.Stacking {
		if len(c.Submodels) == 0 {
			return fmt.Errorf("mbg: Stacking is enabled but no Submodels are specified: %w", ErrConfig)
		}
		if c.Folds < 2 {
			return fmt.Errorf("mbg: Folds=%d but should be >=2 when Stacking is enabled: %w", c.Folds, ErrConfig)
		}
		for _, name := range c.Submodels {
			if _, err := NewSubmodel(name); err != nil {
				return fmt.Errorf("mbg: %v: %w", err, ErrConfig)
			}
		}
	}
	if _, err := c.AggregateConfig(); err != nil {
		return err
	}
	seen := make(map[string]bool)
	for i, l := range c.Levels {
		if l.Name == "" {
			return fmt.Errorf("mbg: aggregation level %d has no name: %w", i, ErrConfig)
		}
		if seen[l.Name] {
			return fmt.Errorf("mbg: duplicate aggregation level %q: %w", l.Name, ErrConfig)
		}
		seen[l.Name] = true
	}
	return nil
}

// AggregateConfig returns the aggregation configuration.
func (c *Config) AggregateConfig() (aggregate.Config, error) {
	policy, err := aggregate.ParsePolicy(c.ZeroWeightPolicy)
	if err != nil {
		return aggregate.Config{}, fmt.Errorf("mbg: %v: %w", err, ErrConfig)
	}
	method, err := aggregate.ParseMethod(c.Method)
	if err != nil {
		return aggregate.Config{}, fmt.Errorf("mbg: %v: %w", err, ErrConfig)
	}
	a := aggregate.Config{
		PopulationWeighted: c.PopulationWeighted,
		LowerQuantile:      c.LowerQuantile,
		UpperQuantile:      c.UpperQuantile,
		ZeroWeight:         policy,
		Method:             method,
		SkipMissing:        c.SkipMissing,
	}
	if err := a.Validate(); err != nil {
		return aggregate.Config{}, fmt.Errorf("mbg: %v: %w", err, ErrConfig)
	}
	return a, nil
}
