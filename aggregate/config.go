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

package aggregate

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrDimension indicates that the aggregation table, weights,
	// and draws matrix do not describe the same set of cells.
	ErrDimension = errors.New("inconsistent dimensions")

	// ErrZeroWeight indicates a group with zero total effective weight
	// under the FallbackError policy.
	ErrZeroWeight = errors.New("zero total weight")

	// ErrNoCells indicates a group without any contributing cells.
	ErrNoCells = errors.New("no contributing cells")
)

// Policy specifies what to do when the total effective weight of a group
// of cells is zero, for example when there is no population anywhere in a
// polygon.
type Policy int

const (
	// FallbackUniform weights cells by their fractional area only, which
	// gives the same result as aggregation without population weighting.
	FallbackUniform Policy = iota

	// FallbackMissing emits NaN draws and summary statistics for the
	// group, and records the group in Result.Missing.
	FallbackMissing

	// FallbackError causes aggregation to fail.
	FallbackError
)

var policyNames = []string{"uniform", "missing", "error"}

func (p Policy) String() string {
	if p >= 0 && int(p) < len(policyNames) {
		return policyNames[p]
	}
	return fmt.Sprintf("Policy(%d)", int(p))
}

// ParsePolicy returns the policy with the given name.
func ParsePolicy(s string) (Policy, error) {
	for i, name := range policyNames {
		if strings.EqualFold(s, name) {
			return Policy(i), nil
		}
	}
	return 0, fmt.Errorf("aggregate: invalid zero-weight policy %q; valid options are %s",
		s, strings.Join(policyNames, ", "))
}

// Method specifies how cell values are combined.
type Method int

const (
	// Mean calculates the weighted mean of the cell values.
	Mean Method = iota

	// Sum calculates the weighted sum of the cell values, for example
	// to turn prevalence into case counts. Weights are not normalized.
	Sum
)

var methodNames = []string{"mean", "sum"}

func (m Method) String() string {
	if m >= 0 && int(m) < len(methodNames) {
		return methodNames[m]
	}
	return fmt.Sprintf("Method(%d)", int(m))
}

// ParseMethod returns the method with the given name.
func ParseMethod(s string) (Method, error) {
	for i, name := range methodNames {
		if strings.EqualFold(s, name) {
			return Method(i), nil
		}
	}
	return 0, fmt.Errorf("aggregate: invalid aggregation method %q; valid options are %s",
		s, strings.Join(methodNames, ", "))
}

// Config holds the aggregation options.
type Config struct {
	// PopulationWeighted specifies whether cells are weighted by population
	// in addition to their fractional area.
	PopulationWeighted bool

	// LowerQuantile and UpperQuantile are the bounds of the
	// uncertainty interval.
	LowerQuantile, UpperQuantile float64

	// ZeroWeight is the policy for groups with zero total weight.
	ZeroWeight Policy

	// Method is the aggregation method.
	Method Method

	// SkipMissing drops cells that have a NaN value in any draw. The same
	// cells are dropped for every draw.
	SkipMissing bool
}

// DefaultConfig returns the default configuration: population-weighted
// means with a 95% interval and uniform fallback weighting.
func DefaultConfig() Config {
	return Config{
		PopulationWeighted: true,
		LowerQuantile:      0.025,
		UpperQuantile:      0.975,
		ZeroWeight:         FallbackUniform,
		Method:             Mean,
	}
}

// Validate checks the configuration for invalid values.
func (c Config) Validate() error {
	if c.LowerQuantile < 0 || c.LowerQuantile > 1 {
		return fmt.Errorf("aggregate: LowerQuantile=%g but should be between 0 and 1", c.LowerQuantile)
	}
	if c.UpperQuantile < 0 || c.UpperQuantile > 1 {
		return fmt.Errorf("aggregate: UpperQuantile=%g but should be between 0 and 1", c.UpperQuantile)
	}
	if c.LowerQuantile >= c.UpperQuantile {
		return fmt.Errorf("aggregate: LowerQuantile=%g should be less than UpperQuantile=%g",
			c.LowerQuantile, c.UpperQuantile)
	}
	if c.ZeroWeight < FallbackUniform || c.ZeroWeight > FallbackError {
		return fmt.Errorf("aggregate: invalid zero-weight policy %v", c.ZeroWeight)
	}
	if c.Method < Mean || c.Method > Sum {
		return fmt.Errorf("aggregate: invalid aggregation method %v", c.Method)
	}
	return nil
}
