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
	"math"
	"strings"
	"sync"

	"github.com/Knetic/govaluate"
	"gonum.org/v1/gonum/stat/distuv"
)

// InverseLink transforms a value of the linear predictor to the
// response scale.
type InverseLink func(float64) (float64, error)

func invLogit(x float64) float64 { return 1 / (1 + math.Exp(-x)) }

var links = map[string]InverseLink{
	"identity": func(x float64) (float64, error) { return x, nil },
	"logit":    func(x float64) (float64, error) { return invLogit(x), nil },
	"log":      func(x float64) (float64, error) { return math.Exp(x), nil },
	"probit":   func(x float64) (float64, error) { return distuv.UnitNormal.CDF(x), nil },
}

// linkFunctions are the functions available in inverse link expressions.
var linkFunctions = map[string]govaluate.ExpressionFunction{
	"exp":      unaryFunction("exp", math.Exp),
	"log":      unaryFunction("log", math.Log),
	"sqrt":     unaryFunction("sqrt", math.Sqrt),
	"invlogit": unaryFunction("invlogit", invLogit),
	"pnorm":    unaryFunction("pnorm", distuv.UnitNormal.CDF),
}

func unaryFunction(name string, f func(float64) float64) govaluate.ExpressionFunction {
	return func(arg ...interface{}) (interface{}, error) {
		if len(arg) != 1 {
			return nil, fmt.Errorf("mbg: got %d arguments for function '%s', but needs 1", len(arg), name)
		}
		x, ok := arg[0].(float64)
		if !ok {
			return nil, fmt.Errorf("mbg: invalid argument %v for function '%s'", arg[0], name)
		}
		return f(x), nil
	}
}

// ParseLink returns the inverse link function with the given name
// (identity, logit, log, or probit). Any other value is treated as an
// expression of the linear predictor x, which may use the functions
// exp, log, sqrt, invlogit, and pnorm.
func ParseLink(s string) (InverseLink, error) {
	if f, ok := links[strings.ToLower(s)]; ok {
		return f, nil
	}
	if strings.TrimSpace(s) == "" {
		return nil, fmt.Errorf("mbg: inverse link function not specified")
	}
	expr, err := govaluate.NewEvaluableExpressionWithFunctions(s, linkFunctions)
	if err != nil {
		return nil, fmt.Errorf("mbg: parsing inverse link expression %q: %v", s, err)
	}
	for _, v := range expr.Vars() {
		if v != "x" {
			return nil, fmt.Errorf("mbg: inverse link expression %q: unknown variable %q; the only valid variable is x", s, v)
		}
	}
	var mu sync.Mutex
	f := func(x float64) (float64, error) {
		mu.Lock()
		r, err := expr.Evaluate(map[string]interface{}{"x": x})
		mu.Unlock()
		if err != nil {
			return math.NaN(), fmt.Errorf("mbg: evaluating inverse link expression %q: %v", s, err)
		}
		v, ok := r.(float64)
		if !ok {
			return math.NaN(), fmt.Errorf("mbg: inverse link expression %q returned %T instead of a number", s, r)
		}
		return v, nil
	}
	if _, err := f(0); err != nil {
		return nil, err
	}
	return f, nil
}
