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

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
)

// ParameterDraws returns n draws from the multivariate normal posterior
// distribution of the model parameters, with one row per parameter and
// one column per draw. With the Cholesky factorization of the precision
// matrix Q = UᵀU, each draw is μ + U⁻¹z, where z is a vector of
// independent standard normal variates. Results are deterministic for a
// given seed.
func ParameterDraws(post *Posterior, n int, seed uint64) (*mat.Dense, error) {
	if err := post.Check(); err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, fmt.Errorf("mbg: number of draws is %d but should be >0", n)
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(post.Precision); !ok {
		return nil, fmt.Errorf("mbg: posterior precision matrix is not positive definite")
	}
	var u mat.TriDense
	chol.UTo(&u)

	p := len(post.Mean)
	rnd := rand.New(rand.NewSource(seed))
	z := mat.NewDense(p, n, nil)
	for i := 0; i < p; i++ {
		for j := 0; j < n; j++ {
			z.Set(i, j, rnd.NormFloat64())
		}
	}
	var x mat.Dense
	if err := x.Solve(&u, z); err != nil {
		return nil, fmt.Errorf("mbg: drawing parameters: %v", err)
	}
	for i := 0; i < p; i++ {
		row := x.RawRowView(i)
		for j := range row {
			row[j] += post.Mean[i]
		}
	}
	return &x, nil
}
