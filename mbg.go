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

// Package mbg fits model-based geostatistical models to point-referenced
// survey data and aggregates the resulting pixel-level posterior draws to
// administrative units. Model fitting is delegated to an InferenceEngine;
// this package draws from the fitted posterior, turns parameter draws into
// cell-level draws on an ID raster, optionally stacks machine-learning
// submodels as covariates, and runs the population-weighted aggregation.
package mbg

import "errors"

// Version gives the version number.
const Version = "0.1.0"

// ErrConfig indicates an invalid configuration.
var ErrConfig = errors.New("invalid configuration")
