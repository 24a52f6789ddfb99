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


// Command mbg is a command-line interface for preparing model-based
// geostatistics grids and aggregating cell-level posterior draws.
package main

import (
	"fmt"
	"os"

	"github.com/spatialmodel/mbg/mbgutil"
)

func main() {
	if err := mbgutil.Root.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(-1)
	}
}
