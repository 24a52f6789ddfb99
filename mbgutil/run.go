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


package mbgutil

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ctessum/geom"
	"github.com/sirupsen/logrus"
	"github.com/spatialmodel/mbg/aggregate"
	"github.com/spatialmodel/mbg/grid"
	"github.com/spatialmodel/mbg/raster"
	"gonum.org/v1/gonum/mat"
)

// IDVariable is the name of the netCDF variable that holds cell IDs.
const IDVariable = "id"

// IDRaster rasterizes the polygons in polygonFile onto the grid of the
// first raster variable in templateFile and writes the resulting ID raster
// to outFile. If maskFile is not empty, cells whose centers fall outside
// of the GeoJSON polygon it holds are excluded.
func IDRaster(log logrus.FieldLogger, polygonFile, templateFile, maskFile, outFile string, rule grid.Rule) error {
	layer, err := grid.ReadShapefile(polygonFile)
	if err != nil {
		return err
	}
	g, err := templateGrid(templateFile)
	if err != nil {
		return err
	}
	ids, err := grid.Rasterize(layer, g, rule)
	if err != nil {
		return err
	}
	mask, err := parseMask(maskFile)
	if err != nil {
		return err
	}
	if mask != nil {
		inRule := ids
		ids = raster.NewIDRaster(g, func(row, col int) bool {
			return inRule.ID(row, col) > 0 && g.CellCenter(row, col).Within(mask) != geom.Outside
		})
	}
	if ids.Len() == 0 {
		return fmt.Errorf("mbg: no grid cells are in the study area")
	}

	f, err := os.Create(outFile)
	if err != nil {
		return fmt.Errorf("mbg: creating ID raster file: %v", err)
	}
	defer f.Close()
	if err := raster.WriteNCF(f, map[string]*raster.Raster{IDVariable: ids.Raster()}); err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"rule":  rule,
		"cells": ids.Len(),
		"nx":    g.Nx,
		"ny":    g.Ny,
	}).Infof("wrote ID raster to %s", outFile)
	return nil
}

// templateGrid returns the grid of the first variable, in alphabetical
// order, in the netCDF file templateFile.
func templateGrid(templateFile string) (raster.Grid, error) {
	f, err := os.Open(templateFile)
	if err != nil {
		return raster.Grid{}, fmt.Errorf("mbg: opening template raster: %v", err)
	}
	defer f.Close()
	vars, err := raster.ReadNCF(f)
	if err != nil {
		return raster.Grid{}, err
	}
	if len(vars) == 0 {
		return raster.Grid{}, fmt.Errorf("mbg: template file %s contains no raster variables", templateFile)
	}
	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	sort.Strings(names)
	return vars[names[0]].Grid, nil
}

// readIDRaster reads an ID raster written by IDRaster.
func readIDRaster(filename string) (*raster.IDRaster, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("mbg: opening ID raster: %v", err)
	}
	defer f.Close()
	r, err := raster.ReadNCFVariable(f, IDVariable)
	if err != nil {
		return nil, err
	}
	return raster.IDRasterFromRaster(r)
}

// Table builds the aggregation table for the polygons in polygonFile and
// the ID raster in idFile and writes it to outFile as CSV. If cacheDir is
// not empty, previously built tables stored there are reused.
func Table(ctx context.Context, opts grid.TableOptions, polygonFile, idFile, cacheDir, outFile string) error {
	layer, err := grid.ReadShapefile(polygonFile, append([]string{opts.IDField}, opts.Fields...)...)
	if err != nil {
		return err
	}
	ids, err := readIDRaster(idFile)
	if err != nil {
		return err
	}
	if cacheDir != "" {
		if err := os.MkdirAll(cacheDir, os.ModePerm); err != nil {
			return fmt.Errorf("mbg: creating cache directory: %v", err)
		}
	}
	t, err := grid.NewTableCache(1, 1, cacheDir).Table(ctx, layer, ids, opts)
	if err != nil {
		return err
	}

	f, err := os.Create(outFile)
	if err != nil {
		return fmt.Errorf("mbg: creating aggregation table file: %v", err)
	}
	defer f.Close()
	if err := t.WriteCSV(f); err != nil {
		return err
	}
	if opts.Log != nil {
		opts.Log.WithFields(logrus.Fields{
			"polygons": len(t.Polygons),
			"rows":     len(t.Rows),
		}).Infof("wrote aggregation table to %s", outFile)
	}
	return nil
}

// AggregateFiles holds the input and output locations for Aggregate.
type AggregateFiles struct {
	// Draws is the netCDF file of cell draws.
	Draws string

	// Table is the aggregation table CSV file.
	Table string

	// IDRaster and Population are the ID raster and population netCDF
	// files. They are only used for population weighting.
	IDRaster, Population string

	// PopulationVar is the population variable name.
	PopulationVar string

	// Polygons and IDField are the polygon shapefile and its identifier
	// field. They are only used for shapefile output.
	Polygons, IDField string

	// OutputDir receives the per-level CSV files and shapefiles.
	OutputDir string

	// SummaryXLSX is an optional workbook path.
	SummaryXLSX string

	SummaryShapefiles bool
}

// Aggregate aggregates the cell draws in files.Draws to each of levels
// and writes the results.
func Aggregate(log logrus.FieldLogger, c aggregate.Config, levels []aggregate.Level, files AggregateFiles) error {
	draws, err := readDraws(files.Draws)
	if err != nil {
		return err
	}
	t, err := readTable(files.Table)
	if err != nil {
		return err
	}
	var weights []float64
	if c.PopulationWeighted {
		if files.Population == "" {
			return fmt.Errorf("mbg: PopulationFile must be set when PopulationWeighted is true")
		}
		if weights, err = populationWeights(files.IDRaster, files.Population, files.PopulationVar); err != nil {
			return err
		}
	}

	a, err := aggregate.New(c)
	if err != nil {
		return err
	}
	a.Log = log
	results, err := a.AggregateLevels(draws, t, weights, levels)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(files.OutputDir, os.ModePerm); err != nil {
		return fmt.Errorf("mbg: creating output directory: %v", err)
	}
	for _, r := range results {
		if err := writeFile(filepath.Join(files.OutputDir, r.Level.Name+"_draws.csv"), r.WriteDrawsCSV); err != nil {
			return err
		}
		if err := writeFile(filepath.Join(files.OutputDir, r.Level.Name+"_summary.csv"), r.WriteSummaryCSV); err != nil {
			return err
		}
		log.WithFields(logrus.Fields{
			"level":   r.Level.Name,
			"groups":  len(r.Keys),
			"missing": len(r.Missing),
		}).Info("aggregation complete")
	}
	if files.SummaryXLSX != "" {
		if err := aggregate.WriteSummaryXLSX(files.SummaryXLSX, results); err != nil {
			return err
		}
	}
	if files.SummaryShapefiles {
		if err := writeShapefiles(results, files); err != nil {
			return err
		}
	}
	return nil
}

func readDraws(filename string) (*mat.Dense, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("mbg: opening draws file: %v", err)
	}
	defer f.Close()
	return raster.ReadDrawsNCF(f)
}

func readTable(filename string) (*grid.Table, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("mbg: opening aggregation table: %v", err)
	}
	defer f.Close()
	return grid.ReadTableCSV(f)
}

func populationWeights(idFile, popFile, popVar string) ([]float64, error) {
	ids, err := readIDRaster(idFile)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(popFile)
	if err != nil {
		return nil, fmt.Errorf("mbg: opening population file: %v", err)
	}
	defer f.Close()
	pop, err := raster.ReadNCFVariable(f, popVar)
	if err != nil {
		return nil, err
	}
	return aggregate.PopulationWeights(ids, pop)
}

func writeShapefiles(results []*aggregate.Result, files AggregateFiles) error {
	if files.Polygons == "" {
		return fmt.Errorf("mbg: PolygonFile must be set when SummaryShapefiles is true")
	}
	layer, err := grid.ReadShapefile(files.Polygons, files.IDField)
	if err != nil {
		return err
	}
	var prj string
	if b, err := os.ReadFile(strings.TrimSuffix(files.Polygons, filepath.Ext(files.Polygons)) + ".prj"); err == nil {
		prj = string(b)
	}
	for _, r := range results {
		filename := filepath.Join(files.OutputDir, r.Level.Name+"_summary.shp")
		if err := r.WriteSummaryShapefile(filename, layer, files.IDField, prj); err != nil {
			return err
		}
	}
	return nil
}

// writeFile creates filename and writes to it using write.
func writeFile(filename string, write func(w io.Writer) error) error {
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("mbg: creating output file: %v", err)
	}
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
