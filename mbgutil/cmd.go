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


// Package mbgutil contains the command-line interface for the MBG
// post-processing tools.
package mbgutil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/lnashier/viper"
	"github.com/spatialmodel/mbg"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// Cfg holds configuration information.
var Cfg *viper.Viper

var options []struct {
	name, usage, shorthand string
	defaultVal             interface{}
	flagsets               []*pflag.FlagSet
}

func init() {
	// Options are the configuration options available to MBG.
	options = []struct {
		name, usage, shorthand string
		defaultVal             interface{}
		flagsets               []*pflag.FlagSet
	}{
		{
			name: "config",
			usage: `
              config specifies the configuration file location.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "LogFile",
			usage: `
              LogFile is the path to the desired logfile location. It can
              include environment variables. If LogFile is left blank, the
              logfile will be saved next to the main output file.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "PolygonFile",
			usage: `
              PolygonFile is the path to the shapefile holding the
              administrative polygons. It can include environment variables.
              A projection (.prj) file must accompany it.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{idrasterCmd.Flags(), tableCmd.Flags(), aggregateCmd.Flags()},
		},
		{
			name: "TemplateFile",
			usage: `
              TemplateFile is the path to a netCDF raster whose grid the ID
              raster will share, typically a covariate raster. It can include
              environment variables.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{idrasterCmd.Flags()},
		},
		{
			name: "RasterizeRule",
			usage: `
              RasterizeRule specifies which cells belong to the study area.
              Options are "center" (the cell center falls in a polygon),
              "majority" (most of the cell area is covered by polygons),
              and "touches" (any overlap with a polygon).`,
			defaultVal: "center",
			flagsets:   []*pflag.FlagSet{idrasterCmd.Flags()},
		},
		{
			name: "MaskGeoJSON",
			usage: `
              MaskGeoJSON is an optional GeoJSON polygon in the grid
              spatial reference. Cells whose centers fall outside of it are
              excluded from the study area.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{idrasterCmd.Flags()},
		},
		{
			name: "IDRasterFile",
			usage: `
              IDRasterFile is the path to the ID raster netCDF file. It is the
              output of the idraster command and an input to the table and
              aggregate commands. It can include environment variables.`,
			defaultVal: "idraster.ncf",
			flagsets:   []*pflag.FlagSet{idrasterCmd.Flags(), tableCmd.Flags(), aggregateCmd.Flags()},
		},
		{
			name: "IDField",
			usage: `
              IDField is the polygon attribute that uniquely identifies
              each polygon.`,
			defaultVal: "id",
			flagsets:   []*pflag.FlagSet{tableCmd.Flags(), aggregateCmd.Flags()},
		},
		{
			name: "Fields",
			usage: `
              Fields are the additional polygon attributes to carry into the
              aggregation table, for example the names of higher
              administrative levels.`,
			defaultVal: []string{},
			flagsets:   []*pflag.FlagSet{tableCmd.Flags()},
		},
		{
			name: "OnEmptyPolygon",
			usage: `
              OnEmptyPolygon specifies what happens when a polygon does not
              overlap any study-area cell. Options are "error" and "warn".`,
			defaultVal: "error",
			flagsets:   []*pflag.FlagSet{tableCmd.Flags()},
		},
		{
			name: "CacheDir",
			usage: `
              CacheDir is an optional directory where aggregation tables are
              cached between runs. It can include environment variables.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{tableCmd.Flags()},
		},
		{
			name: "TableFile",
			usage: `
              TableFile is the path to the aggregation table CSV file. It is
              the output of the table command and an input to the aggregate
              command. It can include environment variables.`,
			defaultVal: "table.csv",
			flagsets:   []*pflag.FlagSet{tableCmd.Flags(), aggregateCmd.Flags()},
		},
		{
			name: "DrawsFile",
			usage: `
              DrawsFile is the path to the netCDF file holding the cell-level
              posterior draws, with one row per cell ID.`,
			defaultVal: "draws.ncf",
			flagsets:   []*pflag.FlagSet{aggregateCmd.Flags()},
		},
		{
			name: "PopulationFile",
			usage: `
              PopulationFile is the path to the netCDF population raster,
              which must be on the same grid as the ID raster. It is required
              when PopulationWeighted is true.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{aggregateCmd.Flags()},
		},
		{
			name: "PopulationVariable",
			usage: `
              PopulationVariable is the name of the population variable in
              PopulationFile.`,
			defaultVal: "population",
			flagsets:   []*pflag.FlagSet{aggregateCmd.Flags()},
		},
		{
			name: "PopulationWeighted",
			usage: `
              PopulationWeighted specifies whether cells are weighted by
              population in addition to their fractional area.`,
			defaultVal: true,
			flagsets:   []*pflag.FlagSet{aggregateCmd.Flags()},
		},
		{
			name: "LowerQuantile",
			usage: `
              LowerQuantile is the lower bound of the uncertainty interval.`,
			defaultVal: 0.025,
			flagsets:   []*pflag.FlagSet{aggregateCmd.Flags()},
		},
		{
			name: "UpperQuantile",
			usage: `
              UpperQuantile is the upper bound of the uncertainty interval.`,
			defaultVal: 0.975,
			flagsets:   []*pflag.FlagSet{aggregateCmd.Flags()},
		},
		{
			name: "ZeroWeightPolicy",
			usage: `
              ZeroWeightPolicy specifies what happens when a group has zero
              total population. Options are "uniform" (fall back to area
              weighting), "missing", and "error".`,
			defaultVal: "uniform",
			flagsets:   []*pflag.FlagSet{aggregateCmd.Flags()},
		},
		{
			name: "Method",
			usage: `
              Method is the aggregation method. Options are "mean" and "sum".`,
			defaultVal: "mean",
			flagsets:   []*pflag.FlagSet{aggregateCmd.Flags()},
		},
		{
			name: "SkipMissing",
			usage: `
              SkipMissing specifies whether cells with missing values in any
              draw are dropped before aggregating.`,
			defaultVal: false,
			flagsets:   []*pflag.FlagSet{aggregateCmd.Flags()},
		},
		{
			name: "Levels",
			usage: `
              Levels maps aggregation level names to comma-separated lists
              of polygon fields that define the groups at that level. A level
              with no fields gives one group per polygon. When set from the
              command line, it should be a JSON object.`,
			defaultVal: map[string]string{"polygon": ""},
			flagsets:   []*pflag.FlagSet{aggregateCmd.Flags()},
		},
		{
			name: "OutputDir",
			usage: `
              OutputDir is the directory where the per-level draws and summary
              CSV files are written. It can include environment variables.`,
			defaultVal: ".",
			flagsets:   []*pflag.FlagSet{aggregateCmd.Flags()},
		},
		{
			name: "SummaryXLSX",
			usage: `
              SummaryXLSX is an optional path to an Excel workbook where the
              summaries of all levels are written, one sheet per level.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{aggregateCmd.Flags()},
		},
		{
			name: "SummaryShapefiles",
			usage: `
              SummaryShapefiles specifies whether a summary shapefile is
              written for each level, with the polygons in PolygonFile
              dissolved into the level's groups.`,
			defaultVal: false,
			flagsets:   []*pflag.FlagSet{aggregateCmd.Flags()},
		},
	}

	Cfg = viper.New()

	// Set the prefix for configuration environment variables.
	Cfg.SetEnvPrefix("MBG")

	for _, option := range options {
		for i, set := range option.flagsets {
			if i != 0 { // We don't want to create the same flag twice.
				set.AddFlag(option.flagsets[0].Lookup(option.name))
				continue
			}
			switch option.defaultVal.(type) {
			case string:
				if option.shorthand == "" {
					set.String(option.name, option.defaultVal.(string), option.usage)
				} else {
					set.StringP(option.name, option.shorthand, option.defaultVal.(string), option.usage)
				}
			case []string:
				if option.shorthand == "" {
					set.StringSlice(option.name, option.defaultVal.([]string), option.usage)
				} else {
					set.StringSliceP(option.name, option.shorthand, option.defaultVal.([]string), option.usage)
				}
			case bool:
				if option.shorthand == "" {
					set.Bool(option.name, option.defaultVal.(bool), option.usage)
				} else {
					set.BoolP(option.name, option.shorthand, option.defaultVal.(bool), option.usage)
				}
			case float64:
				if option.shorthand == "" {
					set.Float64(option.name, option.defaultVal.(float64), option.usage)
				} else {
					set.Float64P(option.name, option.shorthand, option.defaultVal.(float64), option.usage)
				}
			case map[string]string:
				b := bytes.NewBuffer(nil)
				e := json.NewEncoder(b)
				e.Encode(option.defaultVal)
				s := string(b.Bytes())
				if option.shorthand == "" {
					set.String(option.name, s, option.usage)
				} else {
					set.StringP(option.name, option.shorthand, s, option.usage)
				}
			default:
				panic("invalid argument type")
			}
			Cfg.BindPFlag(option.name, set.Lookup(option.name))
		}
	}
}

func init() {
	// Link the commands together.
	Root.AddCommand(versionCmd)
	Root.AddCommand(idrasterCmd)
	Root.AddCommand(tableCmd)
	Root.AddCommand(aggregateCmd)
}

// setConfig finds and reads in the configuration file, if there is one.
func setConfig() error {
	if cfgpath := Cfg.GetString("config"); cfgpath != "" {
		Cfg.SetConfigFile(cfgpath)
		if err := Cfg.ReadInConfig(); err != nil {
			return fmt.Errorf("mbg: problem reading configuration file: %v", err)
		}
	}
	return nil
}

// Root is the main command.
var Root = &cobra.Command{
	Use:   "mbg",
	Short: "Post-processing tools for model-based geostatistics.",
	Long: `mbg prepares the grid inputs of a model-based geostatistical analysis and
aggregates cell-level posterior draws to administrative units. Use the
subcommands specified below to access the functionality.

Refer to the subcommand documentation for configuration options and default settings.
Configuration can be changed by using a configuration file (and providing the
path to the file using the --config flag), by using command-line arguments,
or by setting environment variables in the format 'MBG_var' where 'var' is the
name of the variable to be set. Many configuration variables are additionally
allowed to contain environment variables within them.
Refer to https://github.com/spf13/viper for additional configuration information.`,
	DisableAutoGenTag: true,
	PersistentPreRunE: func(*cobra.Command, []string) error {
		return setConfig()
	},
}

// versionCmd prints the version number.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Long:  "version prints the version number of this version of mbg.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Printf("mbg v%s\n", mbg.Version)
	},
	DisableAutoGenTag: true,
}

// idrasterCmd creates the study-area ID raster.
var idrasterCmd = &cobra.Command{
	Use:   "idraster",
	Short: "Create an ID raster",
	Long: `idraster rasterizes the polygons in PolygonFile onto the grid of TemplateFile
and writes the resulting ID raster to IDRasterFile. Cells in the study area are
numbered from 1 in row-major order; all other cells are missing.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		outFile := expandPath(Cfg.GetString("IDRasterFile"))
		log, closeLog, err := startLog(cmd, checkLogFile(Cfg.GetString("LogFile"), outFile))
		if err != nil {
			return err
		}
		defer closeLog()
		rule, err := rasterizeRule(Cfg)
		if err != nil {
			return err
		}
		return IDRaster(log,
			expandPath(Cfg.GetString("PolygonFile")),
			expandPath(Cfg.GetString("TemplateFile")),
			expandPath(Cfg.GetString("MaskGeoJSON")),
			outFile, rule)
	},
	DisableAutoGenTag: true,
}

// tableCmd creates the aggregation table.
var tableCmd = &cobra.Command{
	Use:   "table",
	Short: "Create an aggregation table",
	Long: `table calculates the fraction of each ID raster cell that falls within each
polygon in PolygonFile and writes the result to TableFile.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		outFile := expandPath(Cfg.GetString("TableFile"))
		log, closeLog, err := startLog(cmd, checkLogFile(Cfg.GetString("LogFile"), outFile))
		if err != nil {
			return err
		}
		defer closeLog()
		opts, err := tableOptions(Cfg)
		if err != nil {
			return err
		}
		opts.Log = log
		return Table(context.Background(), opts,
			expandPath(Cfg.GetString("PolygonFile")),
			expandPath(Cfg.GetString("IDRasterFile")),
			expandPath(Cfg.GetString("CacheDir")),
			outFile)
	},
	DisableAutoGenTag: true,
}

// aggregateCmd aggregates cell draws to polygons.
var aggregateCmd = &cobra.Command{
	Use:   "aggregate",
	Short: "Aggregate cell draws to administrative units",
	Long: `aggregate combines the cell-level draws in DrawsFile into one set of draws
per group at each of the configured Levels, using the fractional overlaps in
TableFile and, optionally, population weights. Draws and summaries for each
level are written to OutputDir.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		outDir := expandPath(Cfg.GetString("OutputDir"))
		if err := os.MkdirAll(outDir, os.ModePerm); err != nil {
			return fmt.Errorf("mbg: creating output directory: %v", err)
		}
		log, closeLog, err := startLog(cmd, checkLogFile(Cfg.GetString("LogFile"), filepath.Join(outDir, "aggregate")))
		if err != nil {
			return err
		}
		defer closeLog()
		c, err := AggregateConfig(Cfg)
		if err != nil {
			return err
		}
		levels, err := Levels(Cfg)
		if err != nil {
			return err
		}
		return Aggregate(log, c, levels, AggregateFiles{
			Draws:             expandPath(Cfg.GetString("DrawsFile")),
			Table:             expandPath(Cfg.GetString("TableFile")),
			IDRaster:          expandPath(Cfg.GetString("IDRasterFile")),
			Population:        expandPath(Cfg.GetString("PopulationFile")),
			PopulationVar:     Cfg.GetString("PopulationVariable"),
			Polygons:          expandPath(Cfg.GetString("PolygonFile")),
			IDField:           Cfg.GetString("IDField"),
			OutputDir:         outDir,
			SummaryXLSX:       expandPath(Cfg.GetString("SummaryXLSX")),
			SummaryShapefiles: Cfg.GetBool("SummaryShapefiles"),
		})
	},
	DisableAutoGenTag: true,
}
