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
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ctessum/geom"
	"github.com/ctessum/geom/encoding/geojson"
	"github.com/lnashier/viper"
	"github.com/sirupsen/logrus"
	"github.com/spatialmodel/mbg"
	"github.com/spatialmodel/mbg/aggregate"
	"github.com/spatialmodel/mbg/grid"
	"github.com/spf13/cast"
	"github.com/spf13/cobra"
)

// expandPath expands any environment variables in a file path.
func expandPath(p string) string {
	return os.ExpandEnv(p)
}

// checkLogFile returns the path of the log file. If logFile is empty,
// the log is written next to outputFile.
func checkLogFile(logFile, outputFile string) string {
	if logFile == "" {
		logFile = strings.TrimSuffix(outputFile, filepath.Ext(outputFile)) + ".log"
	}
	return os.ExpandEnv(logFile)
}

// startLog creates a logger that writes both to the command output and
// to logFile. The returned function closes the log file.
func startLog(cmd *cobra.Command, logFile string) (*logrus.Logger, func(), error) {
	f, err := os.Create(logFile)
	if err != nil {
		return nil, nil, fmt.Errorf("mbg: problem creating log file: %v", err)
	}
	log := logrus.New()
	log.Out = io.MultiWriter(cmd.OutOrStdout(), f)
	log.Formatter = &logrus.TextFormatter{DisableColors: true}
	return log, func() { f.Close() }, nil
}

func rasterizeRule(cfg *viper.Viper) (grid.Rule, error) {
	return grid.ParseRule(cfg.GetString("RasterizeRule"))
}

// tableOptions returns the aggregation table options held in cfg.
func tableOptions(cfg *viper.Viper) (grid.TableOptions, error) {
	onEmpty, err := grid.ParseEmptyPolicy(cfg.GetString("OnEmptyPolygon"))
	if err != nil {
		return grid.TableOptions{}, err
	}
	fields, err := cast.ToStringSliceE(cfg.Get("Fields"))
	if err != nil {
		return grid.TableOptions{}, fmt.Errorf("mbg: invalid Fields: %v", err)
	}
	return grid.TableOptions{
		IDField: cfg.GetString("IDField"),
		Fields:  fields,
		OnEmpty: onEmpty,
	}, nil
}

// AggregateConfig returns the aggregation options held in cfg.
func AggregateConfig(cfg *viper.Viper) (aggregate.Config, error) {
	c := aggregate.Config{
		PopulationWeighted: cfg.GetBool("PopulationWeighted"),
		LowerQuantile:      cfg.GetFloat64("LowerQuantile"),
		UpperQuantile:      cfg.GetFloat64("UpperQuantile"),
		SkipMissing:        cfg.GetBool("SkipMissing"),
	}
	var err error
	if c.ZeroWeight, err = aggregate.ParsePolicy(cfg.GetString("ZeroWeightPolicy")); err != nil {
		return c, err
	}
	if c.Method, err = aggregate.ParseMethod(cfg.GetString("Method")); err != nil {
		return c, err
	}
	return c, c.Validate()
}

// Levels returns the aggregation levels held in cfg, sorted by name.
// If none are configured, the default level is returned.
func Levels(cfg *viper.Viper) ([]aggregate.Level, error) {
	m, err := getStringMapString("Levels", cfg)
	if err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return []aggregate.Level{mbg.DefaultLevel}, nil
	}
	levels := make([]aggregate.Level, 0, len(m))
	for name, fields := range m {
		l := aggregate.Level{Name: name}
		for _, f := range strings.Split(fields, ",") {
			if f = strings.TrimSpace(f); f != "" {
				l.Fields = append(l.Fields, f)
			}
		}
		levels = append(levels, l)
	}
	sort.Slice(levels, func(i, j int) bool { return levels[i].Name < levels[j].Name })
	return levels, nil
}

// getStringMapString returns a map[string]string from a viper configuration,
// accounting for the fact that it might be a json object if it was set
// from a command line argument.
func getStringMapString(varName string, cfg *viper.Viper) (map[string]string, error) {
	i := cfg.Get(varName)
	switch v := i.(type) {
	case map[string]string:
		return v, nil
	case map[string]interface{}:
		return cast.ToStringMapStringE(v)
	case string:
		b := bytes.NewBuffer([]byte(v))
		d := json.NewDecoder(b)
		o := make(map[string]string)
		if err := d.Decode(&o); err != nil {
			return nil, fmt.Errorf("mbg: invalid %s: %v", varName, err)
		}
		return o, nil
	default:
		return nil, fmt.Errorf("mbg: invalid type for variable %s: %#v", varName, i)
	}
}

// parseMask reads a GeoJSON polygon or multipolygon from maskFile.
// It returns nil if maskFile is empty.
func parseMask(maskFile string) (geom.Polygon, error) {
	if maskFile == "" {
		return nil, nil
	}
	b, err := os.ReadFile(maskFile)
	if err != nil {
		return nil, fmt.Errorf("mbg: reading mask file: %w", err)
	}
	var g geojson.Geometry
	if err := json.Unmarshal(b, &g); err != nil {
		return nil, fmt.Errorf("mbg: decoding mask file: %w", err)
	}
	var mask geom.Polygon
	switch g.Type {
	case "Polygon":
		p, err := maskPolygon(&g)
		if err != nil {
			return nil, err
		}
		mask = p
	case "MultiPolygon":
		// The geojson decoder only handles single polygons, so each part is
		// decoded separately.
		parts, ok := g.Coordinates.([]interface{})
		if !ok {
			return nil, fmt.Errorf("mbg: decoding mask file: invalid MultiPolygon coordinates")
		}
		for _, part := range parts {
			p, err := maskPolygon(&geojson.Geometry{Type: "Polygon", Coordinates: part})
			if err != nil {
				return nil, err
			}
			mask = append(mask, p...)
		}
	default:
		return nil, fmt.Errorf("mbg: invalid mask geometry type %s", g.Type)
	}
	return mask, nil
}

func maskPolygon(g *geojson.Geometry) (geom.Polygon, error) {
	p, err := geojson.FromGeoJSON(g)
	if err != nil {
		return nil, fmt.Errorf("mbg: decoding mask file: %w", err)
	}
	return p.(geom.Polygon), nil
}
