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

package grid

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"

	"github.com/ctessum/requestcache"
	"github.com/spatialmodel/mbg/internal/hash"
	"github.com/spatialmodel/mbg/raster"
)

// TableCache stores aggregation tables so that tables that have already
// been built for a given layer, ID raster, and set of options do not
// need to be built again. It is safe for concurrent use; concurrent
// requests for the same table are deduplicated.
type TableCache struct {
	cache *requestcache.Cache
}

// NewTableCache creates a new cache that holds up to memEntries tables in
// memory. If dir is not empty, tables are also stored in that directory.
// workers specifies how many tables can be built concurrently.
func NewTableCache(workers, memEntries int, dir string) *TableCache {
	cf := []requestcache.CacheFunc{
		requestcache.Deduplicate(),
		requestcache.Memory(memEntries),
	}
	if dir != "" {
		cf = append(cf, requestcache.Disk(dir, marshalTable, unmarshalTable))
	}
	return &TableCache{cache: requestcache.NewCache(buildTableRequest, workers, cf...)}
}

type tableRequest struct {
	layer *Layer
	ids   *raster.IDRaster
	opts  TableOptions
}

func buildTableRequest(ctx context.Context, request interface{}) (interface{}, error) {
	r := request.(*tableRequest)
	return BuildTable(r.layer, r.ids, r.opts)
}

// Table returns the aggregation table for the given inputs, building it
// if it is not already in the cache.
func (c *TableCache) Table(ctx context.Context, layer *Layer, ids *raster.IDRaster, opts TableOptions) (*Table, error) {
	key := hash.Key("table", layer, ids.Raster(), opts.IDField, opts.Fields, opts.OnEmpty)
	r := c.cache.NewRequest(ctx, &tableRequest{layer: layer, ids: ids, opts: opts}, key)
	result, err := r.Result()
	if err != nil {
		return nil, err
	}
	return result.(*Table), nil
}

// tableFile is the serialized form of a Table.
type tableFile struct {
	IDField  string
	Fields   []string
	Polygons []PolygonKey
	Rows     []Row
}

func marshalTable(data interface{}) ([]byte, error) {
	if p, ok := data.(*interface{}); ok {
		data = *p
	}
	t, ok := data.(*Table)
	if !ok {
		return nil, fmt.Errorf("grid: cannot cache %T as an aggregation table", data)
	}
	var b bytes.Buffer
	err := gob.NewEncoder(&b).Encode(tableFile{
		IDField:  t.IDField,
		Fields:   t.Fields,
		Polygons: t.Polygons,
		Rows:     t.Rows,
	})
	return b.Bytes(), err
}

func unmarshalTable(b []byte) (interface{}, error) {
	var f tableFile
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&f); err != nil {
		return nil, fmt.Errorf("grid: decoding cached aggregation table: %v", err)
	}
	for i := range f.Polygons {
		if f.Polygons[i].Fields == nil {
			f.Polygons[i].Fields = make(map[string]string)
		}
	}
	t := &Table{IDField: f.IDField, Fields: f.Fields, Polygons: f.Polygons, Rows: f.Rows}
	t.index()
	return t, nil
}
