// Package enrich loads the geo table from YAML documents.
package enrich

import (
	"bytes"
	"io"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type geoFile struct {
	Version string            `yaml:"version"`
	Ranges  map[string]string `yaml:"ranges"`
}

// LoadGeoTable reads a CIDR-to-country YAML document from disk.
func LoadGeoTable(path string, cacheSize int) (*GeoTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read geo table")
	}
	table, err := DecodeGeoTable(data, cacheSize)
	if err != nil {
		return nil, errors.Wrapf(err, "geo table %s", path)
	}
	return table, nil
}

// DecodeGeoTable parses a YAML geo document. Unknown document fields are
// rejected; an empty document yields an empty table.
func DecodeGeoTable(data []byte, cacheSize int) (*GeoTable, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var file geoFile
	if err := dec.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return NewGeoTable(nil, cacheSize)
		}
		return nil, errors.Wrap(err, "parse geo table")
	}
	return NewGeoTable(file.Ranges, cacheSize)
}
