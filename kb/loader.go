package kb

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/safezone/model"
)

// Format identifies a zone file encoding.
type Format string

const (
	FormatJSON    Format = "json"
	FormatYAML    Format = "yaml"
	FormatGeoJSON Format = "geojson"
)

// FormatFromPath picks a format from the file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".geojson":
		return FormatGeoJSON, nil
	default:
		return "", fmt.Errorf("%w: unsupported zone file extension %q", model.ErrConfiguration, filepath.Ext(path))
	}
}

// LoadZones reads a zone file from disk.
func LoadZones(path string) ([]model.SafetyZone, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read zone file: %v", model.ErrConfiguration, err)
	}
	return ParseZones(data, format)
}

// ParseZones decodes zones in the given format. A .json document whose top
// level is a GeoJSON object is decoded as GeoJSON.
func ParseZones(data []byte, format Format) ([]model.SafetyZone, error) {
	switch format {
	case FormatJSON:
		trimmed := bytes.TrimSpace(data)
		if len(trimmed) > 0 && trimmed[0] == '{' {
			return parseGeoJSON(trimmed)
		}
		var file []zoneFile
		if err := json.Unmarshal(trimmed, &file); err != nil {
			return nil, fmt.Errorf("%w: decode zones: %v", model.ErrInvalidInput, err)
		}
		return toZones(file)
	case FormatYAML:
		var doc struct {
			Zones []zoneFile `yaml:"zones"`
		}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("%w: decode zones: %v", model.ErrInvalidInput, err)
		}
		return toZones(doc.Zones)
	case FormatGeoJSON:
		return parseGeoJSON(data)
	default:
		return nil, fmt.Errorf("%w: unknown zone format %q", model.ErrConfiguration, format)
	}
}

// zoneFile is the on-disk zone shape for JSON and YAML.
type zoneFile struct {
	ID                string                   `json:"id" yaml:"id"`
	Name              string                   `json:"name" yaml:"name"`
	SafetyLevel       string                   `json:"safety_level" yaml:"safety_level"`
	Polygon           []model.Coordinate       `json:"polygon" yaml:"polygon"`
	EmergencyServices []model.EmergencyService `json:"emergency_services" yaml:"emergency_services"`
	RiskFactors       []string                 `json:"risk_factors" yaml:"risk_factors"`
}

func toZones(in []zoneFile) ([]model.SafetyZone, error) {
	out := make([]model.SafetyZone, 0, len(in))
	for i, zf := range in {
		level, err := model.ParseSafetyLevel(zf.SafetyLevel)
		if err != nil {
			return nil, fmt.Errorf("zone %d (%q): %w", i, zf.ID, err)
		}
		out = append(out, model.SafetyZone{
			ID:                zf.ID,
			Name:              zf.Name,
			SafetyLevel:       level,
			Polygon:           zf.Polygon,
			EmergencyServices: zf.EmergencyServices,
			RiskFactors:       zf.RiskFactors,
		})
	}
	return out, nil
}

type geoJSONObject struct {
	Type       string           `json:"type"`
	ID         any              `json:"id"`
	Features   []geoJSONObject  `json:"features"`
	Geometry   *geoJSONGeometry `json:"geometry"`
	Properties geoJSONProps     `json:"properties"`
}

type geoJSONGeometry struct {
	Type        string          `json:"type"`
	Coordinates json.RawMessage `json:"coordinates"`
}

type geoJSONProps struct {
	ID                string                   `json:"id"`
	Name              string                   `json:"name"`
	SafetyLevel       string                   `json:"safety_level"`
	EmergencyServices []model.EmergencyService `json:"emergency_services"`
	RiskFactors       []string                 `json:"risk_factors"`
}

func parseGeoJSON(data []byte) ([]model.SafetyZone, error) {
	var root geoJSONObject
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("%w: decode geojson: %v", model.ErrInvalidInput, err)
	}
	switch strings.ToLower(root.Type) {
	case "featurecollection":
		var out []model.SafetyZone
		for i, f := range root.Features {
			zones, err := featureZones(f, i)
			if err != nil {
				return nil, err
			}
			out = append(out, zones...)
		}
		return out, nil
	case "feature":
		return featureZones(root, 0)
	default:
		return nil, fmt.Errorf("%w: geojson root type %q is not a Feature or FeatureCollection", model.ErrInvalidInput, root.Type)
	}
}

// featureZones converts one feature. A MultiPolygon yields one zone per
// member polygon with IDs suffixed "#<n>".
func featureZones(f geoJSONObject, pos int) ([]model.SafetyZone, error) {
	id := f.Properties.ID
	if id == "" && f.ID != nil {
		id = fmt.Sprint(f.ID)
	}
	if id == "" {
		return nil, fmt.Errorf("%w: feature %d has no id", model.ErrInvalidInput, pos)
	}
	level, err := model.ParseSafetyLevel(f.Properties.SafetyLevel)
	if err != nil {
		return nil, fmt.Errorf("feature %q: %w", id, err)
	}
	if f.Geometry == nil {
		return nil, fmt.Errorf("%w: feature %q has no geometry", model.ErrInvalidInput, id)
	}

	base := model.SafetyZone{
		ID:                id,
		Name:              f.Properties.Name,
		SafetyLevel:       level,
		EmergencyServices: f.Properties.EmergencyServices,
		RiskFactors:       f.Properties.RiskFactors,
	}

	switch strings.ToLower(f.Geometry.Type) {
	case "polygon":
		var rings [][][]float64
		if err := json.Unmarshal(f.Geometry.Coordinates, &rings); err != nil {
			return nil, fmt.Errorf("%w: feature %q coordinates: %v", model.ErrInvalidInput, id, err)
		}
		base.Polygon = outerRing(rings)
		return []model.SafetyZone{base}, nil
	case "multipolygon":
		var polys [][][][]float64
		if err := json.Unmarshal(f.Geometry.Coordinates, &polys); err != nil {
			return nil, fmt.Errorf("%w: feature %q coordinates: %v", model.ErrInvalidInput, id, err)
		}
		out := make([]model.SafetyZone, 0, len(polys))
		for i, rings := range polys {
			z := base
			z.ID = fmt.Sprintf("%s#%d", id, i)
			z.Polygon = outerRing(rings)
			out = append(out, z)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: feature %q geometry %q is not a polygon", model.ErrInvalidInput, id, f.Geometry.Type)
	}
}

// outerRing converts GeoJSON [lon, lat] positions. Holes are ignored.
func outerRing(rings [][][]float64) []model.Coordinate {
	if len(rings) == 0 {
		return nil
	}
	out := make([]model.Coordinate, 0, len(rings[0]))
	for _, p := range rings[0] {
		if len(p) < 2 {
			continue
		}
		out = append(out, model.Coordinate{Latitude: p[1], Longitude: p[0]})
	}
	return out
}
