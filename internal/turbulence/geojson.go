package turbulence

import (
	"fmt"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// probabilityProperty is the upstream property carrying the forecast
// probability for each polygon, in [0,1].
const probabilityProperty = "PROBABILITY"

// severityFor maps a probability to its display bucket
func severityFor(probability float64) Severity {
	switch {
	case probability >= 0.7:
		return SeveritySevere
	case probability >= 0.3:
		return SeverityModerate
	default:
		return SeverityLight
	}
}

// clamp01 clamps a probability into [0,1]
func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// boundFrom converts an orb.Bound to the API's lat/lon box
func boundFrom(b orb.Bound) Bound {
	return Bound{
		MinLat: b.Min.Lat(),
		MinLon: b.Min.Lon(),
		MaxLat: b.Max.Lat(),
		MaxLon: b.Max.Lon(),
	}
}

// ParsePolygonSet decodes an upstream FeatureCollection and derives the
// per-feature probability, severity and bounds. Features that are not
// polygons or multipolygons are skipped; a missing or non-numeric
// PROBABILITY property counts as zero. The raw document is kept so the API
// can serve it untouched.
func ParsePolygonSet(layerID, token string, raw []byte) (*PolygonSet, error) {
	fc, err := geojson.UnmarshalFeatureCollection(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode feature collection: %w", err)
	}

	set := &PolygonSet{
		LayerID:   layerID,
		Token:     token,
		Raw:       raw,
		FetchedAt: time.Now().UTC(),
	}

	var overall orb.Bound
	for _, feat := range fc.Features {
		switch feat.Geometry.(type) {
		case orb.Polygon, orb.MultiPolygon:
		default:
			continue
		}

		probability := clamp01(readProbability(feat))
		featureBound := feat.Geometry.Bound()

		set.Features = append(set.Features, PolygonFeature{
			Probability: probability,
			Severity:    severityFor(probability),
			Bound:       boundFrom(featureBound),
		})
		if probability > set.MaxProbability {
			set.MaxProbability = probability
		}

		if len(set.Features) == 1 {
			overall = featureBound
		} else {
			overall = overall.Union(featureBound)
		}
	}

	if len(set.Features) > 0 {
		set.Bound = boundFrom(overall)
	}
	return set, nil
}

// readProbability pulls the PROBABILITY property from a feature, tolerating
// the number arriving as either a JSON number or a quoted string
func readProbability(feat *geojson.Feature) float64 {
	value, ok := feat.Properties[probabilityProperty]
	if !ok {
		return 0
	}
	switch v := value.(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case string:
		var f float64
		if _, err := fmt.Sscanf(v, "%f", &f); err == nil {
			return f
		}
	}
	return 0
}
