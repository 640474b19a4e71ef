package geo

import (
	"math"
	"testing"
)

func TestDistanceIdenticalPointsIsZero(t *testing.T) {
	if d := DistanceMeters(17.6868, 83.2185, 17.6868, 83.2185); d != 0 {
		t.Fatalf("expected 0 for identical points, got %f", d)
	}
}

func TestDistanceSymmetric(t *testing.T) {
	ab := DistanceMeters(17.6868, 83.2185, 17.70, 83.23)
	ba := DistanceMeters(17.70, 83.23, 17.6868, 83.2185)
	if ab != ba {
		t.Fatalf("distance not symmetric: %f vs %f", ab, ba)
	}
}

func TestDistanceOneDegreeLongitudeAtEquator(t *testing.T) {
	// One degree of longitude at the equator is about 111.2 km.
	d := DistanceMeters(0, 0, 0, 1)
	if d < 111000 || d > 111400 {
		t.Fatalf("unexpected distance %f", d)
	}
}

func TestDistanceClassroomScenario(t *testing.T) {
	// The out-of-range scenario from the student app: well past the 1 km
	// geofence but still within the city.
	d := DistanceMeters(17.6868, 83.2185, 17.70, 83.23)
	if d <= 1000 || d >= 5000 {
		t.Fatalf("expected distance beyond the geofence, got %f", d)
	}
}

func TestDistanceNaNPropagates(t *testing.T) {
	if d := DistanceMeters(math.NaN(), 0, 0, 0); !math.IsNaN(d) {
		t.Fatalf("expected NaN, got %f", d)
	}
}
