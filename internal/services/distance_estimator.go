package services

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/Antinna/HTTP-3/internal/domain"
)

const (
	earthRadiusKM          = 6371.0
	defaultRiderSpeedKMH   = 20.0
	minimumTravelEstimate  = 5 * time.Minute
	distancePrecisionScale = 2
)

// EstimateDistance returns the great-circle distance from origin to destination and whether it falls inside
// radiusKM. The figure is advisory; it is not a routed distance.
func EstimateDistance(origin, destination domain.Coordinates, radiusKM decimal.Decimal) (domain.DistanceEstimate, error) {
	if err := validateCoordinates(origin); err != nil {
		return domain.DistanceEstimate{}, err
	}
	if err := validateCoordinates(destination); err != nil {
		return domain.DistanceEstimate{}, err
	}
	if radiusKM.IsNegative() {
		return domain.DistanceEstimate{}, validationError("delivery radius must not be negative")
	}

	km := decimal.NewFromFloat(haversineKM(origin, destination)).Round(distancePrecisionScale)
	return domain.DistanceEstimate{
		KM:           km,
		WithinRadius: km.LessThanOrEqual(radiusKM),
	}, nil
}

// TravelTime converts a distance into a riding time at speedKMH, never less than a small floor.
func TravelTime(km decimal.Decimal, speedKMH float64) time.Duration {
	if speedKMH <= 0 {
		speedKMH = defaultRiderSpeedKMH
	}
	hours := km.InexactFloat64() / speedKMH
	travel := time.Duration(hours * float64(time.Hour)).Round(time.Minute)
	if travel < minimumTravelEstimate {
		return minimumTravelEstimate
	}
	return travel
}

func validateCoordinates(c domain.Coordinates) error {
	if math.IsNaN(c.Lat) || c.Lat < -90 || c.Lat > 90 {
		return validationError("latitude %v out of range", c.Lat)
	}
	if math.IsNaN(c.Lng) || c.Lng < -180 || c.Lng > 180 {
		return validationError("longitude %v out of range", c.Lng)
	}
	return nil
}

func haversineKM(a, b domain.Coordinates) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKM * math.Asin(math.Min(1, math.Sqrt(h)))
}
