package services

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/Antinna/HTTP-3/internal/domain"
)

var restaurant = domain.Coordinates{Lat: 12.9716, Lng: 77.5946}

func TestEstimateDistanceKnownPair(t *testing.T) {
	// Central Bengaluru to Kempegowda airport is roughly 28 km as the crow flies.
	airport := domain.Coordinates{Lat: 13.1986, Lng: 77.7066}

	got, err := EstimateDistance(restaurant, airport, decimal.NewFromInt(10))
	if err != nil {
		t.Fatalf("EstimateDistance: %v", err)
	}
	if km := got.KM.InexactFloat64(); math.Abs(km-27.98) > 0.5 {
		t.Fatalf("expected about 28 km, got %v", km)
	}
	if got.WithinRadius {
		t.Fatalf("expected airport outside a 10 km radius")
	}
}

func TestEstimateDistanceSamePoint(t *testing.T) {
	got, err := EstimateDistance(restaurant, restaurant, decimal.Zero)
	if err != nil {
		t.Fatalf("EstimateDistance: %v", err)
	}
	if !got.KM.IsZero() || !got.WithinRadius {
		t.Fatalf("expected zero distance within radius, got %+v", got)
	}
}

func TestEstimateDistanceRejectsInvalidCoordinates(t *testing.T) {
	cases := []domain.Coordinates{
		{Lat: 91, Lng: 0},
		{Lat: -90.5, Lng: 0},
		{Lat: 0, Lng: 180.1},
		{Lat: 0, Lng: -181},
		{Lat: math.NaN(), Lng: 0},
	}
	for _, dest := range cases {
		if _, err := EstimateDistance(restaurant, dest, decimal.NewFromInt(5)); !errors.Is(err, ErrValidation) {
			t.Fatalf("expected validation error for %+v, got %v", dest, err)
		}
	}
}

func TestTravelTime(t *testing.T) {
	if got := TravelTime(decimal.NewFromInt(10), 20); got != 30*time.Minute {
		t.Fatalf("expected 30m, got %s", got)
	}
	if got := TravelTime(decimal.RequireFromString("0.3"), 20); got != minimumTravelEstimate {
		t.Fatalf("expected floor %s, got %s", minimumTravelEstimate, got)
	}
	if got := TravelTime(decimal.NewFromInt(20), 0); got != time.Hour {
		t.Fatalf("expected default speed to give 1h, got %s", got)
	}
}
