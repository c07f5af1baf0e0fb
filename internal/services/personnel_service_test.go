package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/Antinna/HTTP-3/internal/domain"
	"github.com/Antinna/HTTP-3/internal/repositories/memory"
)

func newPersonnelService(t *testing.T) (PersonnelService, *memory.Store, *time.Time) {
	t.Helper()
	now := fixtureNow
	clock := func() time.Time { return now }
	store := memory.New(memory.WithClock(clock))
	svc, err := NewPersonnelService(PersonnelServiceDeps{Personnel: store.DeliveryPersonnel(), Clock: clock, IDGenerator: sequentialIDs()})
	if err != nil {
		t.Fatalf("NewPersonnelService: %v", err)
	}
	return svc, store, &now
}

func TestPersonnelRegister(t *testing.T) {
	svc, _, _ := newPersonnelService(t)
	ctx := context.Background()

	person, err := svc.Register(ctx, RegisterPersonnelCommand{
		UserID: "user-9", Name: " Ravi <i>K</i> ", Phone: "+91 98450 00000", VehicleType: "Scooter", VehicleNumber: "ka01ab1234",
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if person.Status != domain.DeliveryStatusOffline || !person.IsActive || !person.Rating.Equal(dec("5")) {
		t.Fatalf("unexpected defaults %+v", person)
	}
	if person.Name != "Ravi K" || person.VehicleType != "scooter" || person.VehicleNumber != "KA01AB1234" {
		t.Fatalf("expected normalised fields, got %+v", person)
	}

	_, err = svc.Register(ctx, RegisterPersonnelCommand{UserID: "user-9", Name: "Again", Phone: "1", VehicleType: "car"})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for a second profile, got %v", err)
	}
	_, err = svc.Register(ctx, RegisterPersonnelCommand{UserID: "user-10", Name: "Tank", Phone: "1", VehicleType: "tank"})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for vehicle, got %v", err)
	}
}

func TestPersonnelAvailability(t *testing.T) {
	svc, store, _ := newPersonnelService(t)
	ctx := context.Background()
	person, err := svc.Register(ctx, RegisterPersonnelCommand{UserID: "user-9", Name: "Ravi", Phone: "1", VehicleType: "bicycle"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	updated, err := svc.SetAvailability(ctx, "user-9", domain.DeliveryStatusAvailable)
	if err != nil || updated.Status != domain.DeliveryStatusAvailable {
		t.Fatalf("expected available, got %+v, %v", updated, err)
	}
	if _, err := svc.SetAvailability(ctx, "user-9", domain.DeliveryStatusBusy); !errors.Is(err, ErrValidation) {
		t.Fatalf("busy is not self-service, got %v", err)
	}

	if _, err := store.DeliveryPersonnel().Claim(ctx, person.ID); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if _, err := svc.SetAvailability(ctx, "user-9", domain.DeliveryStatusOffline); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition mid-delivery, got %v", err)
	}
	if _, err := store.DeliveryPersonnel().CompareAndSetStatus(ctx, person.ID, domain.DeliveryStatusBusy, domain.DeliveryStatusAvailable); err != nil {
		t.Fatalf("CompareAndSetStatus: %v", err)
	}

	deactivated, err := svc.SetActive(ctx, person.ID, false)
	if err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	if deactivated.IsActive || deactivated.Status != domain.DeliveryStatusOffline {
		t.Fatalf("expected inactive and offline, got %+v", deactivated)
	}
	if _, err := svc.SetAvailability(ctx, "user-9", domain.DeliveryStatusAvailable); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for inactive rider, got %v", err)
	}
	if _, err := svc.Me(ctx, "user-404"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPersonnelUpdateLocation(t *testing.T) {
	svc, _, now := newPersonnelService(t)
	ctx := context.Background()
	if _, err := svc.Register(ctx, RegisterPersonnelCommand{UserID: "user-9", Name: "Ravi", Phone: "1", VehicleType: "car"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	*now = now.Add(time.Minute)
	person, err := svc.UpdateLocation(ctx, "user-9", domain.Coordinates{Lat: 12.98, Lng: 77.6})
	if err != nil {
		t.Fatalf("UpdateLocation: %v", err)
	}
	if person.Location == nil || person.LocationUpdatedAt == nil || !person.LocationUpdatedAt.Equal(*now) {
		t.Fatalf("expected stamped location, got %+v", person)
	}
	if !person.HasRecentLocation(now.Add(5 * time.Minute)) {
		t.Fatalf("expected location to be recent")
	}
	if _, err := svc.UpdateLocation(ctx, "user-9", domain.Coordinates{Lat: 91}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for latitude, got %v", err)
	}
}
