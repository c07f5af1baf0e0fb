package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	domain "github.com/Antinna/HTTP-3/internal/domain"
	"github.com/Antinna/HTTP-3/internal/platform/textutil"
	"github.com/Antinna/HTTP-3/internal/repositories"
)

var defaultRiderRating = decimal.NewFromInt(5)

// PersonnelServiceDeps bundles collaborators for the personnel service.
type PersonnelServiceDeps struct {
	Personnel   repositories.DeliveryPersonnelRepository
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type personnelService struct {
	personnel repositories.DeliveryPersonnelRepository
	clock     func() time.Time
	newID     func() string
	logger    func(context.Context, string, map[string]any)
}

// NewPersonnelService constructs the personnel service.
func NewPersonnelService(deps PersonnelServiceDeps) (PersonnelService, error) {
	if deps.Personnel == nil {
		return nil, errors.New("personnel service: delivery personnel repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &personnelService{
		personnel: deps.Personnel,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

func (s *personnelService) Register(ctx context.Context, cmd RegisterPersonnelCommand) (domain.DeliveryPersonnel, error) {
	person := domain.DeliveryPersonnel{
		ID:            s.newID(),
		UserID:        strings.TrimSpace(cmd.UserID),
		Name:          textutil.SanitizePlainText(cmd.Name, 120),
		Phone:         strings.TrimSpace(cmd.Phone),
		VehicleType:   strings.ToLower(strings.TrimSpace(cmd.VehicleType)),
		VehicleNumber: strings.ToUpper(strings.TrimSpace(cmd.VehicleNumber)),
		LicenseNumber: strings.ToUpper(strings.TrimSpace(cmd.LicenseNumber)),
		Status:        domain.DeliveryStatusOffline,
		Rating:        defaultRiderRating,
		TotalEarnings: decimal.Zero,
		IsActive:      true,
	}
	switch {
	case person.UserID == "":
		return domain.DeliveryPersonnel{}, validationError("user id is required")
	case person.Name == "":
		return domain.DeliveryPersonnel{}, validationError("name is required")
	case person.Phone == "":
		return domain.DeliveryPersonnel{}, validationError("phone is required")
	}
	switch person.VehicleType {
	case "bicycle", "motorcycle", "scooter", "car":
	default:
		return domain.DeliveryPersonnel{}, validationError("unsupported vehicle type %q", cmd.VehicleType)
	}

	now := s.clock()
	person.CreatedAt = now
	person.UpdatedAt = now
	if err := s.personnel.Insert(ctx, person); err != nil {
		return domain.DeliveryPersonnel{}, mapRepositoryError(err)
	}
	s.logger(ctx, "personnel.registered", map[string]any{"personID": person.ID, "userID": person.UserID})
	return person, nil
}

func (s *personnelService) List(ctx context.Context, activeOnly bool) ([]domain.DeliveryPersonnel, error) {
	people, err := s.personnel.List(ctx, activeOnly)
	if err != nil {
		return nil, mapRepositoryError(err)
	}
	return people, nil
}

// SetActive toggles dispatch eligibility. A deactivated person also goes offline unless mid-delivery.
func (s *personnelService) SetActive(ctx context.Context, personID string, active bool) (domain.DeliveryPersonnel, error) {
	personID = strings.TrimSpace(personID)
	if personID == "" {
		return domain.DeliveryPersonnel{}, validationError("delivery person id is required")
	}
	person, err := s.personnel.Update(ctx, personID, func(p *domain.DeliveryPersonnel) error {
		p.IsActive = active
		if !active && p.Status == domain.DeliveryStatusAvailable {
			p.Status = domain.DeliveryStatusOffline
		}
		return nil
	})
	if err != nil {
		return domain.DeliveryPersonnel{}, mapRepositoryError(err)
	}
	return person, nil
}

func (s *personnelService) Me(ctx context.Context, userID string) (domain.DeliveryPersonnel, error) {
	person, err := s.personnel.FindByUserID(ctx, strings.TrimSpace(userID))
	if err != nil {
		return domain.DeliveryPersonnel{}, mapRepositoryError(err)
	}
	return person, nil
}

func (s *personnelService) UpdateLocation(ctx context.Context, userID string, location domain.Coordinates) (domain.DeliveryPersonnel, error) {
	if err := validateCoordinates(location); err != nil {
		return domain.DeliveryPersonnel{}, err
	}
	current, err := s.Me(ctx, userID)
	if err != nil {
		return domain.DeliveryPersonnel{}, err
	}
	now := s.clock()
	person, err := s.personnel.Update(ctx, current.ID, func(p *domain.DeliveryPersonnel) error {
		loc := location
		p.Location = &loc
		p.LocationUpdatedAt = &now
		return nil
	})
	if err != nil {
		return domain.DeliveryPersonnel{}, mapRepositoryError(err)
	}
	return person, nil
}

// SetAvailability lets a rider go on or off shift. Busy is owned by dispatch and cannot be set directly.
func (s *personnelService) SetAvailability(ctx context.Context, userID string, status domain.DeliveryStatus) (domain.DeliveryPersonnel, error) {
	if status != domain.DeliveryStatusAvailable && status != domain.DeliveryStatusOffline {
		return domain.DeliveryPersonnel{}, validationError("availability must be %s or %s", domain.DeliveryStatusAvailable, domain.DeliveryStatusOffline)
	}
	current, err := s.Me(ctx, userID)
	if err != nil {
		return domain.DeliveryPersonnel{}, err
	}
	person, err := s.personnel.Update(ctx, current.ID, func(p *domain.DeliveryPersonnel) error {
		if p.Status == domain.DeliveryStatusBusy {
			return fmt.Errorf("%w: cannot change availability during a delivery", ErrInvalidTransition)
		}
		if status == domain.DeliveryStatusAvailable && !p.IsActive {
			return fmt.Errorf("%w: deactivated personnel cannot go available", ErrForbidden)
		}
		p.Status = status
		return nil
	})
	if err != nil {
		return domain.DeliveryPersonnel{}, mapRepositoryError(err)
	}
	return person, nil
}
