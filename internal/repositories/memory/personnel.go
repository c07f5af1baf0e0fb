package memory

import (
	"context"
	"slices"
	"strings"

	domain "github.com/Antinna/HTTP-3/internal/domain"
	"github.com/Antinna/HTTP-3/internal/repositories"
)

type personnelRepository struct{ s *Store }

func (r personnelRepository) Insert(ctx context.Context, person domain.DeliveryPersonnel) error {
	defer r.s.enter(ctx)()
	data := r.s.data
	if _, exists := data.personnel[person.ID]; exists {
		return conflict("delivery person %s already exists", person.ID)
	}
	if _, taken := data.personnelByUser[person.UserID]; taken {
		return conflict("user %s is already registered for delivery", person.UserID)
	}
	data.personnel[person.ID] = clonePersonnel(person)
	data.personnelByUser[person.UserID] = person.ID
	return nil
}

func (r personnelRepository) FindByID(ctx context.Context, personID string) (domain.DeliveryPersonnel, error) {
	defer r.s.enter(ctx)()
	person, ok := r.s.data.personnel[personID]
	if !ok {
		return domain.DeliveryPersonnel{}, notFound("delivery person %s not found", personID)
	}
	return clonePersonnel(person), nil
}

func (r personnelRepository) FindByUserID(ctx context.Context, userID string) (domain.DeliveryPersonnel, error) {
	defer r.s.enter(ctx)()
	id, ok := r.s.data.personnelByUser[userID]
	if !ok {
		return domain.DeliveryPersonnel{}, notFound("no delivery person for user %s", userID)
	}
	return clonePersonnel(r.s.data.personnel[id]), nil
}

func (r personnelRepository) List(ctx context.Context, activeOnly bool) ([]domain.DeliveryPersonnel, error) {
	return r.collect(ctx, func(p domain.DeliveryPersonnel) bool {
		return !activeOnly || p.IsActive
	})
}

func (r personnelRepository) ListAvailable(ctx context.Context) ([]domain.DeliveryPersonnel, error) {
	return r.collect(ctx, func(p domain.DeliveryPersonnel) bool {
		return p.IsActive && p.Status == domain.DeliveryStatusAvailable
	})
}

func (r personnelRepository) collect(ctx context.Context, keep func(domain.DeliveryPersonnel) bool) ([]domain.DeliveryPersonnel, error) {
	defer r.s.enter(ctx)()
	var out []domain.DeliveryPersonnel
	for _, person := range r.s.data.personnel {
		if keep(person) {
			out = append(out, clonePersonnel(person))
		}
	}
	slices.SortFunc(out, func(a, b domain.DeliveryPersonnel) int {
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (r personnelRepository) Update(ctx context.Context, personID string, mutate repositories.DeliveryPersonnelMutator) (domain.DeliveryPersonnel, error) {
	defer r.s.enter(ctx)()
	current, ok := r.s.data.personnel[personID]
	if !ok {
		return domain.DeliveryPersonnel{}, notFound("delivery person %s not found", personID)
	}
	next := clonePersonnel(current)
	if err := mutate(&next); err != nil {
		return domain.DeliveryPersonnel{}, err
	}
	next.ID = current.ID
	next.UserID = current.UserID
	next.UpdatedAt = r.s.clock().UTC()
	r.s.data.personnel[personID] = clonePersonnel(next)
	return next, nil
}

func (r personnelRepository) Claim(ctx context.Context, personID string) (bool, error) {
	defer r.s.enter(ctx)()
	person, ok := r.s.data.personnel[personID]
	if !ok {
		return false, notFound("delivery person %s not found", personID)
	}
	if !person.IsActive || person.Status != domain.DeliveryStatusAvailable {
		return false, nil
	}
	person.Status = domain.DeliveryStatusBusy
	person.UpdatedAt = r.s.clock().UTC()
	r.s.data.personnel[personID] = person
	return true, nil
}

func (r personnelRepository) CompareAndSetStatus(ctx context.Context, personID string, from, to domain.DeliveryStatus) (bool, error) {
	defer r.s.enter(ctx)()
	person, ok := r.s.data.personnel[personID]
	if !ok {
		return false, notFound("delivery person %s not found", personID)
	}
	if person.Status != from {
		return false, nil
	}
	person.Status = to
	person.UpdatedAt = r.s.clock().UTC()
	r.s.data.personnel[personID] = person
	return true, nil
}
