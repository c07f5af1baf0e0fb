package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	domain "github.com/Antinna/HTTP-3/internal/domain"
	pg "github.com/Antinna/HTTP-3/internal/platform/postgres"
	"github.com/Antinna/HTTP-3/internal/repositories"
)

const personnelColumns = `id, user_id, name, phone, vehicle_type, vehicle_number, license_number, status, latitude,
	longitude, location_updated_at, rating, total_deliveries, total_earnings, is_active, created_at, updated_at`

type personnelRepository struct {
	pool *pgxpool.Pool
}

func (r personnelRepository) Insert(ctx context.Context, person domain.DeliveryPersonnel) error {
	lat, lng := coordinates(person.Location)
	_, err := pg.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO delivery_personnel (`+personnelColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		person.ID, person.UserID, person.Name, person.Phone, person.VehicleType, person.VehicleNumber,
		person.LicenseNumber, string(person.Status), lat, lng, person.LocationUpdatedAt, person.Rating,
		person.TotalDeliveries, person.TotalEarnings, person.IsActive, person.CreatedAt, person.UpdatedAt)
	return pg.WrapError("insert delivery person", err)
}

func (r personnelRepository) FindByID(ctx context.Context, personID string) (domain.DeliveryPersonnel, error) {
	return r.findOne(ctx, "id = $1", personID, "")
}

func (r personnelRepository) FindByUserID(ctx context.Context, userID string) (domain.DeliveryPersonnel, error) {
	return r.findOne(ctx, "user_id = $1", userID, "")
}

func (r personnelRepository) findOne(ctx context.Context, where, value, suffix string) (domain.DeliveryPersonnel, error) {
	row := pg.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+personnelColumns+` FROM delivery_personnel WHERE `+where+suffix, value)
	person, err := scanPersonnel(row)
	if isNoRows(err) {
		return domain.DeliveryPersonnel{}, pg.NotFound("find delivery person", "delivery person %s not found", value)
	}
	return person, pg.WrapError("find delivery person", err)
}

func (r personnelRepository) List(ctx context.Context, activeOnly bool) ([]domain.DeliveryPersonnel, error) {
	return r.query(ctx, `SELECT `+personnelColumns+` FROM delivery_personnel WHERE ($1 = FALSE OR is_active) ORDER BY id`, activeOnly)
}

func (r personnelRepository) ListAvailable(ctx context.Context) ([]domain.DeliveryPersonnel, error) {
	return r.query(ctx, `SELECT `+personnelColumns+` FROM delivery_personnel
		WHERE is_active AND status = 'available' ORDER BY id`)
}

func (r personnelRepository) query(ctx context.Context, query string, args ...any) ([]domain.DeliveryPersonnel, error) {
	rows, err := pg.Conn(ctx, r.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, pg.WrapError("list delivery personnel", err)
	}
	defer rows.Close()

	var out []domain.DeliveryPersonnel
	for rows.Next() {
		person, err := scanPersonnel(rows)
		if err != nil {
			return nil, pg.WrapError("list delivery personnel", err)
		}
		out = append(out, person)
	}
	return out, pg.WrapError("list delivery personnel", rows.Err())
}

// Update locks the row for the duration of mutate. Outside a unit of work it opens its own transaction.
func (r personnelRepository) Update(ctx context.Context, personID string, mutate repositories.DeliveryPersonnelMutator) (domain.DeliveryPersonnel, error) {
	var updated domain.DeliveryPersonnel
	err := inTx(ctx, r.pool, func(ctx context.Context) error {
		current, err := r.findOne(ctx, "id = $1", personID, " FOR UPDATE")
		if err != nil {
			return err
		}
		next := current
		if err := mutate(&next); err != nil {
			return err
		}
		next.ID = current.ID
		next.UserID = current.UserID

		lat, lng := coordinates(next.Location)
		err = pg.Conn(ctx, r.pool).QueryRow(ctx, `
			UPDATE delivery_personnel SET name = $2, phone = $3, vehicle_type = $4, vehicle_number = $5,
				license_number = $6, status = $7, latitude = $8, longitude = $9, location_updated_at = $10,
				rating = $11, total_deliveries = $12, total_earnings = $13, is_active = $14, updated_at = now()
			WHERE id = $1
			RETURNING updated_at`,
			next.ID, next.Name, next.Phone, next.VehicleType, next.VehicleNumber, next.LicenseNumber,
			string(next.Status), lat, lng, next.LocationUpdatedAt, next.Rating, next.TotalDeliveries,
			next.TotalEarnings, next.IsActive).Scan(&next.UpdatedAt)
		if err != nil {
			return pg.WrapError("update delivery person", err)
		}
		next.UpdatedAt = next.UpdatedAt.UTC()
		updated = next
		return nil
	})
	if err != nil {
		return domain.DeliveryPersonnel{}, err
	}
	return updated, nil
}

// Claim is a single conditional update, so concurrent claimers serialise on the row lock and only one sees a
// row affected.
func (r personnelRepository) Claim(ctx context.Context, personID string) (bool, error) {
	tag, err := pg.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE delivery_personnel SET status = 'busy', updated_at = now()
		WHERE id = $1 AND is_active AND status = 'available'`, personID)
	if err != nil {
		return false, pg.WrapError("claim delivery person", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	return false, r.ensureExists(ctx, personID)
}

func (r personnelRepository) CompareAndSetStatus(ctx context.Context, personID string, from, to domain.DeliveryStatus) (bool, error) {
	tag, err := pg.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE delivery_personnel SET status = $3, updated_at = now()
		WHERE id = $1 AND status = $2`, personID, string(from), string(to))
	if err != nil {
		return false, pg.WrapError("set delivery status", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	return false, r.ensureExists(ctx, personID)
}

func (r personnelRepository) ensureExists(ctx context.Context, personID string) error {
	var exists bool
	err := pg.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM delivery_personnel WHERE id = $1)`, personID).Scan(&exists)
	if err != nil {
		return pg.WrapError("find delivery person", err)
	}
	if !exists {
		return pg.NotFound("find delivery person", "delivery person %s not found", personID)
	}
	return nil
}

func scanPersonnel(row rowScanner) (domain.DeliveryPersonnel, error) {
	var (
		p        domain.DeliveryPersonnel
		status   string
		lat, lng *float64
	)
	if err := row.Scan(&p.ID, &p.UserID, &p.Name, &p.Phone, &p.VehicleType, &p.VehicleNumber, &p.LicenseNumber,
		&status, &lat, &lng, &p.LocationUpdatedAt, &p.Rating, &p.TotalDeliveries, &p.TotalEarnings, &p.IsActive,
		&p.CreatedAt, &p.UpdatedAt); err != nil {
		return domain.DeliveryPersonnel{}, err
	}
	p.Status = domain.DeliveryStatus(status)
	if lat != nil && lng != nil {
		p.Location = &domain.Coordinates{Lat: *lat, Lng: *lng}
	}
	p.LocationUpdatedAt = utcPtr(p.LocationUpdatedAt)
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

func coordinates(loc *domain.Coordinates) (*float64, *float64) {
	if loc == nil {
		return nil, nil
	}
	lat, lng := loc.Lat, loc.Lng
	return &lat, &lng
}
