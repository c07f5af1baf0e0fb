// Package postgres implements the repository registry on PostgreSQL through pgx.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	domain "github.com/Antinna/HTTP-3/internal/domain"
	pg "github.com/Antinna/HTTP-3/internal/platform/postgres"
	"github.com/Antinna/HTTP-3/internal/repositories"
)

//go:embed schema.sql
var schema string

// Migrate applies the schema and seeds default settings. Every statement is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if pool == nil {
		return errors.New("postgres migrate: pool is required")
	}
	// No arguments keeps pgx on the simple protocol, which accepts several statements at once.
	if _, err := pool.Exec(ctx, schema); err != nil {
		return pg.WrapError("migrate", err)
	}
	return nil
}

// Registry implements repositories.Registry over a pgx pool.
type Registry struct {
	pool *pgxpool.Pool
	uow  *pg.UnitOfWork
}

var _ repositories.Registry = (*Registry)(nil)

// New builds a registry. The pool is owned by the registry and closed by Close.
func New(pool *pgxpool.Pool, opts ...pg.TxOption) (*Registry, error) {
	if pool == nil {
		return nil, errors.New("postgres registry: pool is required")
	}
	return &Registry{pool: pool, uow: pg.NewUnitOfWork(pool, opts...)}, nil
}

// Close releases the pool.
func (r *Registry) Close(context.Context) error {
	r.pool.Close()
	return nil
}

// Pool exposes the underlying pool for readiness probes.
func (r *Registry) Pool() *pgxpool.Pool { return r.pool }

// RunInTx delegates to the unit of work; repositories pick the transaction up from ctx.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.uow.RunInTx(ctx, fn)
}

func (r *Registry) Orders() repositories.OrderRepository { return orderRepository{pool: r.pool} }

func (r *Registry) Payments() repositories.PaymentRepository { return paymentRepository{pool: r.pool} }

func (r *Registry) Tips() repositories.TipRepository { return tipRepository{pool: r.pool} }

func (r *Registry) DeliveryPersonnel() repositories.DeliveryPersonnelRepository {
	return personnelRepository{pool: r.pool}
}

func (r *Registry) Menu() repositories.MenuRepository { return menuRepository{pool: r.pool} }

func (r *Registry) Settings() repositories.SettingsRepository { return settingsRepository{pool: r.pool} }

func (r *Registry) Outbox() repositories.OutboxRepository { return outboxRepository{pool: r.pool} }

// SeedCatalog upserts menu data. It is used by the development seed command.
func (r *Registry) SeedCatalog(ctx context.Context, categories []domain.MenuCategory, items []domain.MenuItem) error {
	return r.RunInTx(ctx, func(ctx context.Context) error {
		db := pg.Conn(ctx, r.pool)
		for _, c := range categories {
			_, err := db.Exec(ctx, `
				INSERT INTO menu_categories (id, name, description, sort_order, is_active)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, description = EXCLUDED.description,
					sort_order = EXCLUDED.sort_order, is_active = EXCLUDED.is_active`,
				c.ID, c.Name, c.Description, c.SortOrder, c.IsActive)
			if err != nil {
				return pg.WrapError("seed category", err)
			}
		}
		now := time.Now().UTC()
		for _, item := range items {
			_, err := db.Exec(ctx, `
				INSERT INTO menu_items (id, category_id, name, description, price, image_url, is_vegetarian, is_vegan,
					is_gluten_free, spice_level, is_available, ingredients, allergens, prep_time_minutes, sort_order,
					created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $16)
				ON CONFLICT (id) DO UPDATE SET category_id = EXCLUDED.category_id, name = EXCLUDED.name,
					description = EXCLUDED.description, price = EXCLUDED.price, image_url = EXCLUDED.image_url,
					is_vegetarian = EXCLUDED.is_vegetarian, is_vegan = EXCLUDED.is_vegan,
					is_gluten_free = EXCLUDED.is_gluten_free, spice_level = EXCLUDED.spice_level,
					is_available = EXCLUDED.is_available, ingredients = EXCLUDED.ingredients,
					allergens = EXCLUDED.allergens, prep_time_minutes = EXCLUDED.prep_time_minutes,
					sort_order = EXCLUDED.sort_order, updated_at = EXCLUDED.updated_at`,
				item.ID, item.CategoryID, item.Name, item.Description, item.Price, item.ImageURL, item.IsVegetarian,
				item.IsVegan, item.IsGlutenFree, item.SpiceLevel, item.IsAvailable, nonNilStrings(item.Ingredients),
				nonNilStrings(item.Allergens), item.PrepTimeMinutes, item.SortOrder, now)
			if err != nil {
				return pg.WrapError("seed menu item", err)
			}
		}
		return nil
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

// inTx runs fn in the transaction on ctx, or in a fresh one for multi-statement writes made outside a unit of work.
func inTx(ctx context.Context, pool *pgxpool.Pool, fn func(ctx context.Context) error) error {
	if pg.InTx(ctx) {
		return fn(ctx)
	}
	return pg.NewUnitOfWork(pool).RunInTx(ctx, fn)
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
