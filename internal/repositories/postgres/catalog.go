package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	domain "github.com/Antinna/HTTP-3/internal/domain"
	pg "github.com/Antinna/HTTP-3/internal/platform/postgres"
)

const menuItemColumns = `id, category_id, name, description, price, image_url, is_vegetarian, is_vegan, is_gluten_free,
	spice_level, is_available, ingredients, allergens, prep_time_minutes, sort_order, created_at, updated_at`

type menuRepository struct {
	pool *pgxpool.Pool
}

func (r menuRepository) ListCategories(ctx context.Context) ([]domain.MenuCategory, error) {
	rows, err := pg.Conn(ctx, r.pool).Query(ctx, `
		SELECT id, name, description, sort_order, is_active FROM menu_categories
		WHERE is_active ORDER BY sort_order, name`)
	if err != nil {
		return nil, pg.WrapError("list categories", err)
	}
	defer rows.Close()

	out := make([]domain.MenuCategory, 0)
	for rows.Next() {
		var c domain.MenuCategory
		if err := rows.Scan(&c.ID, &c.Name, &c.Description, &c.SortOrder, &c.IsActive); err != nil {
			return nil, pg.WrapError("list categories", err)
		}
		out = append(out, c)
	}
	return out, pg.WrapError("list categories", rows.Err())
}

func (r menuRepository) ListItems(ctx context.Context, availableOnly bool) ([]domain.MenuItem, error) {
	return r.queryItems(ctx, "list menu items", `SELECT `+menuItemColumns+` FROM menu_items
		WHERE ($1 = FALSE OR is_available) ORDER BY category_id, sort_order, name`, availableOnly)
}

func (r menuRepository) FindItems(ctx context.Context, itemIDs []string) (map[string]domain.MenuItem, error) {
	out := make(map[string]domain.MenuItem, len(itemIDs))
	if len(itemIDs) == 0 {
		return out, nil
	}
	items, err := r.queryItems(ctx, "find menu items",
		`SELECT `+menuItemColumns+` FROM menu_items WHERE id = ANY($1)`, itemIDs)
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		out[item.ID] = item
	}
	return out, nil
}

func (r menuRepository) queryItems(ctx context.Context, op, query string, args ...any) ([]domain.MenuItem, error) {
	rows, err := pg.Conn(ctx, r.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, pg.WrapError(op, err)
	}
	defer rows.Close()

	out := make([]domain.MenuItem, 0)
	for rows.Next() {
		var item domain.MenuItem
		if err := rows.Scan(&item.ID, &item.CategoryID, &item.Name, &item.Description, &item.Price, &item.ImageURL,
			&item.IsVegetarian, &item.IsVegan, &item.IsGlutenFree, &item.SpiceLevel, &item.IsAvailable,
			&item.Ingredients, &item.Allergens, &item.PrepTimeMinutes, &item.SortOrder, &item.CreatedAt,
			&item.UpdatedAt); err != nil {
			return nil, pg.WrapError(op, err)
		}
		item.CreatedAt = item.CreatedAt.UTC()
		item.UpdatedAt = item.UpdatedAt.UTC()
		out = append(out, item)
	}
	return out, pg.WrapError(op, rows.Err())
}

type settingsRepository struct {
	pool *pgxpool.Pool
}

func (r settingsRepository) List(ctx context.Context) ([]domain.SystemSetting, error) {
	rows, err := pg.Conn(ctx, r.pool).Query(ctx, `
		SELECT key, value, description, updated_by, updated_at FROM system_configuration ORDER BY key`)
	if err != nil {
		return nil, pg.WrapError("list settings", err)
	}
	defer rows.Close()

	out := make([]domain.SystemSetting, 0)
	for rows.Next() {
		var s domain.SystemSetting
		if err := rows.Scan(&s.Key, &s.Value, &s.Description, &s.UpdatedBy, &s.UpdatedAt); err != nil {
			return nil, pg.WrapError("list settings", err)
		}
		s.UpdatedAt = s.UpdatedAt.UTC()
		out = append(out, s)
	}
	return out, pg.WrapError("list settings", rows.Err())
}

// Upsert writes every row in one transaction. An empty description keeps the stored one.
func (r settingsRepository) Upsert(ctx context.Context, settings []domain.SystemSetting) error {
	return inTx(ctx, r.pool, func(ctx context.Context) error {
		db := pg.Conn(ctx, r.pool)
		for _, s := range settings {
			var updatedAt any
			if !s.UpdatedAt.IsZero() {
				updatedAt = s.UpdatedAt
			}
			_, err := db.Exec(ctx, `
				INSERT INTO system_configuration (key, value, description, updated_by, updated_at)
				VALUES ($1, $2, $3, $4, COALESCE($5::timestamptz, now()))
				ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value,
					description = COALESCE(NULLIF(EXCLUDED.description, ''), system_configuration.description),
					updated_by = EXCLUDED.updated_by, updated_at = EXCLUDED.updated_at`,
				s.Key, s.Value, s.Description, s.UpdatedBy, updatedAt)
			if err != nil {
				return pg.WrapError("upsert setting", err)
			}
		}
		return nil
	})
}
