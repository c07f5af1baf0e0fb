package memory

import (
	"context"
	"slices"
	"strings"

	domain "github.com/Antinna/HTTP-3/internal/domain"
)

type menuRepository struct{ s *Store }

func (r menuRepository) ListCategories(ctx context.Context) ([]domain.MenuCategory, error) {
	defer r.s.enter(ctx)()
	out := make([]domain.MenuCategory, 0, len(r.s.data.categories))
	for _, c := range r.s.data.categories {
		if c.IsActive {
			out = append(out, c)
		}
	}
	slices.SortFunc(out, func(a, b domain.MenuCategory) int {
		if a.SortOrder != b.SortOrder {
			return a.SortOrder - b.SortOrder
		}
		return strings.Compare(a.Name, b.Name)
	})
	return out, nil
}

func (r menuRepository) ListItems(ctx context.Context, availableOnly bool) ([]domain.MenuItem, error) {
	defer r.s.enter(ctx)()
	out := make([]domain.MenuItem, 0, len(r.s.data.items))
	for _, item := range r.s.data.items {
		if availableOnly && !item.IsAvailable {
			continue
		}
		out = append(out, cloneMenuItem(item))
	}
	slices.SortFunc(out, func(a, b domain.MenuItem) int {
		if c := strings.Compare(a.CategoryID, b.CategoryID); c != 0 {
			return c
		}
		if a.SortOrder != b.SortOrder {
			return a.SortOrder - b.SortOrder
		}
		return strings.Compare(a.Name, b.Name)
	})
	return out, nil
}

func (r menuRepository) FindItems(ctx context.Context, itemIDs []string) (map[string]domain.MenuItem, error) {
	defer r.s.enter(ctx)()
	out := make(map[string]domain.MenuItem, len(itemIDs))
	for _, id := range itemIDs {
		if item, ok := r.s.data.items[id]; ok {
			out[id] = cloneMenuItem(item)
		}
	}
	return out, nil
}

type settingsRepository struct{ s *Store }

func (r settingsRepository) List(ctx context.Context) ([]domain.SystemSetting, error) {
	defer r.s.enter(ctx)()
	out := make([]domain.SystemSetting, 0, len(r.s.data.settings))
	for _, setting := range r.s.data.settings {
		out = append(out, setting)
	}
	slices.SortFunc(out, func(a, b domain.SystemSetting) int {
		return strings.Compare(a.Key, b.Key)
	})
	return out, nil
}

func (r settingsRepository) Upsert(ctx context.Context, settings []domain.SystemSetting) error {
	defer r.s.enter(ctx)()
	for _, setting := range settings {
		if existing, ok := r.s.data.settings[setting.Key]; ok && setting.Description == "" {
			setting.Description = existing.Description
		}
		if setting.UpdatedAt.IsZero() {
			setting.UpdatedAt = r.s.clock().UTC()
		}
		r.s.data.settings[setting.Key] = setting
	}
	return nil
}
