package services

import (
	"context"
	"errors"

	"github.com/Antinna/HTTP-3/internal/repositories"
)

// MenuServiceDeps bundles collaborators for the menu service.
type MenuServiceDeps struct {
	Menu repositories.MenuRepository
}

type menuService struct {
	menu repositories.MenuRepository
}

// NewMenuService constructs the menu service.
func NewMenuService(deps MenuServiceDeps) (MenuService, error) {
	if deps.Menu == nil {
		return nil, errors.New("menu service: menu repository is required")
	}
	return &menuService{menu: deps.Menu}, nil
}

// Menu returns active categories with their available items. Empty categories are omitted.
func (s *menuService) Menu(ctx context.Context) (Menu, error) {
	categories, err := s.menu.ListCategories(ctx)
	if err != nil {
		return Menu{}, mapRepositoryError(err)
	}
	items, err := s.menu.ListItems(ctx, true)
	if err != nil {
		return Menu{}, mapRepositoryError(err)
	}

	index := make(map[string]int, len(categories))
	sections := make([]MenuSection, len(categories))
	for i, category := range categories {
		index[category.ID] = i
		sections[i] = MenuSection{Category: category}
	}
	for _, item := range items {
		if i, ok := index[item.CategoryID]; ok {
			sections[i].Items = append(sections[i].Items, item)
		}
	}

	out := Menu{Categories: make([]MenuSection, 0, len(sections))}
	for _, section := range sections {
		if len(section.Items) > 0 {
			out.Categories = append(out.Categories, section)
		}
	}
	return out, nil
}
