package services

import (
	"context"
	"testing"

	domain "github.com/Antinna/HTTP-3/internal/domain"
	"github.com/Antinna/HTTP-3/internal/repositories/memory"
)

func TestMenuGroupsAvailableItems(t *testing.T) {
	store := memory.New()
	store.Seed(
		[]domain.MenuCategory{
			{ID: "starters", Name: "Starters", SortOrder: 1, IsActive: true},
			{ID: "mains", Name: "Mains", SortOrder: 2, IsActive: true},
			{ID: "desserts", Name: "Desserts", SortOrder: 3, IsActive: true},
			{ID: "seasonal", Name: "Seasonal", SortOrder: 4, IsActive: false},
		},
		[]domain.MenuItem{
			{ID: "samosa", CategoryID: "starters", Name: "Samosa", Price: dec("30"), IsAvailable: true},
			{ID: "dal", CategoryID: "mains", Name: "Dal", Price: dec("50"), IsAvailable: true},
			{ID: "kheer", CategoryID: "desserts", Name: "Kheer", Price: dec("60"), IsAvailable: false},
			{ID: "mango", CategoryID: "seasonal", Name: "Mango Lassi", Price: dec("80"), IsAvailable: true},
		},
		nil,
	)
	svc, err := NewMenuService(MenuServiceDeps{Menu: store.Menu()})
	if err != nil {
		t.Fatalf("NewMenuService: %v", err)
	}

	menu, err := svc.Menu(context.Background())
	if err != nil {
		t.Fatalf("Menu: %v", err)
	}
	if len(menu.Categories) != 2 {
		t.Fatalf("expected starters and mains only, got %d sections", len(menu.Categories))
	}
	if menu.Categories[0].Category.ID != "starters" || menu.Categories[1].Category.ID != "mains" {
		t.Fatalf("unexpected order %s, %s", menu.Categories[0].Category.ID, menu.Categories[1].Category.ID)
	}
	if len(menu.Categories[1].Items) != 1 || menu.Categories[1].Items[0].ID != "dal" {
		t.Fatalf("unexpected mains %+v", menu.Categories[1].Items)
	}
}
