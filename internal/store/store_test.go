package store

import (
	"testing"

	"github.com/google/uuid"

	"gazer/internal/gallery"
)

func TestGalleryPatchApply(t *testing.T) {
	sched, _ := gallery.ParseCron("0 * * * *")
	g := Gallery{
		Name:                "watches",
		ScrapingPeriodicity: sched,
		SearchCriteria:      gallery.SearchCriteria{Keyword: "seiko"},
		IsActive:            true,
	}

	name := "vintage watches"
	active := false
	patch := GalleryPatch{Name: &name, IsActive: &active}
	patch.apply(&g)

	if g.Name != "vintage watches" || g.IsActive {
		t.Fatalf("patch not applied: %+v", g)
	}
	if g.SearchCriteria.Keyword != "seiko" {
		t.Fatal("unset patch field must not be touched")
	}
	if g.ScrapingPeriodicity.Expr() != "0 * * * *" {
		t.Fatal("unset schedule must not be touched")
	}
}

func TestGallerySchedulerStateProjection(t *testing.T) {
	sched, _ := gallery.ParseCron("*/5 * * * *")
	g := Gallery{
		ID:                  uuid.New(),
		Owner:               "alice",
		ScrapingPeriodicity: sched,
		SearchCriteria:      gallery.SearchCriteria{Keyword: "camera"},
		EvaluationCriteria:  gallery.EvaluationCriteria{{Question: "is it a camera?", Type: gallery.YesNo, Hard: true}},
		IsActive:            true,
		LastScraped:         map[gallery.Marketplace]gallery.UnixTime{gallery.Mercari: 42},
	}

	state := g.SchedulerState()
	if state.GalleryID != g.ID {
		t.Fatal("id not carried over")
	}
	if state.PreviousScraped[gallery.Mercari] != 42 {
		t.Fatalf("last scraped not projected: %v", state.PreviousScraped)
	}

	// The projection must be detached from the stored row.
	state.PreviousScraped[gallery.Mercari] = 99
	if g.LastScraped[gallery.Mercari] != 42 {
		t.Fatal("projection shares the map with the gallery")
	}
}

func TestEveryMarketplaceHasAColumn(t *testing.T) {
	for _, m := range gallery.AllMarketplaces() {
		if _, ok := marketplaceLastScrapedColumns[m]; !ok {
			t.Fatalf("marketplace %s has no last-scraped column", m)
		}
	}
}
