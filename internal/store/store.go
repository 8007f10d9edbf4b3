// Package store persists galleries, scraping sessions, and embedded items
// in Postgres. All writes for one pipeline run commit in a single
// transaction so a session is either fully visible or absent.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"gazer/internal/gallery"
	"gazer/internal/logging"
)

// ErrNotFound reports a lookup that matched no row visible to the caller.
var ErrNotFound = errors.New("not found")

// marketplaceLastScrapedColumns whitelists the per-marketplace last-scraped
// columns. Column names are never built from request input.
var marketplaceLastScrapedColumns = map[gallery.Marketplace]string{
	gallery.Mercari: "mercari_last_scraped_time",
}

// Store is a Postgres-backed gallery and session store.
type Store struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

// New constructs a Store over an established pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		pool:   pool,
		logger: logging.NewComponentLogger("Store"),
	}
}

// EnsureSchema creates the tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("store not initialized")
	}

	query := `
CREATE TABLE IF NOT EXISTS galleries (
    id UUID PRIMARY KEY,
    owner TEXT NOT NULL,
    name TEXT NOT NULL,
    scraping_periodicity TEXT NOT NULL,
    search_criteria JSONB NOT NULL DEFAULT '{}'::jsonb,
    evaluation_criteria JSONB NOT NULL DEFAULT '[]'::jsonb,
    is_active BOOLEAN NOT NULL DEFAULT TRUE,
    mercari_last_scraped_time BIGINT NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_galleries_owner ON galleries (owner);

CREATE TABLE IF NOT EXISTS gallery_sessions (
    id BIGSERIAL PRIMARY KEY,
    gallery_id UUID NOT NULL REFERENCES galleries (id) ON DELETE CASCADE,
    updated_datetimes JSONB NOT NULL DEFAULT '{}'::jsonb,
    failed_marketplaces JSONB NOT NULL DEFAULT '{}'::jsonb,
    used_evaluation_criteria JSONB NOT NULL DEFAULT '[]'::jsonb,
    created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_gallery_sessions_gallery ON gallery_sessions (gallery_id, created_at DESC);

CREATE TABLE IF NOT EXISTS marketplace_items (
    id BIGSERIAL PRIMARY KEY,
    session_id BIGINT NOT NULL REFERENCES gallery_sessions (id) ON DELETE CASCADE,
    marketplace TEXT NOT NULL,
    item_id TEXT NOT NULL,
    data JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_marketplace_items_session ON marketplace_items (session_id);

CREATE TABLE IF NOT EXISTS embedded_marketplace_items (
    id BIGSERIAL PRIMARY KEY,
    session_id BIGINT NOT NULL REFERENCES gallery_sessions (id) ON DELETE CASCADE,
    marketplace_item_id BIGINT NOT NULL REFERENCES marketplace_items (id) ON DELETE CASCADE,
    description TEXT NOT NULL,
    answers JSONB NOT NULL DEFAULT '[]'::jsonb,
    description_embedding REAL[] NOT NULL,
    image_embedding REAL[] NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_embedded_items_item ON embedded_marketplace_items (marketplace_item_id);
`

	_, err := s.pool.Exec(ctx, query)
	return err
}

// Gallery is the stored representation of one monitored gallery.
type Gallery struct {
	ID                  gallery.ID                               `json:"id"`
	Owner               string                                   `json:"owner"`
	Name                string                                   `json:"name"`
	ScrapingPeriodicity gallery.CronSchedule                     `json:"scraping_periodicity"`
	SearchCriteria      gallery.SearchCriteria                   `json:"search_criteria"`
	EvaluationCriteria  gallery.EvaluationCriteria               `json:"evaluation_criteria"`
	IsActive            bool                                     `json:"is_active"`
	LastScraped         map[gallery.Marketplace]gallery.UnixTime `json:"last_scraped"`
	CreatedAt           time.Time                                `json:"created_at"`
	UpdatedAt           time.Time                                `json:"updated_at"`
}

// SchedulerState projects the gallery onto what the scheduler needs.
func (g Gallery) SchedulerState() gallery.SchedulerState {
	previous := make(map[gallery.Marketplace]gallery.UnixTime, len(g.LastScraped))
	for m, t := range g.LastScraped {
		previous[m] = t
	}
	return gallery.SchedulerState{
		GalleryID:           g.ID,
		ScrapingPeriodicity: g.ScrapingPeriodicity,
		SearchCriteria:      g.SearchCriteria,
		PreviousScraped:     previous,
		EvaluationCriteria:  g.EvaluationCriteria,
		IsActive:            g.IsActive,
	}
}

// GalleryPatch carries the mutable gallery fields; nil fields are untouched.
type GalleryPatch struct {
	Name                *string
	ScrapingPeriodicity *gallery.CronSchedule
	SearchCriteria      *gallery.SearchCriteria
	EvaluationCriteria  *gallery.EvaluationCriteria
	IsActive            *bool
}

// apply copies the set patch fields onto g.
func (p GalleryPatch) apply(g *Gallery) {
	if p.Name != nil {
		g.Name = *p.Name
	}
	if p.ScrapingPeriodicity != nil {
		g.ScrapingPeriodicity = *p.ScrapingPeriodicity
	}
	if p.SearchCriteria != nil {
		g.SearchCriteria = *p.SearchCriteria
	}
	if p.EvaluationCriteria != nil {
		g.EvaluationCriteria = *p.EvaluationCriteria
	}
	if p.IsActive != nil {
		g.IsActive = *p.IsActive
	}
}

const galleryColumns = `id, owner, name, scraping_periodicity, search_criteria, evaluation_criteria, is_active, mercari_last_scraped_time, created_at, updated_at`

// CreateGallery inserts a new gallery row. The id and timestamps are
// assigned here.
func (s *Store) CreateGallery(ctx context.Context, g Gallery) (Gallery, error) {
	if err := ctx.Err(); err != nil {
		return Gallery{}, err
	}

	g.ID = uuid.New()
	now := time.Now()
	g.CreatedAt = now
	g.UpdatedAt = now
	if g.LastScraped == nil {
		g.LastScraped = make(map[gallery.Marketplace]gallery.UnixTime)
	}

	criteriaJSON, evalJSON, err := encodeGalleryJSON(g)
	if err != nil {
		return Gallery{}, err
	}

	query := `
INSERT INTO galleries (id, owner, name, scraping_periodicity, search_criteria, evaluation_criteria, is_active, mercari_last_scraped_time, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5::jsonb, $6::jsonb, $7, $8, $9, $10)
`
	_, err = s.pool.Exec(ctx, query,
		g.ID,
		g.Owner,
		g.Name,
		g.ScrapingPeriodicity.Expr(),
		criteriaJSON,
		evalJSON,
		g.IsActive,
		int64(g.LastScraped[gallery.Mercari]),
		g.CreatedAt,
		g.UpdatedAt,
	)
	if err != nil {
		s.logger.Error("create gallery for owner %s failed: %v", g.Owner, err)
		return Gallery{}, err
	}
	return g, nil
}

// GetGallery fetches one gallery owned by owner. ErrNotFound covers both an
// unknown id and an id owned by someone else.
func (s *Store) GetGallery(ctx context.Context, owner string, id gallery.ID) (Gallery, error) {
	if err := ctx.Err(); err != nil {
		return Gallery{}, err
	}

	query := fmt.Sprintf(`SELECT %s FROM galleries WHERE id = $1 AND owner = $2`, galleryColumns)
	g, err := scanGallery(s.pool.QueryRow(ctx, query, id, owner))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Gallery{}, fmt.Errorf("gallery %s: %w", id, ErrNotFound)
		}
		return Gallery{}, err
	}
	return g, nil
}

// UpdateGallery applies the patch inside a transaction and returns the new
// row.
func (s *Store) UpdateGallery(ctx context.Context, owner string, id gallery.ID, patch GalleryPatch) (Gallery, error) {
	if err := ctx.Err(); err != nil {
		return Gallery{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Gallery{}, err
	}
	defer tx.Rollback(ctx)

	query := fmt.Sprintf(`SELECT %s FROM galleries WHERE id = $1 AND owner = $2 FOR UPDATE`, galleryColumns)
	g, err := scanGallery(tx.QueryRow(ctx, query, id, owner))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Gallery{}, fmt.Errorf("gallery %s: %w", id, ErrNotFound)
		}
		return Gallery{}, err
	}

	patch.apply(&g)
	g.UpdatedAt = time.Now()

	criteriaJSON, evalJSON, err := encodeGalleryJSON(g)
	if err != nil {
		return Gallery{}, err
	}

	_, err = tx.Exec(ctx, `
UPDATE galleries
SET name = $1, scraping_periodicity = $2, search_criteria = $3::jsonb, evaluation_criteria = $4::jsonb, is_active = $5, updated_at = $6
WHERE id = $7
`,
		g.Name,
		g.ScrapingPeriodicity.Expr(),
		criteriaJSON,
		evalJSON,
		g.IsActive,
		g.UpdatedAt,
		g.ID,
	)
	if err != nil {
		return Gallery{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Gallery{}, err
	}
	return g, nil
}

// DeleteGallery removes the gallery and, via cascade, its sessions and
// items.
func (s *Store) DeleteGallery(ctx context.Context, owner string, id gallery.ID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `DELETE FROM galleries WHERE id = $1 AND owner = $2`, id, owner)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("gallery %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListOwnerGalleries returns every gallery of one owner, newest first.
func (s *Store) ListOwnerGalleries(ctx context.Context, owner string) ([]Gallery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT %s FROM galleries WHERE owner = $1 ORDER BY created_at DESC`, galleryColumns)
	rows, err := s.pool.Query(ctx, query, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Gallery
	for rows.Next() {
		g, err := scanGallery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// ListAllSchedulerStates loads every gallery for scheduler startup. Rows
// with an unparseable schedule are skipped with a log line so one corrupt
// gallery cannot block boot.
func (s *Store) ListAllSchedulerStates(ctx context.Context) ([]gallery.SchedulerState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT %s FROM galleries`, galleryColumns)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []gallery.SchedulerState
	for rows.Next() {
		g, err := scanGallery(rows)
		if err != nil {
			s.logger.Error("skipping unreadable gallery row: %v", err)
			continue
		}
		states = append(states, g.SchedulerState())
	}
	return states, rows.Err()
}

// SchedulerState reloads one gallery's scheduler snapshot. Used by the
// pipeline after the session commit advanced the last-scraped columns.
func (s *Store) SchedulerState(ctx context.Context, id gallery.ID) (gallery.SchedulerState, error) {
	if err := ctx.Err(); err != nil {
		return gallery.SchedulerState{}, err
	}

	query := fmt.Sprintf(`SELECT %s FROM galleries WHERE id = $1`, galleryColumns)
	g, err := scanGallery(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return gallery.SchedulerState{}, fmt.Errorf("gallery %s: %w", id, ErrNotFound)
		}
		return gallery.SchedulerState{}, err
	}
	return g.SchedulerState(), nil
}

// rowScanner covers pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanGallery(row rowScanner) (Gallery, error) {
	var (
		g            Gallery
		expr         string
		criteriaJSON []byte
		evalJSON     []byte
		mercariLast  int64
	)
	err := row.Scan(
		&g.ID,
		&g.Owner,
		&g.Name,
		&expr,
		&criteriaJSON,
		&evalJSON,
		&g.IsActive,
		&mercariLast,
		&g.CreatedAt,
		&g.UpdatedAt,
	)
	if err != nil {
		return Gallery{}, err
	}

	g.ScrapingPeriodicity, err = gallery.ParseCron(expr)
	if err != nil {
		return Gallery{}, fmt.Errorf("gallery %s: %w", g.ID, err)
	}
	if err := json.Unmarshal(criteriaJSON, &g.SearchCriteria); err != nil {
		return Gallery{}, fmt.Errorf("gallery %s: decode search criteria: %w", g.ID, err)
	}
	if err := json.Unmarshal(evalJSON, &g.EvaluationCriteria); err != nil {
		return Gallery{}, fmt.Errorf("gallery %s: decode evaluation criteria: %w", g.ID, err)
	}
	g.LastScraped = map[gallery.Marketplace]gallery.UnixTime{
		gallery.Mercari: gallery.UnixTime(mercariLast),
	}
	return g, nil
}

func encodeGalleryJSON(g Gallery) (criteria, eval []byte, err error) {
	criteria, err = json.Marshal(g.SearchCriteria)
	if err != nil {
		return nil, nil, fmt.Errorf("encode search criteria: %w", err)
	}
	evalValue := g.EvaluationCriteria
	if evalValue == nil {
		evalValue = gallery.EvaluationCriteria{}
	}
	eval, err = json.Marshal(evalValue)
	if err != nil {
		return nil, nil, fmt.Errorf("encode evaluation criteria: %w", err)
	}
	return criteria, eval, nil
}
