package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"gazer/internal/embedding"
	"gazer/internal/gallery"
	"gazer/internal/pipeline"
)

// Session is one stored pipeline run with its embedded items.
type Session struct {
	ID                 gallery.SessionID                        `json:"id"`
	GalleryID          gallery.ID                               `json:"gallery_id"`
	UpdatedDatetimes   map[gallery.Marketplace]gallery.UnixTime `json:"updated_datetimes"`
	FailedMarketplaces map[gallery.Marketplace]string           `json:"failed_marketplaces"`
	EvaluationCriteria gallery.EvaluationCriteria               `json:"used_evaluation_criteria"`
	CreatedAt          time.Time                                `json:"created_at"`
	Items              []SessionItem                            `json:"items"`
}

// SessionItem is one embedded item of a session.
type SessionItem struct {
	Marketplace          gallery.Marketplace         `json:"marketplace"`
	Item                 gallery.MarketplaceItemData `json:"item"`
	Description          string                      `json:"description"`
	Answers              []gallery.Answer            `json:"answers"`
	DescriptionEmbedding []float32                   `json:"description_embedding"`
	ImageEmbedding       []float32                   `json:"image_embedding"`
}

// InsertSession commits one finished pipeline run: the session row, every
// embedded item, and the per-marketplace last-scraped advance, in a single
// serializable transaction. Only the embedded partition is persisted;
// irrelevant and error items exist in logs and metrics only.
func (s *Store) InsertSession(ctx context.Context, final pipeline.Final) (gallery.SessionID, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	updatedJSON, err := json.Marshal(final.UpdatedDatetimes)
	if err != nil {
		return 0, fmt.Errorf("encode updated datetimes: %w", err)
	}
	failedJSON, err := json.Marshal(final.FailedMarketplaces)
	if err != nil {
		return 0, fmt.Errorf("encode failed marketplaces: %w", err)
	}
	criteria := final.EvaluationCriteria
	if criteria == nil {
		criteria = gallery.EvaluationCriteria{}
	}
	criteriaJSON, err := json.Marshal(criteria)
	if err != nil {
		return 0, fmt.Errorf("encode evaluation criteria: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	var sessionID gallery.SessionID
	err = tx.QueryRow(ctx, `
INSERT INTO gallery_sessions (gallery_id, updated_datetimes, failed_marketplaces, used_evaluation_criteria, created_at)
VALUES ($1, $2::jsonb, $3::jsonb, $4::jsonb, $5)
RETURNING id
`, final.GalleryID, updatedJSON, failedJSON, criteriaJSON, time.Now()).Scan(&sessionID)
	if err != nil {
		return 0, fmt.Errorf("insert session: %w", err)
	}

	for marketplace, items := range final.Items {
		for _, embedded := range items.Embedded {
			if err := insertEmbeddedItem(ctx, tx, sessionID, marketplace, embedded); err != nil {
				return 0, err
			}
		}
	}

	for marketplace, updated := range final.UpdatedDatetimes {
		column, ok := marketplaceLastScrapedColumns[marketplace]
		if !ok {
			return 0, fmt.Errorf("no last-scraped column for marketplace %q", marketplace)
		}
		query := fmt.Sprintf(`UPDATE galleries SET %s = $1 WHERE id = $2`, column)
		if _, err := tx.Exec(ctx, query, int64(updated), final.GalleryID); err != nil {
			return 0, fmt.Errorf("advance last scraped for %s: %w", marketplace, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	s.logger.Debug("committed session %d for gallery %s", sessionID, final.GalleryID)
	return sessionID, nil
}

func insertEmbeddedItem(ctx context.Context, tx pgx.Tx, sessionID gallery.SessionID, marketplace gallery.Marketplace, embedded embedding.EmbeddedItem) error {
	item := embedded.Source.Item
	dataJSON, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode item %s: %w", item.ItemID, err)
	}

	var rowID int64
	err = tx.QueryRow(ctx, `
INSERT INTO marketplace_items (session_id, marketplace, item_id, data)
VALUES ($1, $2, $3, $4::jsonb)
RETURNING id
`, sessionID, marketplace, item.ItemID, dataJSON).Scan(&rowID)
	if err != nil {
		return fmt.Errorf("insert item %s: %w", item.ItemID, err)
	}

	answers := embedded.Source.Answers
	if answers == nil {
		answers = []gallery.Answer{}
	}
	answersJSON, err := json.Marshal(answers)
	if err != nil {
		return fmt.Errorf("encode answers for %s: %w", item.ItemID, err)
	}

	_, err = tx.Exec(ctx, `
INSERT INTO embedded_marketplace_items (session_id, marketplace_item_id, description, answers, description_embedding, image_embedding)
VALUES ($1, $2, $3, $4::jsonb, $5, $6)
`, sessionID, rowID, embedded.Source.Description, answersJSON, embedded.DescriptionEmbedding, embedded.ImageEmbedding)
	if err != nil {
		return fmt.Errorf("insert embedding for %s: %w", item.ItemID, err)
	}
	return nil
}

// GetSession returns one session with its embedded items. The owner filter
// rides on the gallery join; a session of someone else's gallery is
// ErrNotFound.
func (s *Store) GetSession(ctx context.Context, owner string, sessionID gallery.SessionID) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}

	var (
		session      Session
		updatedJSON  []byte
		failedJSON   []byte
		criteriaJSON []byte
	)
	err := s.pool.QueryRow(ctx, `
SELECT s.id, s.gallery_id, s.updated_datetimes, s.failed_marketplaces, s.used_evaluation_criteria, s.created_at
FROM gallery_sessions s
JOIN galleries g ON g.id = s.gallery_id
WHERE s.id = $1 AND g.owner = $2
`, sessionID, owner).Scan(&session.ID, &session.GalleryID, &updatedJSON, &failedJSON, &criteriaJSON, &session.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Session{}, fmt.Errorf("session %d: %w", sessionID, ErrNotFound)
		}
		return Session{}, err
	}

	if err := json.Unmarshal(updatedJSON, &session.UpdatedDatetimes); err != nil {
		return Session{}, fmt.Errorf("decode updated datetimes: %w", err)
	}
	if err := json.Unmarshal(failedJSON, &session.FailedMarketplaces); err != nil {
		return Session{}, fmt.Errorf("decode failed marketplaces: %w", err)
	}
	if err := json.Unmarshal(criteriaJSON, &session.EvaluationCriteria); err != nil {
		return Session{}, fmt.Errorf("decode evaluation criteria: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
SELECT mi.marketplace, mi.data, e.description, e.answers, e.description_embedding, e.image_embedding
FROM marketplace_items mi
JOIN embedded_marketplace_items e ON e.marketplace_item_id = mi.id
WHERE mi.session_id = $1
ORDER BY mi.id
`, sessionID)
	if err != nil {
		return Session{}, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			item        SessionItem
			dataJSON    []byte
			answersJSON []byte
		)
		err := rows.Scan(&item.Marketplace, &dataJSON, &item.Description, &answersJSON, &item.DescriptionEmbedding, &item.ImageEmbedding)
		if err != nil {
			return Session{}, err
		}
		if err := json.Unmarshal(dataJSON, &item.Item); err != nil {
			return Session{}, fmt.Errorf("decode item data: %w", err)
		}
		if err := json.Unmarshal(answersJSON, &item.Answers); err != nil {
			return Session{}, fmt.Errorf("decode answers: %w", err)
		}
		session.Items = append(session.Items, item)
	}
	return session, rows.Err()
}

// GalleryStats summarizes one gallery's scraping history.
type GalleryStats struct {
	GalleryID     gallery.ID                               `json:"gallery_id"`
	Name          string                                   `json:"name"`
	IsActive      bool                                     `json:"is_active"`
	SessionCount  int64                                    `json:"session_count"`
	ItemCount     int64                                    `json:"item_count"`
	LastSessionAt *time.Time                               `json:"last_session_at,omitempty"`
	LastScraped   map[gallery.Marketplace]gallery.UnixTime `json:"last_scraped"`
}

const statsQuery = `
SELECT g.id, g.name, g.is_active, g.mercari_last_scraped_time,
       COUNT(DISTINCT s.id), COUNT(mi.id), MAX(s.created_at)
FROM galleries g
LEFT JOIN gallery_sessions s ON s.gallery_id = g.id
LEFT JOIN marketplace_items mi ON mi.session_id = s.id
WHERE g.owner = $1`

// Stats returns the summary for one gallery.
func (s *Store) Stats(ctx context.Context, owner string, id gallery.ID) (GalleryStats, error) {
	if err := ctx.Err(); err != nil {
		return GalleryStats{}, err
	}

	row := s.pool.QueryRow(ctx, statsQuery+` AND g.id = $2 GROUP BY g.id`, owner, id)
	stats, err := scanStats(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return GalleryStats{}, fmt.Errorf("gallery %s: %w", id, ErrNotFound)
		}
		return GalleryStats{}, err
	}
	return stats, nil
}

// AllStats returns the summary for every gallery of one owner.
func (s *Store) AllStats(ctx context.Context, owner string) ([]GalleryStats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, statsQuery+` GROUP BY g.id ORDER BY g.created_at DESC`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []GalleryStats{}
	for rows.Next() {
		stats, err := scanStats(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, stats)
	}
	return out, rows.Err()
}

func scanStats(row rowScanner) (GalleryStats, error) {
	var (
		stats       GalleryStats
		mercariLast int64
		lastSession *time.Time
	)
	err := row.Scan(
		&stats.GalleryID,
		&stats.Name,
		&stats.IsActive,
		&mercariLast,
		&stats.SessionCount,
		&stats.ItemCount,
		&lastSession,
	)
	if err != nil {
		return GalleryStats{}, err
	}
	stats.LastSessionAt = lastSession
	stats.LastScraped = map[gallery.Marketplace]gallery.UnixTime{
		gallery.Mercari: gallery.UnixTime(mercariLast),
	}
	return stats, nil
}
