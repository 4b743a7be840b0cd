// Package chronicle implements a long-form, append-only "chronicle" of
// each arc's conversation, organized as chapters of paragraphs, plus a
// scheduled auto-chronicler that closes quiet chapters with an
// LLM-written summary. Appends to the same arc are serialized through
// internal/arclock, since two session runs in the same channel must
// never interleave half-written paragraphs.
package chronicle

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/oakmoss/steerbot/internal/arclock"
)

const schema = `
CREATE TABLE IF NOT EXISTS chapters (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	arc_key    TEXT NOT NULL,
	title      TEXT NOT NULL,
	opened_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS paragraphs (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	chapter_id  INTEGER NOT NULL,
	arc_key     TEXT NOT NULL,
	body        TEXT NOT NULL,
	written_at  INTEGER NOT NULL,
	FOREIGN KEY (chapter_id) REFERENCES chapters(id)
);

CREATE INDEX IF NOT EXISTS idx_paragraphs_arc ON paragraphs(arc_key, id);
CREATE INDEX IF NOT EXISTS idx_chapters_arc ON chapters(arc_key, id);
`

// Chapter is one titled section of an arc's chronicle.
type Chapter struct {
	ID       int64
	ArcKey   string
	Title    string
	OpenedAt time.Time
}

// Paragraph is one entry appended to a chapter.
type Paragraph struct {
	ID        int64
	ChapterID int64
	ArcKey    string
	Body      string
	WrittenAt time.Time
}

// Store is a SQLite-backed chronicle store.
type Store struct {
	db   *sql.DB
	lock *arclock.Lock
}

// Open opens (creating if necessary) a chronicle database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("chronicle: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("chronicle: apply schema: %w", err)
	}
	return &Store{db: db, lock: arclock.New()}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// OpenChapter starts a new chapter for an arc.
func (s *Store) OpenChapter(ctx context.Context, arcKey, title string) (*Chapter, error) {
	var ch *Chapter
	var outerErr error
	s.lock.WithLock(arcKey, func() {
		now := time.Now()
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO chapters (arc_key, title, opened_at) VALUES (?, ?, ?)`,
			arcKey, title, now.Unix())
		if err != nil {
			outerErr = fmt.Errorf("chronicle: open chapter: %w", err)
			return
		}
		id, err := res.LastInsertId()
		if err != nil {
			outerErr = err
			return
		}
		ch = &Chapter{ID: id, ArcKey: arcKey, Title: title, OpenedAt: now}
	})
	return ch, outerErr
}

// CurrentChapter returns the most recently opened chapter for an arc, or
// nil if the arc has no chapters yet.
func (s *Store) CurrentChapter(ctx context.Context, arcKey string) (*Chapter, error) {
	var ch Chapter
	var openedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, arc_key, title, opened_at FROM chapters WHERE arc_key = ? ORDER BY id DESC LIMIT 1`,
		arcKey).Scan(&ch.ID, &ch.ArcKey, &ch.Title, &openedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("chronicle: current chapter %s: %w", arcKey, err)
	}
	ch.OpenedAt = time.Unix(openedAt, 0)
	return &ch, nil
}

// AppendParagraph appends body to the arc's current chapter, opening a
// default chapter first if none exists. Appends for the same arc are
// serialized through internal/arclock so an auto-chronicler sweep and a
// live session run can never interleave paragraphs mid-write.
func (s *Store) AppendParagraph(ctx context.Context, arcKey, body string) (*Paragraph, error) {
	var p *Paragraph
	var outerErr error
	s.lock.WithLock(arcKey, func() {
		chapter, err := s.currentChapterLocked(ctx, arcKey)
		if err != nil {
			outerErr = err
			return
		}
		if chapter == nil {
			chapter, err = s.openChapterLocked(ctx, arcKey, "Untitled chapter")
			if err != nil {
				outerErr = err
				return
			}
		}

		now := time.Now()
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO paragraphs (chapter_id, arc_key, body, written_at) VALUES (?, ?, ?, ?)`,
			chapter.ID, arcKey, body, now.Unix())
		if err != nil {
			outerErr = fmt.Errorf("chronicle: append paragraph: %w", err)
			return
		}
		id, err := res.LastInsertId()
		if err != nil {
			outerErr = err
			return
		}
		p = &Paragraph{ID: id, ChapterID: chapter.ID, ArcKey: arcKey, Body: body, WrittenAt: now}
	})
	return p, outerErr
}

// currentChapterLocked and openChapterLocked duplicate CurrentChapter and
// OpenChapter without acquiring the arc lock, since AppendParagraph
// already holds it when it calls them.
func (s *Store) currentChapterLocked(ctx context.Context, arcKey string) (*Chapter, error) {
	var ch Chapter
	var openedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, arc_key, title, opened_at FROM chapters WHERE arc_key = ? ORDER BY id DESC LIMIT 1`,
		arcKey).Scan(&ch.ID, &ch.ArcKey, &ch.Title, &openedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ch.OpenedAt = time.Unix(openedAt, 0)
	return &ch, nil
}

func (s *Store) openChapterLocked(ctx context.Context, arcKey, title string) (*Chapter, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO chapters (arc_key, title, opened_at) VALUES (?, ?, ?)`,
		arcKey, title, now.Unix())
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &Chapter{ID: id, ArcKey: arcKey, Title: title, OpenedAt: now}, nil
}

// StaleArcs returns every arc whose most recent paragraph was written
// before the given cutoff, used by the auto-chronicler's sweep to find
// chapters that have gone quiet and are ready to be closed with a summary.
func (s *Store) StaleArcs(ctx context.Context, olderThan time.Duration) ([]string, error) {
	cutoff := time.Now().Add(-olderThan).Unix()
	rows, err := s.db.QueryContext(ctx, `
		SELECT arc_key FROM paragraphs
		GROUP BY arc_key
		HAVING MAX(written_at) < ?`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("chronicle: stale arcs: %w", err)
	}
	defer rows.Close()

	var arcs []string
	for rows.Next() {
		var arcKey string
		if err := rows.Scan(&arcKey); err != nil {
			return nil, err
		}
		arcs = append(arcs, arcKey)
	}
	return arcs, rows.Err()
}

// RecentParagraphs returns up to limit most recent paragraphs for an arc,
// in chronological order.
func (s *Store) RecentParagraphs(ctx context.Context, arcKey string, limit int) ([]Paragraph, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chapter_id, arc_key, body, written_at FROM paragraphs WHERE arc_key = ? ORDER BY id DESC LIMIT ?`,
		arcKey, limit)
	if err != nil {
		return nil, fmt.Errorf("chronicle: recent paragraphs %s: %w", arcKey, err)
	}
	defer rows.Close()

	var reversed []Paragraph
	for rows.Next() {
		var p Paragraph
		var writtenAt int64
		if err := rows.Scan(&p.ID, &p.ChapterID, &p.ArcKey, &p.Body, &writtenAt); err != nil {
			return nil, err
		}
		p.WrittenAt = time.Unix(writtenAt, 0)
		reversed = append(reversed, p)
	}

	out := make([]Paragraph, len(reversed))
	for i, p := range reversed {
		out[len(reversed)-1-i] = p
	}
	return out, nil
}
