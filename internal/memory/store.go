// Package memory is the sqlite-backed long-term memory: facts the
// agent saves across conversations and recalls by keyword before the
// first engine call of a turn.
package memory

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// minQueryWordLen is the shortest query word used for matching.
const minQueryWordLen = 4

// Memory is one stored fact.
type Memory struct {
	ID        int64     `json:"id"`
	Text      string    `json:"text"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists memories in a local sqlite database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the
// embedded schema migrations.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create memory dir: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open memory db: %w", err)
	}
	if err := applyMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate memory db: %w", err)
	}
	return &Store{db: db}, nil
}

func applyMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

// Save stores one fact.
func (s *Store) Save(ctx context.Context, text string, tags []string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Errorf("memory text is empty")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memories (text, tags) VALUES (?, ?)`,
		text, strings.Join(tags, ","))
	if err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}
	return nil
}

// Recall returns up to k memories matching the query, ranked by how
// many query words they contain, newest first on ties. Queries with no
// usable words return nothing.
func (s *Store) Recall(ctx context.Context, query string, k int) ([]Memory, error) {
	if k <= 0 {
		k = 5
	}
	words := queryWords(query)
	if len(words) == 0 {
		return nil, nil
	}

	clauses := make([]string, 0, len(words))
	args := make([]interface{}, 0, len(words))
	for _, word := range words {
		clauses = append(clauses, "(text LIKE ? OR tags LIKE ?)")
		pattern := "%" + word + "%"
		args = append(args, pattern, pattern)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, text, tags, created_at FROM memories WHERE `+
			strings.Join(clauses, " OR ")+
			` ORDER BY created_at DESC LIMIT 200`, args...)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()

	type scored struct {
		mem   Memory
		score int
	}
	var candidates []scored
	for rows.Next() {
		var m Memory
		var tags string
		if err := rows.Scan(&m.ID, &m.Text, &tags, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		if tags != "" {
			m.Tags = strings.Split(tags, ",")
		}
		lowered := strings.ToLower(m.Text + " " + tags)
		score := 0
		for _, word := range words {
			if strings.Contains(lowered, word) {
				score++
			}
		}
		candidates = append(candidates, scored{mem: m, score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].mem.CreatedAt.After(candidates[j].mem.CreatedAt)
	})

	if len(candidates) > k {
		candidates = candidates[:k]
	}
	out := make([]Memory, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, c.mem)
	}
	return out, nil
}

// Count returns the number of stored memories.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories`).Scan(&n)
	return n, err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func queryWords(query string) []string {
	seen := make(map[string]bool)
	var words []string
	for _, word := range strings.Fields(strings.ToLower(query)) {
		word = strings.Trim(word, ".,!?;:\"'()[]")
		if len(word) >= minQueryWordLen && !seen[word] {
			seen[word] = true
			words = append(words, word)
		}
	}
	return words
}
