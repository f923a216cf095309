// Package storage persists server patterns and players in SQLite.
package storage

import (
	"database/sql"
	"errors"
	"time"

	"github.com/woozymasta/drover/assets"
	"github.com/woozymasta/drover/internal/models"
	_ "modernc.org/sqlite" // Driver sqlite
)

// Repository manages the SQLite database connection.
type Repository struct {
	db *sql.DB
}

// New opens the database, sets connection pool parameters and runs migrations.
func New(dbPath string) (*Repository, error) {
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(1 * time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}

	if err := runMigrations(db, assets.Migrations()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Repository{db: db}, nil
}

// Close closes the underlying database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

// UpsertPattern inserts or replaces a pattern by name.
func (r *Repository) UpsertPattern(p models.ServerPattern) error {
	query := `
	INSERT INTO patterns (name, type, ram, priority, min_count, max_count, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(name) DO UPDATE SET
		type = excluded.type,
		ram = excluded.ram,
		priority = excluded.priority,
		min_count = excluded.min_count,
		max_count = excluded.max_count,
		updated_at = excluded.updated_at;
	`

	_, err := r.db.Exec(query, p.Name, p.Type, p.Ram, p.Priority, p.Min, p.Max, time.Now().UTC())
	return err
}

// GetPatterns returns every pattern ordered by priority, then name.
func (r *Repository) GetPatterns() ([]models.ServerPattern, error) {
	rows, err := r.db.Query(`
		SELECT name, type, ram, priority, min_count, max_count
		FROM patterns
		ORDER BY priority ASC, name ASC
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var patterns []models.ServerPattern
	for rows.Next() {
		var p models.ServerPattern
		if err := rows.Scan(&p.Name, &p.Type, &p.Ram, &p.Priority, &p.Min, &p.Max); err != nil {
			return nil, err
		}
		patterns = append(patterns, p)
	}

	return patterns, rows.Err()
}

// GetPattern returns a pattern by name, or nil when it does not exist.
func (r *Repository) GetPattern(name string) (*models.ServerPattern, error) {
	row := r.db.QueryRow(`
		SELECT name, type, ram, priority, min_count, max_count
		FROM patterns WHERE name = ?
	`, name)

	var p models.ServerPattern
	err := row.Scan(&p.Name, &p.Type, &p.Ram, &p.Priority, &p.Min, &p.Max)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &p, nil
}

// DeletePattern removes a pattern and reports whether it existed.
func (r *Repository) DeletePattern(name string) (bool, error) {
	res, err := r.db.Exec(`DELETE FROM patterns WHERE name = ?`, name)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	return n > 0, err
}

// UpsertPlayer stores a player. The first seen time is kept on updates.
func (r *Repository) UpsertPlayer(p models.Player) error {
	query := `
	INSERT INTO players (uuid, name, group_name, first_seen, last_seen)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(uuid) DO UPDATE SET
		name = excluded.name,
		group_name = CASE WHEN excluded.group_name != '' THEN excluded.group_name ELSE players.group_name END,
		last_seen = excluded.last_seen;
	`

	_, err := r.db.Exec(query, p.UUID, p.Name, p.Group, p.LastSeen.UTC(), p.LastSeen.UTC())
	return err
}

// GetPlayer returns a player by uuid, or nil when unknown.
func (r *Repository) GetPlayer(uuid string) (*models.Player, error) {
	return r.scanPlayer(r.db.QueryRow(`
		SELECT uuid, name, group_name, last_seen FROM players WHERE uuid = ?
	`, uuid))
}

// GetPlayerByName returns a player by case-insensitive name, or nil when unknown.
func (r *Repository) GetPlayerByName(name string) (*models.Player, error) {
	return r.scanPlayer(r.db.QueryRow(`
		SELECT uuid, name, group_name, last_seen FROM players
		WHERE name = ? COLLATE NOCASE
		ORDER BY last_seen DESC LIMIT 1
	`, name))
}

// TouchPlayer updates the last seen time.
func (r *Repository) TouchPlayer(uuid string, seen time.Time) error {
	_, err := r.db.Exec(`UPDATE players SET last_seen = ? WHERE uuid = ?`, seen.UTC(), uuid)
	return err
}

func (r *Repository) scanPlayer(row *sql.Row) (*models.Player, error) {
	var p models.Player
	err := row.Scan(&p.UUID, &p.Name, &p.Group, &p.LastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &p, nil
}
