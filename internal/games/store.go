// Package games persists the game library in SQLite.
package games

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// ErrNotFound is returned when no game has the requested id
var ErrNotFound = errors.New("game not found")

// Game is a launchable library entry
type Game struct {
	ID               string  `json:"id"`
	Title            string  `json:"title"`
	VRBackend        string  `json:"vrBackend"`
	SteamAppID       *uint32 `json:"steamAppId"`
	ProtonVersion    *string `json:"protonVersion"`
	CommandLine      *string `json:"commandLine"`
	TotalPlaytimeSec int64   `json:"totalPlaytimeSec"`
}

// Validate checks that the game carries enough information to be launched
func (g Game) Validate() error {
	if strings.TrimSpace(g.Title) == "" {
		return errors.New("title is required")
	}
	if strings.TrimSpace(g.VRBackend) == "" {
		return errors.New("vrBackend is required")
	}
	if g.SteamAppID == nil && (g.CommandLine == nil || strings.TrimSpace(*g.CommandLine) == "") {
		return errors.New("either steamAppId or commandLine is required")
	}
	return nil
}

const schema = `
	CREATE TABLE IF NOT EXISTS games (
		id TEXT PRIMARY KEY NOT NULL,
		title TEXT NOT NULL,
		cover BLOB,
		vr_backend TEXT NOT NULL,
		steam_app_id INTEGER,
		proton_version TEXT,
		command_line TEXT,
		total_playtime_sec INTEGER NOT NULL DEFAULT 0
	)
`

const columns = "id, title, vr_backend, steam_app_id, proton_version, command_line, total_playtime_sec"

// Store is the SQLite-backed game library
type Store struct {
	db *sql.DB
}

// Open opens or creates the library database at path
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Single writer; avoids SQLITE_BUSY between pooled connections
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create games table: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanGame(row scanner) (Game, error) {
	var (
		g       Game
		steamID sql.NullInt64
		proton  sql.NullString
		cmdline sql.NullString
	)
	if err := row.Scan(&g.ID, &g.Title, &g.VRBackend, &steamID, &proton, &cmdline, &g.TotalPlaytimeSec); err != nil {
		return Game{}, err
	}
	if steamID.Valid {
		id := uint32(steamID.Int64)
		g.SteamAppID = &id
	}
	if proton.Valid {
		g.ProtonVersion = &proton.String
	}
	if cmdline.Valid {
		g.CommandLine = &cmdline.String
	}
	return g, nil
}

// List returns every game ordered by title
func (s *Store) List(ctx context.Context) ([]Game, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+columns+" FROM games ORDER BY title COLLATE NOCASE")
	if err != nil {
		return nil, fmt.Errorf("failed to list games: %w", err)
	}
	defer rows.Close()

	games := []Game{}
	for rows.Next() {
		g, err := scanGame(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan game: %w", err)
		}
		games = append(games, g)
	}
	return games, rows.Err()
}

// Get returns the game with the given id
func (s *Store) Get(ctx context.Context, id string) (Game, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+columns+" FROM games WHERE id = ?", id)
	g, err := scanGame(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Game{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Game{}, fmt.Errorf("failed to load game %s: %w", id, err)
	}
	return g, nil
}

func nullable[T any](v *T) any {
	if v == nil {
		return nil
	}
	return *v
}

// Upsert inserts g, or updates the existing entry with the same id. An empty
// id is replaced with a new uuid. Accumulated playtime is never overwritten.
func (s *Store) Upsert(ctx context.Context, g Game) (Game, error) {
	if err := g.Validate(); err != nil {
		return Game{}, err
	}
	if g.ID == "" {
		g.ID = uuid.NewString()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO games (id, title, vr_backend, steam_app_id, proton_version, command_line)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			vr_backend = excluded.vr_backend,
			steam_app_id = excluded.steam_app_id,
			proton_version = excluded.proton_version,
			command_line = excluded.command_line
	`, g.ID, g.Title, g.VRBackend, nullable(g.SteamAppID), nullable(g.ProtonVersion), nullable(g.CommandLine))
	if err != nil {
		return Game{}, fmt.Errorf("failed to save game: %w", err)
	}
	return s.Get(ctx, g.ID)
}

// Delete removes a game
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM games WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete game: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// AddPlaytime adds seconds to a game's accumulated playtime
func (s *Store) AddPlaytime(ctx context.Context, id string, seconds int64) error {
	if seconds <= 0 {
		return nil
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE games SET total_playtime_sec = total_playtime_sec + ? WHERE id = ?", seconds, id)
	if err != nil {
		return fmt.Errorf("failed to record playtime: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Cover returns the cover image of a game, if any
func (s *Store) Cover(ctx context.Context, id string) ([]byte, error) {
	var cover []byte
	err := s.db.QueryRowContext(ctx, "SELECT cover FROM games WHERE id = ?", id).Scan(&cover)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && len(cover) == 0) {
		return nil, fmt.Errorf("%w: no cover for %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load cover: %w", err)
	}
	return cover, nil
}

// SetCover stores a cover image for a game
func (s *Store) SetCover(ctx context.Context, id string, image []byte) error {
	res, err := s.db.ExecContext(ctx, "UPDATE games SET cover = ? WHERE id = ?", image, id)
	if err != nil {
		return fmt.Errorf("failed to save cover: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}
