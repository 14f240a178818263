package archive

import (
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/freeeve/enginearena/internal/game"
	"github.com/freeeve/enginearena/internal/provider"
)

//go:embed schema.sql
var schemaSQL string

// Ledger records every finished game of a contest run in SQLite.
type Ledger struct {
	conn  *sql.DB
	runID string
}

// OpenLedger opens (creating if needed) the database at dbPath and registers a
// new run. An empty runID gets a random one.
func OpenLedger(dbPath, runID, name string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}
	conn, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			return nil, fmt.Errorf("enabling WAL mode: %v; closing database: %w", err, closeErr)
		}
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			return nil, fmt.Errorf("executing schema: %v; closing database: %w", err, closeErr)
		}
		return nil, fmt.Errorf("executing schema: %w", err)
	}
	if runID == "" {
		runID = uuid.NewString()
	}
	l := &Ledger{conn: conn, runID: runID}
	if _, err := conn.Exec(`INSERT OR IGNORE INTO runs (id, name) VALUES (?, ?)`, runID, name); err != nil {
		conn.Close()
		return nil, fmt.Errorf("inserting run: %w", err)
	}
	return l, nil
}

// RunID returns the id games are recorded under.
func (l *Ledger) RunID() string {
	return l.runID
}

// Close closes the database connection.
func (l *Ledger) Close() error {
	return l.conn.Close()
}

// SaveGame inserts a finished game. Unfinished records are skipped.
func (l *Ledger) SaveGame(rec *game.Record) error {
	if rec == nil || !rec.IsFinished() {
		return nil
	}
	query := `
		INSERT INTO games (
			run_id, white, black, round, game_in_round, opening_index, opening,
			start_fen, result, cause, plies, white_time_ms, black_time_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := l.conn.Exec(query,
		l.runID, rec.White, rec.Black, rec.Round, rec.GameInRound, rec.OpeningIndex, rec.OpeningName,
		game.NormalizeFEN(rec.StartFEN), rec.Result.String(), rec.Cause.String(), len(rec.Moves),
		rec.TimeUsed(game.White), rec.TimeUsed(game.Black),
	)
	if err != nil {
		return fmt.Errorf("inserting game: %w", err)
	}
	return nil
}

// CountGames returns the number of games recorded for the run.
func (l *Ledger) CountGames() (int, error) {
	var n int
	if err := l.conn.QueryRow(`SELECT COUNT(*) FROM games WHERE run_id = ?`, l.runID).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting games: %w", err)
	}
	return n, nil
}

// PairTotals sums the games between a and b in the run, from a's point of view.
func (l *Ledger) PairTotals(a, b string) (provider.DuelResult, error) {
	query := `
		SELECT
			COALESCE(SUM(CASE WHEN (white = ? AND result = '1-0') OR (black = ? AND result = '0-1') THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN (white = ? AND result = '1-0') OR (black = ? AND result = '0-1') THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN result = '1/2-1/2' THEN 1 ELSE 0 END), 0)
		FROM games
		WHERE run_id = ? AND ((white = ? AND black = ?) OR (white = ? AND black = ?))
	`
	d := provider.DuelResult{EngineA: a, EngineB: b}
	err := l.conn.QueryRow(query, a, a, b, b, l.runID, a, b, b, a).Scan(&d.WinsA, &d.WinsB, &d.Draws)
	if err != nil {
		return d, fmt.Errorf("querying pair totals: %w", err)
	}
	return d, nil
}

// CauseCounts returns how many games of the run ended by each cause.
func (l *Ledger) CauseCounts() (map[string]int, error) {
	rows, err := l.conn.Query(`SELECT cause, COUNT(*) FROM games WHERE run_id = ? GROUP BY cause`, l.runID)
	if err != nil {
		return nil, fmt.Errorf("querying causes: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var cause string
		var n int
		if err := rows.Scan(&cause, &n); err != nil {
			return nil, fmt.Errorf("scanning cause: %w", err)
		}
		out[cause] = n
	}
	return out, rows.Err()
}
