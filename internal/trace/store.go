package trace

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx" driver
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// TurnRecord is one archived conversation turn.
type TurnRecord struct {
	ID         int64             `json:"id"`
	SessionID  string            `json:"session_id"`
	Transcript string            `json:"transcript"`
	Reply      string            `json:"reply"`
	AudioURL   string            `json:"audio_url,omitempty"`
	Errors     map[string]string `json:"errors"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Store archives completed turns to PostgreSQL. It is a write-behind copy for
// inspection; live conversation state never reads from it.
type Store struct {
	db *sql.DB
}

// Open connects to the archive database at connStr and applies migrations.
func Open(connStr string) (*Store, error) {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, fmt.Errorf("archive open: %w", err)
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("archive ping: %w", err)
	}
	if err = migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("archive migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`)
	if err != nil {
		return err
	}

	var current int
	row := db.QueryRow(`SELECT COALESCE(MAX(version), -1) FROM schema_version`)
	if err = row.Scan(&current); err != nil {
		return err
	}

	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	for i := current + 1; i < len(entries); i++ {
		data, readErr := migrationFS.ReadFile("migrations/" + entries[i].Name())
		if readErr != nil {
			return fmt.Errorf("read migration %d: %w", i, readErr)
		}
		if _, execErr := db.Exec(string(data)); execErr != nil {
			return fmt.Errorf("migration %d: %w", i, execErr)
		}
		if _, execErr := db.Exec(`INSERT INTO schema_version (version) VALUES ($1)`, i); execErr != nil {
			return fmt.Errorf("migration %d record: %w", i, execErr)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveTurn inserts one completed turn.
func (s *Store) SaveTurn(sessionID, transcript, reply, audioURL string, errs map[string]string) error {
	errJSON, err := json.Marshal(errs)
	if err != nil {
		return fmt.Errorf("marshal turn errors: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO turns (session_id, transcript, reply, audio_url, errors, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		sessionID, transcript, reply, audioURL, errJSON, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}
	return nil
}

// SaveTurnAsync archives the turn on a background goroutine so the caller's
// response is never delayed by the database.
func (s *Store) SaveTurnAsync(sessionID, transcript, reply, audioURL string, errs map[string]string) {
	go func() {
		if err := s.SaveTurn(sessionID, transcript, reply, audioURL, errs); err != nil {
			slog.Warn("turn archive", "session_id", sessionID, "error", err)
		}
	}()
}

// ListTurns returns up to limit archived turns for a session, oldest first.
func (s *Store) ListTurns(sessionID string, limit int) ([]TurnRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, transcript, reply, audio_url, errors, created_at
		 FROM turns WHERE session_id = $1 ORDER BY id LIMIT $2`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	defer rows.Close()

	var out []TurnRecord
	for rows.Next() {
		var rec TurnRecord
		var errJSON []byte
		if err = rows.Scan(&rec.ID, &rec.SessionID, &rec.Transcript, &rec.Reply, &rec.AudioURL, &errJSON, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		if err = json.Unmarshal(errJSON, &rec.Errors); err != nil {
			rec.Errors = map[string]string{}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
