package historic

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/utmtestbed/utmnet/internal/telemetry"

	_ "modernc.org/sqlite"
)

const schema = `
create table if not exists historic (
	seq      integer primary key autoincrement,
	received integer not null,
	created  text not null,
	msg_id   integer not null,
	aircraft text not null,
	position text not null,
	velocity real not null,
	status   text not null
);
create index if not exists historic_aircraft on historic(aircraft, seq);
`

// SQLite stores records in a SQLite database.
type SQLite struct {
	db *sql.DB
}

// OpenSQLiteMemory opens a private in-memory database.
func OpenSQLiteMemory() (*SQLite, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("unable to create database: %w", err)
	}
	// every connection to :memory: is a different database
	db.SetMaxOpenConns(1)
	return openDB(db)
}

// OpenSQLite opens or creates the database file at path.
func OpenSQLite(path string) (*SQLite, error) {
	path, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("unable to create database directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("unable to create database file: %w", err)
	}
	db.SetMaxOpenConns(1)
	return openDB(db)
}

func openDB(db *sql.DB) (*SQLite, error) {
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to apply schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Append implements Log.
func (s *SQLite) Append(ctx context.Context, r Record) error {
	_, err := s.db.ExecContext(ctx,
		`insert into historic(received, created, msg_id, aircraft, position, velocity, status)
		values (?, ?, ?, ?, ?, ?, ?)`,
		r.Received.UnixMicro(), r.Created, int64(r.ID), r.Aircraft, r.Position.String(), r.Velocity, r.Status)
	if err != nil {
		return fmt.Errorf("append record: %w", err)
	}
	return nil
}

// Records returns the records logged for aircraft, oldest first. An empty
// aircraft returns every record.
func (s *SQLite) Records(ctx context.Context, aircraft string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`select received, created, msg_id, aircraft, position, velocity, status
		from historic where ? = '' or aircraft = ? order by seq`, aircraft, aircraft)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec      Record
			received int64
			id       int64
			position string
		)
		if err := rows.Scan(&received, &rec.Created, &id, &rec.Aircraft, &position, &rec.Velocity, &rec.Status); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec.Received = time.UnixMicro(received)
		rec.ID = uint32(id)
		if rec.Position, err = telemetry.ParsePosition(position); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close implements Log.
func (s *SQLite) Close() error {
	return s.db.Close()
}
