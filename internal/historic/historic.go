// Package historic keeps the append-only log of aircraft reports seen by a
// node. Records are written either as ';'-separated text or to SQLite.
package historic

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/utmtestbed/utmnet"
	"github.com/utmtestbed/utmnet/internal/telemetry"
)

// Header names the columns of a record.
var Header = []string{"time", "created", "id", "aircraft", "position", "vel", "status"}

// Record is one historic entry: a report and the time it was logged.
type Record struct {
	Received time.Time
	Created  string
	ID       uint32
	Aircraft string
	Position telemetry.Position
	Velocity float64
	Status   string
}

// FromReport builds the record logged for r at time t.
func FromReport(t time.Time, r telemetry.Report) Record {
	return Record{
		Received: t,
		Created:  r.Created,
		ID:       r.MessageID,
		Aircraft: r.Aircraft,
		Position: r.Position,
		Velocity: r.Velocity,
		Status:   r.Status,
	}
}

// FromStored builds the record logged for a stored report seen under key.
func FromStored(t time.Time, key string, s telemetry.StoredReport) Record {
	return Record{
		Received: t,
		Created:  s.Created,
		ID:       s.MessageID,
		Aircraft: key,
		Position: s.Position,
		Velocity: s.Velocity,
		Status:   s.Status,
	}
}

// Fields renders the record in Header order.
func (r Record) Fields() []string {
	return []string{
		strconv.FormatInt(r.Received.UnixMicro(), 10),
		r.Created,
		utmnet.FormatID(r.ID),
		r.Aircraft,
		r.Position.String(),
		strconv.FormatFloat(r.Velocity, 'f', -1, 64),
		r.Status,
	}
}

// ParseFields is the inverse of Fields.
func ParseFields(fields []string) (Record, error) {
	if len(fields) != len(Header) {
		return Record{}, fmt.Errorf("record has %d fields, want %d", len(fields), len(Header))
	}

	received, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("parse time: %w", err)
	}
	id, err := utmnet.ParseID(fields[2])
	if err != nil {
		return Record{}, fmt.Errorf("parse id: %w", err)
	}
	pos, err := telemetry.ParsePosition(fields[4])
	if err != nil {
		return Record{}, err
	}
	vel, err := strconv.ParseFloat(fields[5], 64)
	if err != nil {
		return Record{}, fmt.Errorf("parse velocity: %w", err)
	}

	return Record{
		Received: time.UnixMicro(received),
		Created:  fields[1],
		ID:       id,
		Aircraft: fields[3],
		Position: pos,
		Velocity: vel,
		Status:   fields[6],
	}, nil
}

// Log is an append-only historic log. Close flushes pending records.
type Log interface {
	Append(ctx context.Context, r Record) error
	Close() error
}

// Backends.
const (
	BackendCSV    = "csv"
	BackendSQLite = "sqlite"
)

// Open opens the log named after tag in dir.
func Open(backend, dir, tag string) (Log, error) {
	switch backend {
	case BackendCSV, "":
		return OpenCSV(filepath.Join(dir, tag+".csv"))
	case BackendSQLite:
		return OpenSQLite(filepath.Join(dir, tag+".sqlite"))
	}
	return nil, fmt.Errorf("unknown historic backend %q", backend)
}
