// Package telemetry defines the aircraft report exchanged between UAS
// clients and UTM servers, in its beacon and stored forms.
package telemetry

import (
	"encoding/json"
	"fmt"
	"hash/crc32"
	"strconv"
	"strings"
	"time"
)

// Well-known statuses.
const (
	StatusOK      = "OK"
	StatusUnknown = "UNKNOWN"
)

// Position is an (x, y, z) coordinate.
type Position [3]float64

var (
	// Unavailable is what the GPS bridge reports when it has no fix.
	Unavailable = Position{-1, -1, -1}
	// Fallback is broadcast in place of an unavailable position.
	Fallback = Position{100, 100, 100}
)

// String renders the position as a bracketed list, e.g. "[1, 2, 3]".
func (p Position) String() string {
	parts := make([]string, len(p))
	for i, v := range p {
		parts[i] = strconv.FormatFloat(v, 'f', -1, 64)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// ParsePosition parses the output of Position.String.
func ParsePosition(s string) (Position, error) {
	var p Position
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return p, fmt.Errorf("parse position %q: %w", s, err)
	}
	return p, nil
}

// Report is one aircraft beacon. On the wire it is the ordered list
// [created, aircraft, position, velocity, status]; the message id travels in
// the frame envelope.
type Report struct {
	_msgpack struct{} `msgpack:",as_array"`

	Created  string
	Aircraft string
	Position Position
	Velocity float64
	Status   string

	MessageID uint32 `msgpack:"-"`
}

// Stored converts the report to the form kept in the key-value store.
func (r Report) Stored() StoredReport {
	return StoredReport{
		Created:   r.Created,
		MessageID: r.MessageID,
		Position:  r.Position,
		Velocity:  r.Velocity,
		Status:    r.Status,
	}
}

// StoredReport is the JSON document written under the aircraft key.
type StoredReport struct {
	Created   string   `json:"created"`
	MessageID uint32   `json:"msg-id"`
	Position  Position `json:"position"`
	Velocity  float64  `json:"velocity"`
	Status    string   `json:"status"`
}

// Marshal encodes the stored report as JSON.
func (s StoredReport) Marshal() ([]byte, error) {
	return json.Marshal(s)
}

// ParseStored decodes a stored report.
func ParseStored(data []byte) (StoredReport, error) {
	var s StoredReport
	if err := json.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("parse stored report: %w", err)
	}
	return s, nil
}

// Created formats t as the microsecond timestamp carried in reports.
func Created(t time.Time) string {
	return strconv.FormatInt(t.UnixMicro(), 10)
}

// NewMessageID derives a message id from the send time in milliseconds, the
// aircraft tag and a random salt.
func NewMessageID(t time.Time, tag string, salt int) uint32 {
	return crc32.ChecksumIEEE([]byte(strconv.FormatInt(t.UnixMilli(), 10) + tag + strconv.Itoa(salt)))
}
