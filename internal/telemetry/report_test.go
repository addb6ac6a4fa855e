package telemetry

import (
	"hash/crc32"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func TestPositionString(t *testing.T) {
	assert.Equal(t, "[1, 2, 3]", Position{1, 2, 3}.String())
	assert.Equal(t, "[-1, 0.5, 100]", Position{-1, 0.5, 100}.String())

	p, err := ParsePosition("[1, 2.5, 3]")
	require.NoError(t, err)
	assert.Equal(t, Position{1, 2.5, 3}, p)

	_, err = ParsePosition("1;2;3")
	assert.Error(t, err)
}

func TestReportWireForm(t *testing.T) {
	r := Report{
		Created:   "1700000000000000",
		Aircraft:  "uas1",
		Position:  Position{1, 2, 3},
		Velocity:  5,
		Status:    StatusOK,
		MessageID: 0x1a2b,
	}

	data, err := msgpack.Marshal(&r)
	require.NoError(t, err)

	var list []any
	require.NoError(t, msgpack.Unmarshal(data, &list))
	require.Len(t, list, 5)
	assert.Equal(t, "uas1", list[1])
	assert.Equal(t, StatusOK, list[4])

	var back Report
	require.NoError(t, msgpack.Unmarshal(data, &back))
	assert.Equal(t, r.Position, back.Position)
	assert.Zero(t, back.MessageID)
}

func TestReportFromIntegerList(t *testing.T) {
	// positions sent as integers still decode
	data, err := msgpack.Marshal([]any{"created", "tag1", []int{1, 2, 3}, 5.0, "OK"})
	require.NoError(t, err)

	var r Report
	require.NoError(t, msgpack.Unmarshal(data, &r))
	assert.Equal(t, Position{1, 2, 3}, r.Position)
	assert.Equal(t, 5.0, r.Velocity)
}

func TestStoredReport(t *testing.T) {
	r := Report{Created: "42", Aircraft: "uas1", Position: Position{1, 2, 3}, Velocity: 5, Status: "OK", MessageID: 7}

	data, err := r.Stored().Marshal()
	require.NoError(t, err)
	assert.JSONEq(t, `{"created":"42","msg-id":7,"position":[1,2,3],"velocity":5,"status":"OK"}`, string(data))

	back, err := ParseStored(data)
	require.NoError(t, err)
	assert.Equal(t, r.Stored(), back)

	_, err = ParseStored([]byte("not json"))
	assert.Error(t, err)
}

func TestCreated(t *testing.T) {
	ts := time.UnixMicro(1700000000123456)
	assert.Equal(t, "1700000000123456", Created(ts))
}

func TestNewMessageID(t *testing.T) {
	ts := time.UnixMilli(1700000000123)
	want := crc32.ChecksumIEEE([]byte("1700000000123uas142"))
	assert.Equal(t, want, NewMessageID(ts, "uas1", 42))
	assert.NotEqual(t, NewMessageID(ts, "uas1", 42), NewMessageID(ts, "uas1", 43))
}
