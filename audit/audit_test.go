package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/silversage/guard/internal/clock"
)

type captureSink struct {
	events []Event
}

func (c *captureSink) Record(_ context.Context, evt Event) {
	c.events = append(c.events, evt)
}

var testStart = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func TestTrail_StampsIDAndTimestamp(t *testing.T) {
	clk := clock.NewFake(testStart)
	sink := &captureSink{}
	trail := NewTrail(clk, sink)

	trail.Record(context.Background(), Event{Action: ActionLoginFailure, Source: "10.0.0.1"})
	clk.Advance(time.Second)
	trail.Record(context.Background(), Event{Action: ActionLoginFailure, Source: "10.0.0.1"})

	require.Len(t, sink.events, 2)
	assert.NotEmpty(t, sink.events[0].ID)
	assert.NotEqual(t, sink.events[0].ID, sink.events[1].ID)
	assert.Equal(t, testStart, sink.events[0].Timestamp)
	assert.Equal(t, testStart.Add(time.Second), sink.events[1].Timestamp)
}

func TestTrail_KeepsExplicitFields(t *testing.T) {
	sink := &captureSink{}
	trail := NewTrail(clock.NewFake(testStart), sink)
	at := testStart.Add(-time.Hour)

	trail.Record(context.Background(), Event{ID: "fixed", Timestamp: at, Action: ActionRegister})

	require.Len(t, sink.events, 1)
	assert.Equal(t, "fixed", sink.events[0].ID)
	assert.Equal(t, at, sink.events[0].Timestamp)
}

func TestMulti_FansOutAndSkipsNil(t *testing.T) {
	a, b := &captureSink{}, &captureSink{}
	m := Multi(a, nil, b)

	m.Record(context.Background(), Event{Action: ActionAdminUnlock})

	assert.Len(t, a.events, 1)
	assert.Len(t, b.events, 1)
}

func TestLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	l.Record(context.Background(), Event{ID: "1", Action: ActionLoginSuccess, Success: true, IdentityRef: "alice", Timestamp: testStart})
	l.Record(context.Background(), Event{ID: "2", Action: ActionLoginFailure, Timestamp: testStart})
	l.Record(context.Background(), Event{ID: "3", Action: ActionIntegrityAnomaly, Details: "bad hash", Timestamp: testStart})

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 3)

	levels := make([]string, 0, 3)
	for _, line := range lines {
		var rec map[string]any
		require.NoError(t, json.Unmarshal(line, &rec))
		assert.Equal(t, "audit", rec["component"])
		levels = append(levels, rec["level"].(string))
	}
	assert.Equal(t, []string{"INFO", "WARN", "ERROR"}, levels)
	assert.Contains(t, string(lines[0]), `"identity":"alice"`)
	assert.NotContains(t, string(lines[1]), `"identity"`)
	assert.Contains(t, string(lines[2]), `"details":"bad hash"`)
}

func TestAction_Anomaly(t *testing.T) {
	assert.True(t, ActionIntegrityAnomaly.Anomaly())
	assert.True(t, ActionInternalError.Anomaly())
	assert.False(t, ActionLoginFailure.Anomaly())
}

func TestTrail_SourceFromContext(t *testing.T) {
	sink := &captureSink{}
	trail := NewTrail(clock.NewFake(testStart), sink)
	ctx := WithSource(context.Background(), "192.0.2.7")

	trail.Record(ctx, Event{Action: ActionAccountLocked})
	trail.Record(ctx, Event{Action: ActionAccountLocked, Source: "explicit"})

	require.Len(t, sink.events, 2)
	assert.Equal(t, "192.0.2.7", sink.events[0].Source)
	assert.Equal(t, "explicit", sink.events[1].Source)
}
