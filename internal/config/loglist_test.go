package config

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"
)

func buildLogListJSON(t *testing.T, logs []logEntryJSON, tiledLogs []logEntryJSON) []byte {
	t.Helper()
	doc := logListJSON{
		Version: "3.0",
		Operators: []operatorJSON{
			{Name: "Test Operator", Logs: logs, TiledLogs: tiledLogs},
		},
	}
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	return data
}

func testLogEntry(t *testing.T, description string, state *logStateJSON) logEntryJSON {
	t.Helper()
	key := []byte("a fake spki, not real DER, but that's fine for hashing")
	logID := sha256.Sum256(key)
	return logEntryJSON{
		Description: description,
		LogID:       base64.StdEncoding.EncodeToString(logID[:]),
		Key:         base64.StdEncoding.EncodeToString(key),
		URL:         "https://log.example.com/",
		MMD:         86400,
		State:       state,
	}
}

func usableState() *logStateJSON {
	return &logStateJSON{Usable: &stateEntryJSON{Timestamp: "2020-01-01T00:00:00Z"}}
}

func TestLoadLogListDecodesUsableLog(t *testing.T) {
	entry := testLogEntry(t, "Test Log 1", usableState())
	data := buildLogListJSON(t, []logEntryJSON{entry}, nil)

	logs, err := LoadLogList(data)
	if err != nil {
		t.Fatalf("LoadLogList: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("expected 1 log, got %d", len(logs))
	}
	if logs[0].Description != "Test Log 1" {
		t.Errorf("unexpected description: %q", logs[0].Description)
	}
	if logs[0].State != LogStateUsable {
		t.Errorf("expected state usable, got %q", logs[0].State)
	}
	if logs[0].TilingEnabled {
		t.Error("a log listed under 'logs' should not have tiling enabled")
	}
}

func TestLoadLogListDecodesTiledLog(t *testing.T) {
	entry := testLogEntry(t, "Test Tiled Log", usableState())
	data := buildLogListJSON(t, nil, []logEntryJSON{entry})

	logs, err := LoadLogList(data)
	if err != nil {
		t.Fatalf("LoadLogList: %v", err)
	}
	if len(logs) != 1 || !logs[0].TilingEnabled {
		t.Fatalf("expected 1 tiling-enabled log, got %+v", logs)
	}
}

func TestLoadLogListRejectsKeyLogIDMismatch(t *testing.T) {
	entry := testLogEntry(t, "Mismatched", usableState())
	wrongID := sha256.Sum256([]byte("a different key entirely"))
	entry.LogID = base64.StdEncoding.EncodeToString(wrongID[:])
	data := buildLogListJSON(t, []logEntryJSON{entry}, nil)

	if _, err := LoadLogList(data); err == nil {
		t.Fatal("expected error when log_id does not match sha256(key)")
	}
}

func TestLoadLogListFallsBackToMonitoringURL(t *testing.T) {
	entry := testLogEntry(t, "No submission URL", usableState())
	entry.URL = ""
	entry.MonitoringURL = "https://monitor.example.com/"
	data := buildLogListJSON(t, []logEntryJSON{entry}, nil)

	logs, err := LoadLogList(data)
	if err != nil {
		t.Fatalf("LoadLogList: %v", err)
	}
	if logs[0].BaseURL != "https://monitor.example.com/" {
		t.Errorf("BaseURL = %q, want monitoring_url fallback", logs[0].BaseURL)
	}
}

func TestLoadLogListParsesTemporalInterval(t *testing.T) {
	entry := testLogEntry(t, "Temporal", usableState())
	entry.TemporalInterval = &temporalIntervalJSON{
		StartInclusive: "2020-01-01T00:00:00Z",
		EndExclusive:   "2030-01-01T00:00:00Z",
	}
	data := buildLogListJSON(t, []logEntryJSON{entry}, nil)

	logs, err := LoadLogList(data)
	if err != nil {
		t.Fatalf("LoadLogList: %v", err)
	}
	if logs[0].EndExclusive == nil {
		t.Fatal("expected EndExclusive to be set")
	}
	want := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	if !logs[0].EndExclusive.Equal(want) {
		t.Errorf("EndExclusive = %v, want %v", logs[0].EndExclusive, want)
	}
}

func TestIsCurrentlyActiveUsable(t *testing.T) {
	l := Log{State: LogStateUsable}
	if !l.IsCurrentlyActive(time.Now()) {
		t.Fatal("a usable log with no type or temporal interval should be active")
	}
}

func TestIsCurrentlyActiveRejectsRetired(t *testing.T) {
	l := Log{State: LogStateRetired}
	if l.IsCurrentlyActive(time.Now()) {
		t.Fatal("a retired log should not be active")
	}
}

func TestIsCurrentlyActiveRejectsTestType(t *testing.T) {
	l := Log{State: LogStateUsable, Type: LogTypeTest}
	if l.IsCurrentlyActive(time.Now()) {
		t.Fatal("a test log should not be active")
	}
}

func TestIsCurrentlyActiveRejectsExpiredTemporalInterval(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	l := Log{State: LogStateUsable, EndExclusive: &past}
	if l.IsCurrentlyActive(time.Now()) {
		t.Fatal("a log whose temporal interval has already ended should not be active")
	}
}

func TestIsCurrentlyActiveAcceptsFutureTemporalInterval(t *testing.T) {
	future := time.Now().Add(time.Hour)
	l := Log{State: LogStateUsable, EndExclusive: &future}
	if !l.IsCurrentlyActive(time.Now()) {
		t.Fatal("a log whose temporal interval has not yet ended should be active")
	}
}

func TestLoadLogListMalformedJSON(t *testing.T) {
	if _, err := LoadLogList([]byte("not json")); err == nil {
		t.Fatal("expected error for malformed json")
	}
}

func TestLogStateJSONCurrentPicksSetField(t *testing.T) {
	s := logStateJSON{Readonly: &stateEntryJSON{Timestamp: "2020-01-01T00:00:00Z"}}
	state, ok := s.current()
	if !ok || state != LogStateReadonly {
		t.Fatalf("current() = (%q, %v), want (readonly, true)", state, ok)
	}
}

func TestLogStateJSONCurrentNoneSet(t *testing.T) {
	var s logStateJSON
	if _, ok := s.current(); ok {
		t.Fatal("expected ok=false when no state field is set")
	}
}
