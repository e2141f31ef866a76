// Package config loads the CT log-list v3 JSON schema (the public
// operator-grouped catalog of known logs) and selects the subset that
// is "currently active" per spec.md §6.
//
// Grounded on internal/ctlog/config.go's flat JSON-unmarshal style
// (struct tags mirroring the wire schema field-for-field, no generated
// bindings) with the consul-backed distributed-lock machinery dropped —
// a log list is a read-only published artifact, not a
// concurrently-written operator secret.
package config

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// LogState is the state field of a v3 log-list entry.
type LogState string

const (
	LogStatePending    LogState = "pending"
	LogStateQualified  LogState = "qualified"
	LogStateUsable     LogState = "usable"
	LogStateReadonly   LogState = "readonly"
	LogStateRetired    LogState = "retired"
	LogStateRejected   LogState = "rejected"
)

// LogType is the log_type field of a v3 log-list entry.
type LogType string

const (
	LogTypeProd LogType = "prod"
	LogTypeTest LogType = "test"
)

// stateEntryJSON is the v3 schema's per-state timestamp wrapper, e.g.
// {"qualified": {"timestamp": "2020-01-01T00:00:00Z"}}.
type stateEntryJSON struct {
	Timestamp string `json:"timestamp"`
}

type logStateJSON struct {
	Pending   *stateEntryJSON `json:"pending,omitempty"`
	Qualified *stateEntryJSON `json:"qualified,omitempty"`
	Usable    *stateEntryJSON `json:"usable,omitempty"`
	Readonly  *stateEntryJSON `json:"readonly,omitempty"`
	Retired   *stateEntryJSON `json:"retired,omitempty"`
	Rejected  *stateEntryJSON `json:"rejected,omitempty"`
}

// current returns the log's current LogState, the one whose
// corresponding field is populated. The v3 schema guarantees exactly
// one is set.
func (s logStateJSON) current() (LogState, bool) {
	switch {
	case s.Pending != nil:
		return LogStatePending, true
	case s.Qualified != nil:
		return LogStateQualified, true
	case s.Usable != nil:
		return LogStateUsable, true
	case s.Readonly != nil:
		return LogStateReadonly, true
	case s.Retired != nil:
		return LogStateRetired, true
	case s.Rejected != nil:
		return LogStateRejected, true
	default:
		return "", false
	}
}

type temporalIntervalJSON struct {
	StartInclusive string `json:"start_inclusive"`
	EndExclusive   string `json:"end_exclusive"`
}

type logEntryJSON struct {
	Description       string                `json:"description"`
	LogID             string                `json:"log_id"`
	Key               string                `json:"key"`
	URL               string                `json:"url,omitempty"`
	SubmissionURL     string                `json:"submission_url,omitempty"`
	MonitoringURL     string                `json:"monitoring_url,omitempty"`
	MMD               int                   `json:"mmd"`
	State             *logStateJSON         `json:"state,omitempty"`
	TemporalInterval  *temporalIntervalJSON `json:"temporal_interval,omitempty"`
	LogType           string                `json:"log_type,omitempty"`
}

type operatorJSON struct {
	Name  string         `json:"name"`
	Logs  []logEntryJSON `json:"logs"`
	TiledLogs []logEntryJSON `json:"tiled_logs,omitempty"`
}

type logListJSON struct {
	Version   string         `json:"version"`
	Operators []operatorJSON `json:"operators"`
}

// Log is one selected log from the list, with its fields decoded into
// usable types.
type Log struct {
	Description   string
	LogID         [32]byte
	SPKIDER       []byte
	OperatorName  string
	BaseURL       string
	MMD           time.Duration
	State         LogState
	Type          LogType
	TilingEnabled bool
	EndExclusive  *time.Time
}

// ErrKeyMismatch is returned when a log entry's declared log_id does
// not match SHA256(key), per spec.md §6's "currently active" predicate.
var ErrKeyMismatch = fmt.Errorf("config: log_id does not match sha256(key)")

// LoadLogList parses a v3 log-list JSON document.
func LoadLogList(data []byte) ([]Log, error) {
	var doc logListJSON
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("config: malformed log list: %w", err)
	}
	var out []Log
	for _, op := range doc.Operators {
		for _, e := range op.Logs {
			l, err := decodeLogEntry(op.Name, e, false)
			if err != nil {
				return nil, err
			}
			out = append(out, l)
		}
		for _, e := range op.TiledLogs {
			l, err := decodeLogEntry(op.Name, e, true)
			if err != nil {
				return nil, err
			}
			out = append(out, l)
		}
	}
	return out, nil
}

func decodeLogEntry(operatorName string, e logEntryJSON, tiling bool) (Log, error) {
	keyDER, err := base64.StdEncoding.DecodeString(e.Key)
	if err != nil {
		return Log{}, fmt.Errorf("config: log %q: malformed key: %w", e.Description, err)
	}
	logIDRaw, err := base64.StdEncoding.DecodeString(e.LogID)
	if err != nil || len(logIDRaw) != 32 {
		return Log{}, fmt.Errorf("config: log %q: malformed log_id", e.Description)
	}
	var logID [32]byte
	copy(logID[:], logIDRaw)
	if sha256.Sum256(keyDER) != logID {
		return Log{}, fmt.Errorf("config: log %q: %w", e.Description, ErrKeyMismatch)
	}

	baseURL := e.URL
	if baseURL == "" {
		baseURL = e.MonitoringURL
	}

	l := Log{
		Description:   e.Description,
		LogID:         logID,
		SPKIDER:       keyDER,
		OperatorName:  operatorName,
		BaseURL:       baseURL,
		MMD:           time.Duration(e.MMD) * time.Second,
		Type:          LogType(e.LogType),
		TilingEnabled: tiling,
	}
	if e.State != nil {
		if st, ok := e.State.current(); ok {
			l.State = st
		}
	}
	if e.TemporalInterval != nil && e.TemporalInterval.EndExclusive != "" {
		end, err := time.Parse(time.RFC3339, e.TemporalInterval.EndExclusive)
		if err != nil {
			return Log{}, fmt.Errorf("config: log %q: malformed temporal_interval.end_exclusive: %w", e.Description, err)
		}
		l.EndExclusive = &end
	}
	return l, nil
}

// IsCurrentlyActive implements spec.md §6's "currently active"
// predicate: state in {Qualified, Usable, Readonly}, log_type in
// {Prod, <unset>}, and (no temporal interval, or its end is after now).
func (l Log) IsCurrentlyActive(now time.Time) bool {
	switch l.State {
	case LogStateQualified, LogStateUsable, LogStateReadonly:
	default:
		return false
	}
	if l.Type != "" && l.Type != LogTypeProd {
		return false
	}
	if l.EndExclusive != nil && !l.EndExclusive.After(now) {
		return false
	}
	return true
}
