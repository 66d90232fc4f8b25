// Package audit implements the Audit Recorder: one append-only, hash-chained
// entry per request, written after the Response Guard whatever the outcome.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ehr/assistant/internal/domain/access"
	"github.com/google/uuid"
)

// GenesisHash is the PrevHash of the first entry in a chain.
var GenesisHash = strings.Repeat("0", 64)

// StageRecord is one stage's decision. Outcome is "ok" or an error kind.
type StageRecord struct {
	Stage      string `json:"stage"`
	Outcome    string `json:"outcome"`
	DurationMS int64  `json:"duration_ms"`
}

// Entry is the full decision trail of one request. Query, MaskedPayload and
// Response are sealed when a cipher is configured; KeyVersion is then
// non-zero.
type Entry struct {
	ID               uuid.UUID             `json:"id"`
	Sequence         int64                 `json:"sequence"`
	RequestID        string                `json:"request_id"`
	Recorded         time.Time             `json:"recorded"`
	SubjectID        string                `json:"subject_id"`
	Role             string                `json:"role"`
	TenantID         string                `json:"tenant_id,omitempty"`
	Scope            *access.ScopeSnapshot `json:"scope,omitempty"`
	Intents          []string              `json:"intents,omitempty"`
	ClassifierSource string                `json:"classifier_source,omitempty"`
	Plan             []access.PlanEntry    `json:"plan,omitempty"`
	Since            *time.Time            `json:"since,omitempty"`
	RecordCount      int                   `json:"record_count"`
	Query            string                `json:"query"`
	MaskedPayload    string                `json:"masked_payload,omitempty"`
	Response         string                `json:"response"`
	Redactions       int                   `json:"redactions"`
	Outcome          access.Outcome        `json:"outcome"`
	ErrorKind        access.Kind           `json:"error_kind,omitempty"`
	ErrorStage       string                `json:"error_stage,omitempty"`
	Stages           []StageRecord         `json:"stages,omitempty"`
	KeyVersion       int                   `json:"key_version"`
	PrevHash         string                `json:"prev_hash"`
	Hash             string                `json:"hash"`
}

// Categories lists the plan's categories in plan order.
func (e *Entry) Categories() []access.Category {
	out := make([]access.Category, len(e.Plan))
	for i, p := range e.Plan {
		out[i] = p.Category
	}
	return out
}

// digest is sha256(prev_hash || canonical JSON of the entry without Hash).
func (e *Entry) digest() (string, error) {
	c := *e
	c.Hash = ""
	body, err := json.Marshal(&c)
	if err != nil {
		return "", fmt.Errorf("encode audit entry: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(e.PrevHash))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// seal links e after prev and sets its hash.
func (e *Entry) seal(prevSeq int64, prevHash string) error {
	e.Sequence = prevSeq + 1
	e.PrevHash = prevHash
	h, err := e.digest()
	if err != nil {
		return err
	}
	e.Hash = h
	return nil
}

// Summary is the metadata-only view of an entry. It never carries query,
// payload or response text.
type Summary struct {
	Sequence   int64             `json:"sequence"`
	RequestID  string            `json:"request_id"`
	Recorded   time.Time         `json:"recorded"`
	SubjectID  string            `json:"subject_id"`
	Role       string            `json:"role"`
	Intents    []string          `json:"intents,omitempty"`
	Categories []access.Category `json:"categories,omitempty"`
	Outcome    access.Outcome    `json:"outcome"`
	ErrorKind  access.Kind       `json:"error_kind,omitempty"`
	Redactions int               `json:"redactions"`
}

func (e *Entry) Summary() Summary {
	return Summary{
		Sequence:   e.Sequence,
		RequestID:  e.RequestID,
		Recorded:   e.Recorded,
		SubjectID:  e.SubjectID,
		Role:       e.Role,
		Intents:    e.Intents,
		Categories: e.Categories(),
		Outcome:    e.Outcome,
		ErrorKind:  e.ErrorKind,
		Redactions: e.Redactions,
	}
}

// Filter selects entries. Zero fields match everything.
type Filter struct {
	SubjectID  string
	Since      time.Time
	Until      time.Time
	Limit      int
	Offset     int
	Descending bool
}

func (f Filter) match(e *Entry) bool {
	if f.SubjectID != "" && e.SubjectID != f.SubjectID {
		return false
	}
	if !f.Since.IsZero() && e.Recorded.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !e.Recorded.Before(f.Until) {
		return false
	}
	return true
}

// Sink is append-only storage for entries. Append assigns Sequence,
// PrevHash and Hash atomically with respect to other appends. List returns
// entries in ascending sequence order.
type Sink interface {
	Append(ctx context.Context, e *Entry) error
	List(ctx context.Context, f Filter) ([]Entry, error)
}

// page orders entries already filtered in ascending sequence, then applies
// offset and limit.
func page(entries []Entry, f Filter) []Entry {
	if f.Descending {
		for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
			entries[i], entries[j] = entries[j], entries[i]
		}
	}
	if f.Offset >= len(entries) {
		return nil
	}
	entries = entries[f.Offset:]
	if f.Limit > 0 && len(entries) > f.Limit {
		entries = entries[:f.Limit]
	}
	return entries
}
