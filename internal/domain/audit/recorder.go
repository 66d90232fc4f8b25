package audit

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ehr/assistant/internal/domain/access"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Cipher seals entry text fields at rest. aad binds a ciphertext to its
// request and field.
type Cipher interface {
	Seal(plaintext, aad string) (string, error)
	Open(ciphertext, aad string) (string, error)
	Version() int
}

type Recorder struct {
	sink   Sink
	cipher Cipher
	logger zerolog.Logger
	now    func() time.Time
}

// NewRecorder returns a recorder appending to sink. A nil cipher stores text
// fields in plain form.
func NewRecorder(sink Sink, cipher Cipher, logger zerolog.Logger) *Recorder {
	return &Recorder{
		sink:   sink,
		cipher: cipher,
		logger: logger.With().Str("component", "audit").Logger(),
		now:    time.Now,
	}
}

// sealedFields are the entry fields that may hold PHI.
var sealedFields = []struct {
	name string
	get  func(*Entry) *string
}{
	{"query", func(e *Entry) *string { return &e.Query }},
	{"masked_payload", func(e *Entry) *string { return &e.MaskedPayload }},
	{"response", func(e *Entry) *string { return &e.Response }},
}

// Record appends e. Every failure is reported as KindAuditWriteFailed; the
// caller must not release an answer whose entry was not written.
func (r *Recorder) Record(ctx context.Context, e *Entry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Recorded.IsZero() {
		e.Recorded = r.now().UTC()
	}
	if r.cipher != nil && e.KeyVersion == 0 {
		for _, f := range sealedFields {
			v := f.get(e)
			if *v == "" {
				continue
			}
			ct, err := r.cipher.Seal(*v, e.RequestID+"/"+f.name)
			if err != nil {
				return r.fail(e, fmt.Errorf("seal %s: %w", f.name, err))
			}
			*v = ct
		}
		e.KeyVersion = r.cipher.Version()
	}
	if err := r.sink.Append(ctx, e); err != nil {
		return r.fail(e, err)
	}
	r.logger.Debug().
		Str("request_id", e.RequestID).
		Int64("sequence", e.Sequence).
		Str("outcome", string(e.Outcome)).
		Msg("audit entry appended")
	return nil
}

func (r *Recorder) fail(e *Entry, err error) error {
	r.logger.Error().Err(err).Str("request_id", e.RequestID).Msg("audit write failed")
	return access.AtStage("audit", access.Wrap(access.KindAuditWriteFailed, err, "append audit entry"))
}

// Open returns a copy of e with sealed fields decrypted.
func (r *Recorder) Open(e Entry) (Entry, error) {
	if e.KeyVersion == 0 {
		return e, nil
	}
	if r.cipher == nil {
		return e, fmt.Errorf("entry %d is encrypted and no key is configured", e.Sequence)
	}
	for _, f := range sealedFields {
		v := f.get(&e)
		if *v == "" {
			continue
		}
		pt, err := r.cipher.Open(*v, e.RequestID+"/"+f.name)
		if err != nil {
			return e, fmt.Errorf("open %s of entry %d: %w", f.name, e.Sequence, err)
		}
		*v = pt
	}
	e.KeyVersion = 0
	return e, nil
}

// History lists a subject's entries as metadata, newest first.
func (r *Recorder) History(ctx context.Context, subjectID string, limit, offset int) ([]Summary, error) {
	entries, err := r.sink.List(ctx, Filter{SubjectID: subjectID, Limit: limit, Offset: offset, Descending: true})
	if err != nil {
		return nil, fmt.Errorf("list audit history: %w", err)
	}
	out := make([]Summary, len(entries))
	for i := range entries {
		out[i] = entries[i].Summary()
	}
	return out, nil
}

// Report is a metadata-only compliance summary.
type Report struct {
	Since       time.Time               `json:"since,omitempty"`
	Until       time.Time               `json:"until,omitempty"`
	Total       int                     `json:"total"`
	ByOutcome   map[access.Outcome]int  `json:"by_outcome"`
	ByRole      map[string]int          `json:"by_role"`
	ByErrorKind map[access.Kind]int     `json:"by_error_kind"`
	ByCategory  map[access.Category]int `json:"by_category"`
	Redactions  int                     `json:"redactions"`
	Entries     []Summary               `json:"entries"`
}

func (r *Recorder) Report(ctx context.Context, f Filter) (*Report, error) {
	entries, err := r.sink.List(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	rep := &Report{
		Since:       f.Since,
		Until:       f.Until,
		ByOutcome:   make(map[access.Outcome]int),
		ByRole:      make(map[string]int),
		ByErrorKind: make(map[access.Kind]int),
		ByCategory:  make(map[access.Category]int),
		Entries:     make([]Summary, 0, len(entries)),
	}
	for i := range entries {
		e := &entries[i]
		rep.Total++
		rep.ByOutcome[e.Outcome]++
		rep.ByRole[e.Role]++
		if e.ErrorKind != "" {
			rep.ByErrorKind[e.ErrorKind]++
		}
		for _, c := range e.Categories() {
			rep.ByCategory[c]++
		}
		rep.Redactions += e.Redactions
		rep.Entries = append(rep.Entries, e.Summary())
	}
	sort.Slice(rep.Entries, func(i, j int) bool { return rep.Entries[i].Sequence < rep.Entries[j].Sequence })
	return rep, nil
}

// VerifyResult reports the first broken link of a chain, if any.
type VerifyResult struct {
	Checked  int    `json:"checked"`
	BrokenAt int64  `json:"broken_at,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

func (v VerifyResult) OK() bool { return v.BrokenAt == 0 }

// Verify walks the whole chain in sequence order and recomputes every hash.
func Verify(ctx context.Context, sink Sink) (VerifyResult, error) {
	entries, err := sink.List(ctx, Filter{})
	if err != nil {
		return VerifyResult{}, fmt.Errorf("list audit entries: %w", err)
	}
	var res VerifyResult
	prevSeq, prevHash := int64(0), GenesisHash
	for i := range entries {
		e := &entries[i]
		res.Checked++
		switch {
		case e.Sequence != prevSeq+1:
			res.BrokenAt, res.Reason = e.Sequence, fmt.Sprintf("expected sequence %d", prevSeq+1)
		case e.PrevHash != prevHash:
			res.BrokenAt, res.Reason = e.Sequence, "prev_hash does not match preceding entry"
		default:
			h, err := e.digest()
			if err != nil {
				return res, err
			}
			if h != e.Hash {
				res.BrokenAt, res.Reason = e.Sequence, "hash does not match entry content"
			}
		}
		if !res.OK() {
			return res, nil
		}
		prevSeq, prevHash = e.Sequence, e.Hash
	}
	return res, nil
}
