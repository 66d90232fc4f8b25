package audit

import (
	"context"
	"sync"
)

// MemorySink keeps the chain in process memory.
type MemorySink struct {
	mu      sync.Mutex
	entries []Entry
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Append(ctx context.Context, e *Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prevSeq, prevHash := int64(0), GenesisHash
	if n := len(s.entries); n > 0 {
		prevSeq, prevHash = s.entries[n-1].Sequence, s.entries[n-1].Hash
	}
	if err := e.seal(prevSeq, prevHash); err != nil {
		return err
	}
	s.entries = append(s.entries, *e)
	return nil
}

func (s *MemorySink) List(ctx context.Context, f Filter) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Entry
	for i := range s.entries {
		if f.match(&s.entries[i]) {
			out = append(out, s.entries[i])
		}
	}
	return page(out, f), nil
}

func (s *MemorySink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
