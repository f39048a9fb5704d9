package generation

import "github.com/pavelanni/qgen/internal/model"

// Sources is an append-only list of source records, unique by id.
type Sources struct {
	seen map[string]struct{}
	list []model.SourceRecord
}

// NewSources returns an empty accumulator.
func NewSources() *Sources {
	return &Sources{seen: make(map[string]struct{})}
}

// Add appends r unless a record with the same id was already added.
func (s *Sources) Add(r model.SourceRecord) bool {
	if _, dup := s.seen[r.ID]; dup {
		return false
	}
	s.seen[r.ID] = struct{}{}
	s.list = append(s.list, r)
	return true
}

// All returns every record in arrival order.
func (s *Sources) All() []model.SourceRecord {
	out := make([]model.SourceRecord, len(s.list))
	copy(out, s.list)
	return out
}

// Recent returns at most n of the latest records, oldest first.
func (s *Sources) Recent(n int) []model.SourceRecord {
	if n <= 0 {
		return nil
	}
	if n > len(s.list) {
		n = len(s.list)
	}
	out := make([]model.SourceRecord, n)
	copy(out, s.list[len(s.list)-n:])
	return out
}

// Len returns the number of records.
func (s *Sources) Len() int { return len(s.list) }
