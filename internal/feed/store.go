package feed

import (
	"sync"
	"time"
)

// MaxNotifications bounds the number of records the store retains.
const MaxNotifications = 50

type ActionType string

const (
	ActionInfo    ActionType = "info"
	ActionWarning ActionType = "warning"
	ActionSuccess ActionType = "success"
	ActionRevoke  ActionType = "revoke"
)

func ParseActionType(raw string) (ActionType, bool) {
	switch ActionType(raw) {
	case "":
		return ActionInfo, true
	case ActionInfo, ActionWarning, ActionSuccess, ActionRevoke:
		return ActionType(raw), true
	default:
		return "", false
	}
}

type Record struct {
	ID          string
	Subject     string
	Message     string
	MessageTime *time.Time
	Read        bool
	Path        string
	ActionType  ActionType
	// Synthetic is set when the ID was generated on arrival rather than by the server.
	Synthetic bool

	seq uint64
}

// Mark is a position in the store's arrival sequence.
type Mark uint64

type ChangeKind string

const (
	ChangeReplace ChangeKind = "replace"
	ChangeInsert  ChangeKind = "insert"
	ChangePatch   ChangeKind = "patch"
	ChangeRevert  ChangeKind = "revert"
	ChangeReset   ChangeKind = "reset"
)

type Change struct {
	Kind ChangeKind
	// ID is empty for whole-store changes.
	ID          string
	Len         int
	UnreadCount int
}

// Store is the canonical, bounded, newest-first notification collection. All
// writers go through the narrow operations below; none of them accepts a full
// copy of the store.
type Store struct {
	mu      sync.Mutex
	limit   int
	records []Record
	seq     uint64

	subMu     sync.Mutex
	subs      map[uint64]func(Change)
	nextSubID uint64
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = MaxNotifications
	}
	return &Store{
		limit:   limit,
		records: []Record{},
		subs:    map[uint64]func(Change){},
	}
}

func (s *Store) Limit() int {
	return s.limit
}

// Mark returns the current arrival position. Records inserted after the mark
// survive a ReplaceAll issued with it.
func (s *Store) Mark() Mark {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Mark(s.seq)
}

// ReplaceAll installs an authoritative baseline given newest-first. Records that
// arrived after since and are absent from the baseline are kept ahead of it, so
// a push racing the fetch is not lost and a push already in the baseline is not
// duplicated.
func (s *Store) ReplaceAll(baseline []Record, since Mark) {
	s.ReplaceAllDeferred(baseline, since)()
}

// ReplaceAllDeferred applies ReplaceAll immediately but leaves notifying
// subscribers to the returned function, so callers holding their own locks can
// publish after releasing them.
func (s *Store) ReplaceAllDeferred(baseline []Record, since Mark) (publish func()) {
	s.mu.Lock()
	inBaseline := make(map[string]struct{}, len(baseline))
	for _, rec := range baseline {
		inBaseline[rec.ID] = struct{}{}
	}
	next := make([]Record, 0, len(baseline)+len(s.records))
	seen := make(map[string]struct{}, len(baseline)+len(s.records))
	for _, rec := range s.records {
		if rec.seq <= uint64(since) {
			continue
		}
		if _, ok := inBaseline[rec.ID]; ok {
			continue
		}
		seen[rec.ID] = struct{}{}
		next = append(next, rec)
	}
	// Sequence numbers are assigned oldest-first so a later Mark covers every
	// baseline record.
	fresh := make([]Record, 0, len(baseline))
	for i := len(baseline) - 1; i >= 0; i-- {
		rec := baseline[i]
		if rec.ID == "" {
			continue
		}
		if _, dup := seen[rec.ID]; dup {
			continue
		}
		seen[rec.ID] = struct{}{}
		rec = normalize(rec)
		s.seq++
		rec.seq = s.seq
		fresh = append(fresh, rec)
	}
	for i := len(fresh) - 1; i >= 0; i-- {
		next = append(next, fresh[i])
	}
	s.records = truncate(next, s.limit)
	change := s.changeLocked(ChangeReplace, "")
	s.mu.Unlock()
	return func() { s.publish(change) }
}

// InsertIfAbsent prepends rec unless a record with the same ID is present.
func (s *Store) InsertIfAbsent(rec Record) bool {
	if rec.ID == "" {
		return false
	}
	s.mu.Lock()
	if s.indexLocked(rec.ID) >= 0 {
		s.mu.Unlock()
		return false
	}
	rec = normalize(rec)
	s.seq++
	rec.seq = s.seq
	next := make([]Record, 0, len(s.records)+1)
	next = append(next, rec)
	next = append(next, s.records...)
	s.records = truncate(next, s.limit)
	change := s.changeLocked(ChangeInsert, rec.ID)
	s.mu.Unlock()
	s.publish(change)
	return true
}

// PatchRead sets the read flag of one record and returns its previous value.
func (s *Store) PatchRead(id string, read bool) (prev bool, ok bool) {
	s.mu.Lock()
	idx := s.indexLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return false, false
	}
	prev = s.records[idx].Read
	if prev == read {
		s.mu.Unlock()
		return prev, true
	}
	s.records[idx].Read = read
	change := s.changeLocked(ChangePatch, id)
	s.mu.Unlock()
	s.publish(change)
	return prev, true
}

// RevertRead restores the read flag of one record to restore, but only while
// the flag still holds expect. It reports whether the record was changed.
func (s *Store) RevertRead(id string, expect, restore bool) bool {
	s.mu.Lock()
	idx := s.indexLocked(id)
	if idx < 0 || s.records[idx].Read != expect || expect == restore {
		s.mu.Unlock()
		return false
	}
	s.records[idx].Read = restore
	change := s.changeLocked(ChangeRevert, id)
	s.mu.Unlock()
	s.publish(change)
	return true
}

func (s *Store) Reset() {
	s.mu.Lock()
	s.records = []Record{}
	change := s.changeLocked(ChangeReset, "")
	s.mu.Unlock()
	s.publish(change)
}

func (s *Store) Snapshot() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

func (s *Store) Get(id string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.indexLocked(id)
	if idx < 0 {
		return Record{}, false
	}
	return s.records[idx], true
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// UnreadCount is recomputed from the records on every call.
func (s *Store) UnreadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return countUnread(s.records)
}

// Subscribe registers fn to run after every mutation. Callbacks run outside the
// store lock and may read from the store.
func (s *Store) Subscribe(fn func(Change)) func() {
	if fn == nil {
		return func() {}
	}
	s.subMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subs[id] = fn
	s.subMu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
		})
	}
}

func (s *Store) publish(change Change) {
	s.subMu.Lock()
	fns := make([]func(Change), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()
	for _, fn := range fns {
		fn(change)
	}
}

func (s *Store) changeLocked(kind ChangeKind, id string) Change {
	return Change{
		Kind:        kind,
		ID:          id,
		Len:         len(s.records),
		UnreadCount: countUnread(s.records),
	}
}

func (s *Store) indexLocked(id string) int {
	for i := range s.records {
		if s.records[i].ID == id {
			return i
		}
	}
	return -1
}

func countUnread(records []Record) int {
	n := 0
	for i := range records {
		if !records[i].Read {
			n++
		}
	}
	return n
}

func normalize(rec Record) Record {
	if rec.ActionType == "" {
		rec.ActionType = ActionInfo
	}
	return rec
}

func truncate(records []Record, limit int) []Record {
	if len(records) <= limit {
		return records
	}
	return records[:limit]
}
