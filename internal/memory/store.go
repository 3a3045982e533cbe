// Package memory provides scoped key/value storage for agent runs: a small
// working set, a TTL-bounded short-term scope, and unbounded long-term and
// episodic scopes intended for durable learning signal.
package memory

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Scope names a memory partition with its own capacity/TTL/eviction policy.
type Scope string

const (
	ScopeWorking   Scope = "working"
	ScopeShortTerm Scope = "shortterm"
	ScopeLongTerm  Scope = "longterm"
	ScopeEpisodic  Scope = "episodic"
)

// Entry is one stored value. Entries are owned exclusively by their scope;
// cross-scope promotion always copies.
type Entry struct {
	Value       string
	Timestamp   time.Time     // write time
	TTL         time.Duration // zero means no expiry
	AccessCount int
}

// expired reports whether the entry's TTL has elapsed at now.
func (e Entry) expired(now time.Time) bool {
	return e.TTL > 0 && now.Sub(e.Timestamp) >= e.TTL
}

// Match is one ranked search result.
type Match struct {
	Key   string
	Entry Entry
	Score float64
}

// Backend is an optional durable keyed store mirroring the long-term and
// episodic scopes. Scope name + key form the stable compound key.
type Backend interface {
	Put(scope, key string, e Entry) error
	Delete(scope, key string) error
	DeleteScope(scope string) error
	LoadScope(scope string) (map[string]Entry, error)
}

// Config sizes the bounded scopes.
type Config struct {
	WorkingCapacity   int
	ShortTermCapacity int
	ShortTermTTL      time.Duration
	SweepInterval     time.Duration
}

type scopeState struct {
	entries    map[string]*Entry
	order      []string // insertion order, oldest first, for eviction
	capacity   int      // 0 means unbounded
	defaultTTL time.Duration
	durable    bool
}

// Store is the scoped memory store.
type Store struct {
	mu      sync.Mutex
	scopes  map[Scope]*scopeState
	backend Backend
	logger  *zap.Logger

	sweepStop chan struct{}
	sweepDone chan struct{}
}

// NewStore creates a store. backend may be nil for a pure in-memory store;
// when present, existing long-term and episodic entries are loaded from it.
func NewStore(cfg Config, backend Backend, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		scopes: map[Scope]*scopeState{
			ScopeWorking:   {entries: map[string]*Entry{}, capacity: cfg.WorkingCapacity},
			ScopeShortTerm: {entries: map[string]*Entry{}, capacity: cfg.ShortTermCapacity, defaultTTL: cfg.ShortTermTTL},
			ScopeLongTerm:  {entries: map[string]*Entry{}, durable: true},
			ScopeEpisodic:  {entries: map[string]*Entry{}, durable: true},
		},
		backend: backend,
		logger:  logger.Named("memory"),
	}

	if backend != nil {
		for _, scope := range []Scope{ScopeLongTerm, ScopeEpisodic} {
			loaded, err := backend.LoadScope(string(scope))
			if err != nil {
				return nil, fmt.Errorf("loading scope %s: %w", scope, err)
			}
			st := s.scopes[scope]
			for key, e := range loaded {
				entry := e
				st.entries[key] = &entry
				st.order = append(st.order, key)
			}
			// Restore insertion order by write timestamp.
			sort.Slice(st.order, func(i, j int) bool {
				return st.entries[st.order[i]].Timestamp.Before(st.entries[st.order[j]].Timestamp)
			})
		}
	}

	if cfg.SweepInterval > 0 {
		s.sweepStop = make(chan struct{})
		s.sweepDone = make(chan struct{})
		go s.sweepLoop(cfg.SweepInterval)
	}
	return s, nil
}

// Close stops the background sweep.
func (s *Store) Close() {
	if s.sweepStop != nil {
		close(s.sweepStop)
		<-s.sweepDone
		s.sweepStop = nil
	}
}

// Write stores value under scope/key. ttl <= 0 selects the scope default.
// When a bounded scope is at capacity, the single oldest entry by write
// timestamp is evicted before the write proceeds.
func (s *Store) Write(scope Scope, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.scopes[scope]
	if !ok {
		return fmt.Errorf("unknown memory scope %q", scope)
	}
	if key == "" {
		return fmt.Errorf("memory key must not be empty")
	}

	if ttl <= 0 {
		ttl = st.defaultTTL
	}

	if _, exists := st.entries[key]; exists {
		// Overwrite counts as a fresh write: move to the back of the
		// eviction order.
		s.removeFromOrder(st, key)
	} else if st.capacity > 0 && len(st.entries) >= st.capacity {
		oldest := st.order[0]
		s.deleteLocked(scope, st, oldest)
		s.logger.Debug("evicted oldest entry",
			zap.String("scope", string(scope)),
			zap.String("key", oldest))
	}

	e := &Entry{Value: value, Timestamp: time.Now(), TTL: ttl}
	st.entries[key] = e
	st.order = append(st.order, key)

	if st.durable && s.backend != nil {
		if err := s.backend.Put(string(scope), key, *e); err != nil {
			return fmt.Errorf("persisting %s/%s: %w", scope, key, err)
		}
	}
	return nil
}

// Read returns the value under scope/key. An expired entry reads as absent
// and is deleted as a side effect. Reads count as accesses.
func (s *Store) Read(scope Scope, key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.scopes[scope]
	if !ok {
		return "", false
	}
	e, ok := st.entries[key]
	if !ok {
		return "", false
	}
	if e.expired(time.Now()) {
		s.deleteLocked(scope, st, key)
		return "", false
	}
	e.AccessCount++
	return e.Value, true
}

// Delete removes an entry.
func (s *Store) Delete(scope Scope, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.scopes[scope]; ok {
		s.deleteLocked(scope, st, key)
	}
}

// Clear empties a scope.
func (s *Store) Clear(scope Scope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.scopes[scope]
	if !ok {
		return
	}
	st.entries = map[string]*Entry{}
	st.order = nil
	if st.durable && s.backend != nil {
		if err := s.backend.DeleteScope(string(scope)); err != nil {
			s.logger.Warn("failed to clear durable scope",
				zap.String("scope", string(scope)), zap.Error(err))
		}
	}
}

// Len returns the live (unexpired) entry count of a scope.
func (s *Store) Len(scope Scope) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.scopes[scope]
	if !ok {
		return 0
	}
	now := time.Now()
	n := 0
	for _, e := range st.entries {
		if !e.expired(now) {
			n++
		}
	}
	return n
}

// Search ranks unexpired entries of a scope against the query: substring
// containment scores 1.0, otherwise the token-overlap ratio. Ties break by
// descending recency.
func (s *Store) Search(scope Scope, query string, limit int) []Match {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.scopes[scope]
	if !ok || query == "" {
		return nil
	}
	now := time.Now()

	var matches []Match
	for key, e := range st.entries {
		if e.expired(now) {
			continue
		}
		score := scoreMatch(query, e.Value)
		if score <= 0 {
			continue
		}
		matches = append(matches, Match{Key: key, Entry: *e, Score: score})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Entry.Timestamp.After(matches[j].Entry.Timestamp)
	})

	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}

// Consolidate copies unexpired, previously-accessed entries from one scope
// to another. Promotion, not move: the source keeps its entries. The copy
// takes the destination scope's default TTL. Returns the promoted count.
func (s *Store) Consolidate(from, to Scope) (int, error) {
	s.mu.Lock()
	src, ok := s.scopes[from]
	if !ok {
		s.mu.Unlock()
		return 0, fmt.Errorf("unknown memory scope %q", from)
	}
	if _, ok := s.scopes[to]; !ok {
		s.mu.Unlock()
		return 0, fmt.Errorf("unknown memory scope %q", to)
	}

	now := time.Now()
	type kv struct{ key, value string }
	var promote []kv
	for key, e := range src.entries {
		if e.expired(now) || e.AccessCount == 0 {
			continue
		}
		promote = append(promote, kv{key, e.Value})
	}
	s.mu.Unlock()

	for _, p := range promote {
		if err := s.Write(to, p.key, p.value, 0); err != nil {
			return 0, err
		}
	}
	return len(promote), nil
}

// Compress groups entries older than the cutoff by inferred type into a
// single summary record per type and deletes the originals. The originals
// are not recoverable afterwards.
func (s *Store) Compress(scope Scope, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	st, ok := s.scopes[scope]
	if !ok {
		s.mu.Unlock()
		return 0, fmt.Errorf("unknown memory scope %q", scope)
	}

	now := time.Now()
	cutoff := now.Add(-olderThan)
	groups := map[string][]string{} // inferred type -> keys
	for key, e := range st.entries {
		if strings.HasPrefix(key, "summary:") {
			continue // never re-compress summaries
		}
		if e.Timestamp.Before(cutoff) {
			kind := inferType(key)
			groups[kind] = append(groups[kind], key)
		}
	}

	compressed := 0
	type summary struct{ key, value string }
	var summaries []summary
	for kind, keys := range groups {
		sort.Strings(keys)
		var samples []string
		for _, k := range keys {
			samples = append(samples, truncate(st.entries[k].Value, 80))
			s.deleteLocked(scope, st, k)
		}
		compressed += len(keys)
		summaries = append(summaries, summary{
			key:   fmt.Sprintf("summary:%s:%d", kind, now.UnixMilli()),
			value: fmt.Sprintf("compressed %d %s entries: %s", len(keys), kind, strings.Join(samples, " | ")),
		})
	}
	s.mu.Unlock()

	for _, sm := range summaries {
		if err := s.Write(scope, sm.key, sm.value, 0); err != nil {
			return compressed, err
		}
	}
	return compressed, nil
}

// deleteLocked removes an entry from memory and, for durable scopes, the
// backend. Caller holds s.mu.
func (s *Store) deleteLocked(scope Scope, st *scopeState, key string) {
	if _, ok := st.entries[key]; !ok {
		return
	}
	delete(st.entries, key)
	s.removeFromOrder(st, key)
	if st.durable && s.backend != nil {
		if err := s.backend.Delete(string(scope), key); err != nil {
			s.logger.Warn("failed to delete durable entry",
				zap.String("scope", string(scope)),
				zap.String("key", key),
				zap.Error(err))
		}
	}
}

func (s *Store) removeFromOrder(st *scopeState, key string) {
	for i, k := range st.order {
		if k == key {
			st.order = append(st.order[:i], st.order[i+1:]...)
			return
		}
	}
}

// sweepLoop periodically removes expired entries, complementing lazy expiry
// on read.
func (s *Store) sweepLoop(interval time.Duration) {
	defer close(s.sweepDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-s.sweepStop:
			return
		}
	}
}

// Sweep removes every expired entry across all scopes. Returns the number
// removed.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	removed := 0
	for scope, st := range s.scopes {
		for key, e := range st.entries {
			if e.expired(now) {
				s.deleteLocked(scope, st, key)
				removed++
			}
		}
	}
	return removed
}

// scoreMatch implements the ranking rule: substring containment wins
// outright, otherwise the token-overlap ratio.
func scoreMatch(query, value string) float64 {
	q := strings.ToLower(query)
	v := strings.ToLower(value)
	if strings.Contains(v, q) {
		return 1.0
	}
	qTokens := tokenSet(q)
	vTokens := tokenSet(v)
	if len(qTokens) == 0 || len(vTokens) == 0 {
		return 0
	}
	overlap := 0
	for tok := range qTokens {
		if vTokens[tok] {
			overlap++
		}
	}
	union := len(vTokens)
	for tok := range qTokens {
		if !vTokens[tok] {
			union++
		}
	}
	return float64(overlap) / float64(union)
}

func tokenSet(s string) map[string]bool {
	set := map[string]bool{}
	for _, tok := range strings.Fields(s) {
		set[tok] = true
	}
	return set
}

// inferType derives a coarse entry type from the key: the segment before the
// first colon, or "general".
func inferType(key string) string {
	if i := strings.Index(key, ":"); i > 0 {
		return key[:i]
	}
	return "general"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
