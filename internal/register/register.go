package register

import (
	"bytes"
	"encoding/json"
	"log"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

var templatePattern = regexp.MustCompile(`\{\{([a-zA-Z_][a-zA-Z0-9_]*(?:\.[a-zA-Z_][a-zA-Z0-9_]*)*)\}\}`)

type entry struct {
	value      json.RawMessage
	sourceTool string
	createdAt  time.Time
}

// Store holds exact tool output values for one execution so they can be
// substituted into later tool arguments without round-tripping through
// the model.
type Store struct {
	mu      sync.RWMutex
	entries map[string]entry
	logger  *log.Logger
}

func New(logger *log.Logger) *Store {
	if logger == nil {
		logger = log.Default()
	}
	return &Store{entries: make(map[string]entry), logger: logger}
}

func (s *Store) Set(key, sourceTool string, value json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = entry{value: append(json.RawMessage(nil), value...), sourceTool: sourceTool, createdAt: time.Now().UTC()}
}

// Get returns the raw stored value for key.
func (s *Store) Get(key string) (json.RawMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	return e.value, true
}

// Source returns the tool that produced key.
func (s *Store) Source(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	if !ok {
		return "", false
	}
	return e.sourceTool, true
}

func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *Store) Remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]entry)
}

// Lookup resolves a dotted path: the first segment names a register, the
// rest descend through JSON object fields.
func (s *Store) Lookup(path string) (json.RawMessage, bool) {
	segments := strings.Split(path, ".")
	raw, ok := s.Get(segments[0])
	if !ok {
		return nil, false
	}
	for _, seg := range segments[1:] {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, false
		}
		raw, ok = obj[seg]
		if !ok {
			return nil, false
		}
	}
	return raw, true
}

// ExpandTemplates substitutes every {{name}} and {{name.field}} placeholder
// in input with the display form of the stored value. Unresolved
// placeholders are left verbatim. Expansion is a single pass: substituted
// values are never re-scanned.
func (s *Store) ExpandTemplates(input string) string {
	if !strings.Contains(input, "{{") {
		return input
	}
	return templatePattern.ReplaceAllStringFunc(input, func(match string) string {
		path := match[2 : len(match)-2]
		raw, ok := s.Lookup(path)
		if !ok {
			s.logger.Printf("register: unresolved template %q", match)
			return match
		}
		return displayString(raw)
	})
}

// displayString renders a JSON string verbatim without quotes and every
// other value as compact JSON.
func displayString(raw json.RawMessage) string {
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}
