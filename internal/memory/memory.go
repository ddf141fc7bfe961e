package memory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Store is a file-backed long-term memory: an append-only daily markdown
// log plus named notes, all confined to one root directory.
type Store struct {
	mu   sync.Mutex
	root string
	now  func() time.Time
}

func NewStore(root string) (*Store, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve memory root: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create memory root: %w", err)
	}
	return &Store{root: absRoot, now: time.Now}, nil
}

// Append adds one note to the current day's log.
func (s *Store) Append(ctx context.Context, note string) error {
	note = strings.TrimSpace(note)
	if note == "" {
		return fmt.Errorf("empty memory note")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	path := filepath.Join(s.root, now.Format("2006-01-02")+".md")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open memory log: %w", err)
	}
	defer f.Close()

	line := fmt.Sprintf("- %s %s\n", now.Format("15:04:05"), note)
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("append memory log: %w", err)
	}
	return nil
}

// WriteNote replaces a named note. The name is constrained to a single
// path segment inside the root.
func (s *Store) WriteNote(ctx context.Context, name, content string) error {
	path, err := s.notePath(name)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write note: %w", err)
	}
	return nil
}

func (s *Store) ReadNote(ctx context.Context, name string) (string, error) {
	path, err := s.notePath(name)
	if err != nil {
		return "", err
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read note: %w", err)
	}
	return string(content), nil
}

// RecentContext returns the last n days of log content, oldest first, for
// inclusion in the model prompt. Missing days are skipped.
func (s *Store) RecentContext(ctx context.Context, days int) (string, error) {
	if days <= 0 {
		days = 3
	}
	var b strings.Builder
	now := s.now().UTC()
	for i := days - 1; i >= 0; i-- {
		day := now.AddDate(0, 0, -i).Format("2006-01-02")
		content, err := os.ReadFile(filepath.Join(s.root, day+".md"))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return "", fmt.Errorf("read memory log %s: %w", day, err)
		}
		b.WriteString("## ")
		b.WriteString(day)
		b.WriteString("\n")
		b.Write(content)
		b.WriteString("\n")
	}
	return b.String(), nil
}

func (s *Store) notePath(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") {
		return "", fmt.Errorf("invalid note name %q", name)
	}
	if !strings.HasSuffix(name, ".md") {
		name += ".md"
	}
	abs := filepath.Clean(filepath.Join(s.root, name))
	rel, err := filepath.Rel(s.root, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("note name escapes memory root: %q", name)
	}
	return abs, nil
}
