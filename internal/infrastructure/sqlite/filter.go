package sqlite

import (
	"sync"
)

// CommandFilter decides which routed commands make it into session
// history. A non-empty include list wins: only its members are logged.
// Otherwise everything outside the exclude list is logged. Swap replaces
// both lists atomically, so config hot reloads never tear the filter.
type CommandFilter struct {
	mu      sync.RWMutex
	include map[string]struct{}
	exclude map[string]struct{}
}

// NewCommandFilter builds a filter from the configured name lists.
func NewCommandFilter(include, exclude []string) *CommandFilter {
	f := &CommandFilter{}
	f.Swap(include, exclude)
	return f
}

// Swap replaces both lists.
func (f *CommandFilter) Swap(include, exclude []string) {
	inc := toSet(include)
	exc := toSet(exclude)

	f.mu.Lock()
	f.include = inc
	f.exclude = exc
	f.mu.Unlock()
}

// ShouldLog reports whether the command belongs in session history.
func (f *CommandFilter) ShouldLog(command string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if len(f.include) > 0 {
		_, ok := f.include[command]
		return ok
	}
	_, excluded := f.exclude[command]
	return !excluded
}

func toSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, name := range names {
		if name == "" {
			continue
		}
		set[name] = struct{}{}
	}
	return set
}
