// Package accounts manages the pool of backend accounts used for failover:
// a persisted store of accounts and their health, and a router that picks
// which account serves the next request.
package accounts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	accountsFilename = "accounts.json"
	storeVersion     = 1

	defaultWatchDebounce = 250 * time.Millisecond
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrInvalidAccount  = errors.New("account requires id and family")
)

// Account is one set of credentials for a backend family. Credentials
// themselves live elsewhere; CredentialRef names them.
type Account struct {
	ID            string `json:"id"`
	Family        string `json:"family"`
	Label         string `json:"label,omitempty"`
	Enabled       bool   `json:"enabled"`
	CredentialRef string `json:"credential_ref,omitempty"`
	// Priority orders accounts within a family, lower first.
	Priority int `json:"priority,omitempty"`
}

// Stats tracks health and consumption for an account.
type Stats struct {
	LastUsed      time.Time `json:"last_used,omitempty"`
	LastSuccess   time.Time `json:"last_success,omitempty"`
	LastFailure   time.Time `json:"last_failure,omitempty"`
	FailCount     int       `json:"fail_count,omitempty"`
	CooldownUntil time.Time `json:"cooldown_until,omitempty"`
	LastReason    string    `json:"last_reason,omitempty"`
	Selections    int64     `json:"selections,omitempty"`
	InputTokens   int64     `json:"input_tokens,omitempty"`
	OutputTokens  int64     `json:"output_tokens,omitempty"`
	CostUSD       float64   `json:"cost_usd,omitempty"`
}

// InCooldown reports whether the account must be skipped at now.
func (s Stats) InCooldown(now time.Time) bool {
	return !s.CooldownUntil.IsZero() && now.Before(s.CooldownUntil)
}

// storeFile is the on-disk layout of accounts.json.
type storeFile struct {
	Version  int               `json:"version"`
	Accounts []Account         `json:"accounts"`
	LastGood map[string]string `json:"last_good,omitempty"` // family -> account id
	Stats    map[string]Stats  `json:"stats,omitempty"`
}

// Store holds accounts per family. It is safe for concurrent use. A store
// opened from a state directory persists every mutation to accounts.json and
// can reload it when another process edits the file.
type Store struct {
	mu       sync.RWMutex
	saveMu   sync.Mutex
	path     string
	accounts map[string]Account
	stats    map[string]Stats
	lastGood map[string]string
	logger   *slog.Logger

	watchMu     sync.Mutex
	watcher     *fsnotify.Watcher
	watchCancel context.CancelFunc
	watchWg     sync.WaitGroup
	onReload    []func()
}

// NewStore returns an empty in-memory store.
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		accounts: make(map[string]Account),
		stats:    make(map[string]Stats),
		lastGood: make(map[string]string),
		logger:   logger.With("component", "accounts"),
	}
}

// Open loads the store persisted under stateDir. A missing file yields an
// empty store bound to that directory.
func Open(stateDir string, logger *slog.Logger) (*Store, error) {
	s := NewStore(logger)
	s.path = filepath.Join(stateDir, accountsFilename)
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the backing file, empty for in-memory stores.
func (s *Store) Path() string {
	return s.path
}

// Reload replaces the in-memory state with the file contents.
func (s *Store) Reload() error {
	if s.path == "" {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read accounts: %w", err)
	}

	var file storeFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse %s: %w", s.path, err)
	}

	accounts := make(map[string]Account, len(file.Accounts))
	for _, acc := range file.Accounts {
		if acc.ID == "" || acc.Family == "" {
			s.logger.Warn("skipping invalid account entry", "id", acc.ID, "family", acc.Family)
			continue
		}
		accounts[acc.ID] = acc
	}

	s.mu.Lock()
	s.accounts = accounts
	s.stats = file.Stats
	if s.stats == nil {
		s.stats = make(map[string]Stats)
	}
	s.lastGood = file.LastGood
	if s.lastGood == nil {
		s.lastGood = make(map[string]string)
	}
	s.mu.Unlock()
	return nil
}

// Save writes the store to disk. In-memory stores ignore it.
func (s *Store) Save() error {
	if s.path == "" {
		return nil
	}
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.RLock()
	file := storeFile{
		Version:  storeVersion,
		Accounts: s.sortedLocked(""),
		LastGood: s.lastGood,
		Stats:    s.stats,
	}
	data, err := json.MarshalIndent(file, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Put adds or replaces an account.
func (s *Store) Put(acc Account) error {
	if acc.ID == "" || acc.Family == "" {
		return ErrInvalidAccount
	}
	s.mu.Lock()
	s.accounts[acc.ID] = acc
	s.mu.Unlock()
	return s.Save()
}

// Remove deletes an account and its stats.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	acc, ok := s.accounts[id]
	if !ok {
		s.mu.Unlock()
		return ErrAccountNotFound
	}
	delete(s.accounts, id)
	delete(s.stats, id)
	if s.lastGood[acc.Family] == id {
		delete(s.lastGood, acc.Family)
	}
	s.mu.Unlock()
	return s.Save()
}

// Get returns a copy of the account.
func (s *Store) Get(id string) (Account, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.accounts[id]
	return acc, ok
}

// List returns the accounts of family in routing order (priority, then id).
// An empty family lists every account.
func (s *Store) List(family string) []Account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedLocked(family)
}

// Families returns every family with at least one account.
func (s *Store) Families() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, acc := range s.accounts {
		seen[acc.Family] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for f := range seen {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Stats returns the recorded stats for an account.
func (s *Store) Stats(id string) Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats[id]
}

// LastGood returns the account that last served family successfully.
func (s *Store) LastGood(family string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastGood[family]
}

// update applies fn to the stats of id under the write lock and persists.
func (s *Store) update(id string, fn func(acc Account, st *Stats, lastGood map[string]string)) {
	s.mu.Lock()
	acc, ok := s.accounts[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	st := s.stats[id]
	fn(acc, &st, s.lastGood)
	s.stats[id] = st
	s.mu.Unlock()

	if err := s.Save(); err != nil {
		s.logger.Warn("persist account stats failed", "account_id", id, "error", err)
	}
}

func (s *Store) sortedLocked(family string) []Account {
	out := make([]Account, 0, len(s.accounts))
	for _, acc := range s.accounts {
		if family == "" || acc.Family == family {
			out = append(out, acc)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Family != out[j].Family {
			return out[i].Family < out[j].Family
		}
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// OnReload registers fn to run after the watcher reloads the file.
func (s *Store) OnReload(fn func()) {
	s.watchMu.Lock()
	s.onReload = append(s.onReload, fn)
	s.watchMu.Unlock()
}

// Watch reloads the store whenever accounts.json changes on disk, until ctx
// is done or Close is called. In-memory stores return nil without watching.
func (s *Store) Watch(ctx context.Context, debounce time.Duration) error {
	if s.path == "" {
		return nil
	}

	s.watchMu.Lock()
	if s.watcher != nil {
		s.watchMu.Unlock()
		return nil
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.watchMu.Unlock()
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.watchMu.Unlock()
		return err
	}
	// The directory is watched so that atomic renames over the file are seen.
	if err := watcher.Add(dir); err != nil {
		s.watchMu.Unlock()
		_ = watcher.Close()
		return err
	}
	s.watcher = watcher
	watchCtx, cancel := context.WithCancel(ctx)
	s.watchCancel = cancel
	s.watchMu.Unlock()

	if debounce <= 0 {
		debounce = defaultWatchDebounce
	}

	s.watchWg.Add(1)
	go s.watchLoop(watchCtx, watcher, debounce)
	return nil
}

// Close stops the watcher, if any.
func (s *Store) Close() error {
	s.watchMu.Lock()
	if s.watchCancel != nil {
		s.watchCancel()
		s.watchCancel = nil
	}
	watcher := s.watcher
	s.watcher = nil
	s.watchMu.Unlock()

	var err error
	if watcher != nil {
		err = watcher.Close()
	}
	s.watchWg.Wait()
	return err
}

func (s *Store) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, debounce time.Duration) {
	defer s.watchWg.Done()

	var mu sync.Mutex
	var timer *time.Timer
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	scheduleReload := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(debounce, func() {
			if ctx.Err() != nil {
				return
			}
			if err := s.Reload(); err != nil {
				s.logger.Warn("account reload failed", "path", s.path, "error", err)
				return
			}
			s.logger.Debug("accounts reloaded", "path", s.path)
			s.watchMu.Lock()
			hooks := append([]func(){}, s.onReload...)
			s.watchMu.Unlock()
			for _, fn := range hooks {
				fn()
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(s.path) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				scheduleReload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("account watch error", "error", err)
		}
	}
}
