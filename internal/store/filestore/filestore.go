// Package filestore keeps balances in a single YAML document. Every mutation
// rewrites the whole file through a temp file and rename.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/richardliu001/coinledger/internal/config"
	"github.com/richardliu001/coinledger/internal/ident"
	"github.com/richardliu001/coinledger/internal/model"
	"github.com/richardliu001/coinledger/internal/store"
)

// FormatUUID tags documents whose player keys are canonical uuids.
const FormatUUID = "uuid"

// Amount writes as a plain yaml number with two decimals.
type Amount struct{ decimal.Decimal }

func (a Amount) MarshalYAML() (any, error) {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!float", Value: a.StringFixed(2)}, nil
}

func (a *Amount) UnmarshalYAML(n *yaml.Node) error {
	if n.Value == "" {
		a.Decimal = decimal.Zero
		return nil
	}
	d, err := decimal.NewFromString(n.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	a.Decimal = d
	return nil
}

// Record is one entry under players.
type Record struct {
	Name    string    `yaml:"name"`
	Balance Amount    `yaml:"balance"`
	Change  Amount    `yaml:"change"`
	Created time.Time `yaml:"created"`
	Version uint64    `yaml:"version,omitempty"`
}

// Document is the file layout.
type Document struct {
	Format  string             `yaml:"format"`
	Players map[string]*Record `yaml:"players"`
}

// Store is the file backend.
type Store struct {
	mu   sync.RWMutex
	path string
	doc  Document
	log  *zap.SugaredLogger
}

var _ store.Backend = (*Store)(nil)

// Open loads path; a missing file starts an empty document.
func Open(path string, log *zap.SugaredLogger) (*Store, error) {
	s := &Store{path: path, log: log, doc: Document{Format: FormatUUID, Players: map[string]*Record{}}}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		log.Infow("balance file not found, starting empty", "path", path)
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("filestore.Open: %w", err)
	}
	if err := yaml.Unmarshal(data, &s.doc); err != nil {
		return nil, fmt.Errorf("filestore.Open: %s: %w", path, err)
	}
	if s.doc.Players == nil {
		s.doc.Players = map[string]*Record{}
	}
	if s.doc.Format != FormatUUID {
		log.Warnw("balance file is not uuid-keyed; non-uuid entries are kept but not served",
			"path", path, "format", s.doc.Format)
	}
	return s, nil
}

func (s *Store) Mode() config.Mode { return config.ModeFile }

// Supports reports false for everything: the file holds balances and names only.
func (s *Store) Supports(store.Capability) bool { return false }

func (s *Store) Close() error { return nil }

func toAccount(id string, r *Record) *model.Account {
	return &model.Account{
		UUID:          id,
		Name:          r.Name,
		Balance:       r.Balance.Decimal,
		PendingChange: r.Change.Decimal,
		CreatedAt:     r.Created,
		Version:       r.Version,
	}
}

func fromAccount(a *model.Account) *Record {
	return &Record{
		Name:    a.Name,
		Balance: Amount{a.Balance},
		Change:  Amount{a.PendingChange},
		Created: a.CreatedAt.UTC(),
		Version: a.Version,
	}
}

func (s *Store) Get(_ context.Context, uuid string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.doc.Players[uuid]
	if !ok || !ident.IsCanonical(uuid) {
		return nil, fmt.Errorf("filestore.Get %s: %w", uuid, model.ErrAccountNotFound)
	}
	return toAccount(uuid, r), nil
}

func (s *Store) Exists(_ context.Context, uuid string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.doc.Players[uuid]
	return ok && ident.IsCanonical(uuid), nil
}

// ListAll returns every well-formed entry.
func (s *Store) ListAll(context.Context) (map[string]*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*model.Account, len(s.doc.Players))
	for id, r := range s.doc.Players {
		if ident.IsCanonical(id) {
			out[id] = toAccount(id, r)
		}
	}
	return out, nil
}

func (s *Store) FindUUIDByName(_ context.Context, name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.sortedKeys() {
		if ident.IsCanonical(id) && strings.EqualFold(s.doc.Players[id].Name, name) {
			return id, nil
		}
	}
	return "", fmt.Errorf("filestore.FindUUIDByName %q: %w", name, model.ErrNameNotFound)
}

func (s *Store) Put(_ context.Context, acc *model.Account) error {
	return s.mutate(func(players map[string]*Record) error {
		rec := fromAccount(acc)
		if prev, ok := players[acc.UUID]; ok {
			rec.Version = prev.Version + 1
		}
		players[acc.UUID] = rec
		return nil
	})
}

func (s *Store) Create(_ context.Context, uuid, name string) (*model.Account, error) {
	var acc *model.Account
	err := s.mutate(func(players map[string]*Record) error {
		if _, ok := players[uuid]; ok {
			return fmt.Errorf("filestore.Create %s: %w", uuid, model.ErrAccountExists)
		}
		acc = &model.Account{UUID: uuid, Name: name, CreatedAt: model.Now()}
		players[uuid] = fromAccount(acc)
		return nil
	})
	return acc, err
}

func (s *Store) SetBalance(_ context.Context, uuid string, amount decimal.Decimal) (*model.Account, error) {
	return s.update(uuid, func(r *Record) error {
		r.Balance = Amount{amount}
		return nil
	})
}

func (s *Store) AddBalance(_ context.Context, uuid string, delta decimal.Decimal) (*model.Account, error) {
	return s.update(uuid, func(r *Record) error {
		next := r.Balance.Add(delta)
		if next.IsNegative() {
			return model.ErrInsufficientFunds
		}
		r.Balance = Amount{next}
		return nil
	})
}

func (s *Store) SetPendingChange(_ context.Context, uuid string, amount decimal.Decimal) (*model.Account, error) {
	return s.update(uuid, func(r *Record) error {
		r.Change = Amount{amount}
		return nil
	})
}

func (s *Store) Rename(_ context.Context, uuid, name string) (*model.Account, error) {
	return s.update(uuid, func(r *Record) error {
		r.Name = name
		return nil
	})
}

// Transfer moves amount between two entries in one write. Either side may be
// nil for the bank. No audit row exists in this backend.
func (s *Store) Transfer(_ context.Context, source, destination *string, amount decimal.Decimal) (map[string]*model.Account, error) {
	out := map[string]*model.Account{}
	err := s.mutate(func(players map[string]*Record) error {
		if source != nil {
			r, ok := players[*source]
			if !ok {
				return fmt.Errorf("filestore.Transfer source %s: %w", *source, model.ErrAccountNotFound)
			}
			next := *r
			next.Balance = Amount{r.Balance.Sub(amount)}
			if next.Balance.IsNegative() {
				return model.ErrInsufficientFunds
			}
			next.Change = Amount{r.Change.Sub(amount)}
			next.Version++
			players[*source] = &next
			out[*source] = toAccount(*source, &next)
		}
		if destination != nil {
			r, ok := players[*destination]
			if !ok {
				return fmt.Errorf("filestore.Transfer destination %s: %w", *destination, model.ErrAccountNotFound)
			}
			next := *r
			next.Balance = Amount{r.Balance.Add(amount)}
			next.Change = Amount{r.Change.Add(amount)}
			next.Version++
			players[*destination] = &next
			out[*destination] = toAccount(*destination, &next)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Records returns a copy of every entry, malformed keys included.
func (s *Store) Records() map[string]Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Record, len(s.doc.Players))
	for id, r := range s.doc.Players {
		out[id] = *r
	}
	return out
}

// PutBatch merges records and persists them with the uuid format tag.
func (s *Store) PutBatch(records map[string]Record) error {
	return s.mutate(func(players map[string]*Record) error {
		for id, r := range records {
			r := r
			if prev, ok := players[id]; ok {
				r.Version = prev.Version + 1
			}
			players[id] = &r
		}
		return nil
	})
}

func (s *Store) update(uuid string, fn func(r *Record) error) (*model.Account, error) {
	var acc *model.Account
	err := s.mutate(func(players map[string]*Record) error {
		r, ok := players[uuid]
		if !ok || !ident.IsCanonical(uuid) {
			return fmt.Errorf("filestore %s: %w", uuid, model.ErrAccountNotFound)
		}
		next := *r
		if err := fn(&next); err != nil {
			return err
		}
		next.Version++
		players[uuid] = &next
		acc = toAccount(uuid, &next)
		return nil
	})
	return acc, err
}

// mutate applies fn to a copy of the player map and swaps it in only after
// the file was written.
func (s *Store) mutate(fn func(players map[string]*Record) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	players := make(map[string]*Record, len(s.doc.Players)+1)
	for k, v := range s.doc.Players {
		players[k] = v
	}
	if err := fn(players); err != nil {
		return err
	}
	doc := Document{Format: FormatUUID, Players: players}
	if err := writeAtomic(s.path, doc); err != nil {
		s.log.Errorw("write balance file failed", "path", s.path, "error", err)
		return err
	}
	s.doc = doc
	return nil
}

func (s *Store) sortedKeys() []string {
	keys := make([]string, 0, len(s.doc.Players))
	for k := range s.doc.Players {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func writeAtomic(path string, doc Document) error {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("filestore: encode: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("filestore: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("filestore: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("filestore: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("filestore: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("filestore: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("filestore: rename: %w", err)
	}
	return nil
}
