// Package cache mirrors the active backend in memory for fast reads. It is
// filled once at startup and updated after every committed write.
package cache

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/richardliu001/coinledger/internal/model"
)

// Source is what the cache loads from.
type Source interface {
	ListAll(ctx context.Context) (map[string]*model.Account, error)
}

// Mirror receives every account written to the cache, e.g. for other nodes.
type Mirror interface {
	Store(ctx context.Context, acc *model.Account) error
}

type Cache struct {
	mu       sync.RWMutex
	accounts map[string]*model.Account
	names    map[string]string
	mirror   Mirror
	log      *zap.SugaredLogger
}

// New returns an empty cache. mirror may be nil.
func New(mirror Mirror, log *zap.SugaredLogger) *Cache {
	return &Cache{
		accounts: map[string]*model.Account{},
		names:    map[string]string{},
		mirror:   mirror,
		log:      log,
	}
}

// Load replaces the contents with everything src holds.
func (c *Cache) Load(ctx context.Context, src Source) error {
	all, err := src.ListAll(ctx)
	if err != nil {
		c.log.Errorw("cache load failed", "error", err)
		return fmt.Errorf("cache.Load: %w", err)
	}
	accounts := make(map[string]*model.Account, len(all))
	names := make(map[string]string, len(all))
	for id, a := range all {
		accounts[id] = a.Clone()
		names[strings.ToLower(a.Name)] = id
	}
	c.mu.Lock()
	c.accounts, c.names = accounts, names
	c.mu.Unlock()
	c.log.Infow("cache loaded", "accounts", len(accounts))
	return nil
}

// Get returns a copy; callers cannot change cached state through it.
func (c *Cache) Get(uuid string) (*model.Account, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.accounts[uuid]
	return a.Clone(), ok
}

func (c *Cache) Exists(uuid string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.accounts[uuid]
	return ok
}

func (c *Cache) FindUUIDByName(name string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.names[strings.ToLower(name)]
	return id, ok
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.accounts)
}

// Put stores a copy of acc. Call it only after the backend write committed.
// A copy older than the cached one, by backend version, is dropped: writes can
// commit in one order and reach the cache in another.
func (c *Cache) Put(ctx context.Context, acc *model.Account) {
	if acc == nil {
		return
	}
	cp := acc.Clone()
	c.mu.Lock()
	if prev, ok := c.accounts[cp.UUID]; ok {
		if cp.Version < prev.Version {
			c.mu.Unlock()
			c.log.Debugw("stale cache write dropped", "uuid", cp.UUID,
				"version", cp.Version, "cached", prev.Version)
			return
		}
		key := strings.ToLower(prev.Name)
		if c.names[key] == cp.UUID {
			delete(c.names, key)
		}
	}
	c.accounts[cp.UUID] = cp
	c.names[strings.ToLower(cp.Name)] = cp.UUID
	c.mu.Unlock()

	if c.mirror != nil {
		if err := c.mirror.Store(ctx, cp); err != nil {
			c.log.Warnw("cache mirror write failed", "uuid", cp.UUID, "error", err)
		}
	}
}
