package memory

import (
	"context"
	"sync"

	"entralink/internal/identity/store"
	tokenmemory "entralink/internal/token/store/memory"
)

// Tx serializes transitions over the in-memory stores and restores every
// store to its prior contents when the transition fails.
type Tx struct {
	mu      sync.Mutex
	users   *Users
	links   *Links
	matches *Matches
	tokens  *tokenmemory.Store
}

func NewTx(users *Users, links *Links, matches *Matches, tokens *tokenmemory.Store) *Tx {
	return &Tx{users: users, links: links, matches: matches, tokens: tokens}
}

func (t *Tx) RunInTx(_ context.Context, fn func(stores store.TxStores) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	restores := []func(){
		t.users.snapshot(),
		t.links.snapshot(),
		t.matches.snapshot(),
		t.tokens.Snapshot(),
	}
	err := fn(store.TxStores{
		Users:   t.users,
		Links:   t.links,
		Matches: t.matches,
		Tokens:  t.tokens,
	})
	if err != nil {
		for _, restore := range restores {
			restore()
		}
	}
	return err
}
