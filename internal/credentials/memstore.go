package credentials

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
)

// MemStore keeps credentials in memory. Every credential lives behind an
// atomic pointer so reads never lock; Swap is a compare-and-swap on it.
type MemStore struct {
	creds  sync.Map // organization id -> *atomic.Pointer[Credential]
	tokens sync.Map // token digest -> organization id
}

func NewMemStore() *MemStore { return &MemStore{} }

func (s *MemStore) Create(_ context.Context, c Credential) error {
	c = c.clone()
	p := new(atomic.Pointer[Credential])
	p.Store(&c)
	if _, loaded := s.creds.LoadOrStore(c.OrganizationID, p); loaded {
		return ErrExists
	}
	for _, h := range c.hashes() {
		s.tokens.Store(h, c.OrganizationID)
	}
	return nil
}

func (s *MemStore) pointer(orgID string) (*atomic.Pointer[Credential], bool) {
	v, ok := s.creds.Load(orgID)
	if !ok {
		return nil, false
	}
	return v.(*atomic.Pointer[Credential]), true
}

func (s *MemStore) Get(_ context.Context, orgID string) (Credential, error) {
	p, ok := s.pointer(orgID)
	if !ok {
		return Credential{}, ErrNotFound
	}
	return p.Load().clone(), nil
}

func (s *MemStore) ResolveToken(ctx context.Context, hash string) (Credential, error) {
	v, ok := s.tokens.Load(hash)
	if !ok {
		return Credential{}, ErrNotFound
	}
	c, err := s.Get(ctx, v.(string))
	if err != nil {
		return Credential{}, err
	}
	if c.TokenHash != hash && c.PreviousTokenHash != hash {
		// index entry outlived a concurrent swap
		return Credential{}, ErrNotFound
	}
	return c, nil
}

func (s *MemStore) Swap(_ context.Context, expect int64, next Credential) error {
	p, ok := s.pointer(next.OrganizationID)
	if !ok {
		return ErrNotFound
	}
	cur := p.Load()
	if cur.Version != expect {
		return ErrStale
	}

	next = next.clone()
	oldHashes, newHashes := cur.hashes(), next.hashes()
	for _, h := range newHashes {
		s.tokens.Store(h, next.OrganizationID)
	}
	if !p.CompareAndSwap(cur, &next) {
		for _, h := range newHashes {
			if !slices.Contains(oldHashes, h) {
				s.tokens.CompareAndDelete(h, next.OrganizationID)
			}
		}
		return ErrStale
	}
	for _, h := range oldHashes {
		if !slices.Contains(newHashes, h) {
			s.tokens.CompareAndDelete(h, next.OrganizationID)
		}
	}
	return nil
}
