package engine

import (
	"fmt"
	"sync"

	"campaign_engine/internal/model"
	"campaign_engine/internal/utils"
)

// BuildIdentityPool pairs proxies with fingerprints, cycling the shorter
// list. size <= 0 means "as many as the longer list". Duplicate pairs are
// dropped so every entry in the pool is distinct.
func BuildIdentityPool(proxies, fingerprints []string, size int) []model.Identity {
	px := utils.NormalizeProxyRefs(proxies)
	if len(px) == 0 {
		px = []string{utils.DirectProxyRef}
	}
	fp := utils.NormalizeFingerprintRefs(fingerprints)
	if len(fp) == 0 {
		fp = utils.DefaultFingerprintRefs()
	}
	n := size
	if n <= 0 {
		n = max(len(px), len(fp))
	}

	seen := make(map[string]struct{}, n)
	out := make([]model.Identity, 0, n)
	add := func(proxy, fingerprint string) {
		if len(out) >= n {
			return
		}
		id := model.Identity{ProxyRef: proxy, FingerprintRef: fingerprint}
		if _, ok := seen[id.Key()]; ok {
			return
		}
		seen[id.Key()] = struct{}{}
		out = append(out, id)
	}
	// zip first, then fill from the cross product when more are asked for
	for i := 0; i < max(len(px), len(fp)); i++ {
		add(px[i%len(px)], fp[i%len(fp)])
	}
	for _, p := range px {
		for _, f := range fp {
			add(p, f)
		}
	}
	return out
}

// IdentityAllocator hands out (proxy, fingerprint) pairs so that no two
// live sessions of one campaign share an identity. It is the only writer of
// the held set.
type IdentityAllocator struct {
	mu   sync.Mutex
	pool []model.Identity
	held map[string]bool
	next int
}

func NewIdentityAllocator(pool []model.Identity) *IdentityAllocator {
	a := &IdentityAllocator{held: make(map[string]bool, len(pool))}
	seen := make(map[string]struct{}, len(pool))
	for _, id := range pool {
		if _, ok := seen[id.Key()]; ok {
			continue
		}
		seen[id.Key()] = struct{}{}
		a.pool = append(a.pool, id)
	}
	return a
}

// Allocate rotates through the pool starting after the last handed out
// identity, so consecutive sessions present different origins. When prefer
// is set, a matching free identity wins over a non-matching one.
func (a *IdentityAllocator) Allocate(prefer func(model.Identity) bool) (model.Identity, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fallback := -1
	for i := 0; i < len(a.pool); i++ {
		idx := (a.next + i) % len(a.pool)
		id := a.pool[idx]
		if a.held[id.Key()] {
			continue
		}
		if prefer != nil && !prefer(id) {
			if fallback < 0 {
				fallback = idx
			}
			continue
		}
		return a.takeLocked(idx), nil
	}
	if fallback >= 0 {
		return a.takeLocked(fallback), nil
	}
	return model.Identity{}, ErrIdentityExhausted
}

func (a *IdentityAllocator) takeLocked(idx int) model.Identity {
	id := a.pool[idx]
	a.held[id.Key()] = true
	a.next = idx + 1
	return id
}

// Release returns ErrIdentityNotHeld on a double or foreign release; the
// held set is left untouched in that case.
func (a *IdentityAllocator) Release(id model.Identity) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.held[id.Key()] {
		return fmt.Errorf("%w: %s", ErrIdentityNotHeld, id.Key())
	}
	delete(a.held, id.Key())
	return nil
}

func (a *IdentityAllocator) Size() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pool)
}

func (a *IdentityAllocator) Held() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.held)
}
