package trip

import (
	"sort"
	"sync"
)

// keyedMutex hands out one mutex per key. Entries are refcounted and
// dropped once no goroutine holds or waits on them.
type keyedMutex struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{entries: make(map[string]*lockEntry)}
}

// lock acquires every key in sorted order, so callers asking for
// overlapping key sets cannot deadlock. The returned func releases them.
func (k *keyedMutex) lock(keys ...string) func() {
	keys = uniqueSorted(keys)
	held := make([]*lockEntry, 0, len(keys))
	for _, key := range keys {
		k.mu.Lock()
		e, ok := k.entries[key]
		if !ok {
			e = &lockEntry{}
			k.entries[key] = e
		}
		e.refs++
		k.mu.Unlock()

		e.mu.Lock()
		held = append(held, e)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].mu.Unlock()
			k.mu.Lock()
			held[i].refs--
			if held[i].refs == 0 {
				delete(k.entries, keys[i])
			}
			k.mu.Unlock()
		}
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}

func uniqueSorted(keys []string) []string {
	out := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

func tripKey(id string) string   { return "trip:" + id }
func driverKey(id string) string { return "driver:" + id }
func busKey(id string) string    { return "bus:" + id }
