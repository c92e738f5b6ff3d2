package cdppeer

import (
	"hash/fnv"
	"sort"
	"sync"

	"github.com/chromedp/cdproto/target"
)

// TabInfo describes a page target known to the registry.
type TabInfo struct {
	ID       int       `json:"id"`
	TargetID target.ID `json:"target_id"`
	URL      string    `json:"url"`
}

// TabIDFor derives the integer tab id of a target. The mapping depends only
// on the target id, so separate processes attached to the same browser agree
// on it.
func TabIDFor(targetID target.ID) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(targetID))
	id := int(h.Sum32() & 0x7fffffff)
	if id == 0 {
		id = 1
	}
	return id
}

// TabRegistry maps CDP target IDs to integer tab ids and back.
type TabRegistry struct {
	mu       sync.RWMutex
	byTarget map[target.ID]*TabInfo
	byID     map[int]*TabInfo
}

func NewTabRegistry() *TabRegistry {
	return &TabRegistry{
		byTarget: make(map[target.ID]*TabInfo),
		byID:     make(map[int]*TabInfo),
	}
}

// Register records targetID with its current URL. It returns false when the
// derived id is already held by a different target.
func (r *TabRegistry) Register(targetID target.ID, url string) (TabInfo, bool) {
	id := TabIDFor(targetID)

	r.mu.Lock()
	defer r.mu.Unlock()
	if held, ok := r.byID[id]; ok && held.TargetID != targetID {
		return *held, false
	}
	info, ok := r.byTarget[targetID]
	if !ok {
		info = &TabInfo{ID: id, TargetID: targetID}
		r.byTarget[targetID] = info
		r.byID[id] = info
	}
	info.URL = url
	return *info, true
}

func (r *TabRegistry) Get(id int) (TabInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.byID[id]
	if !ok {
		return TabInfo{}, false
	}
	return *info, true
}

func (r *TabRegistry) GetByTarget(targetID target.ID) (TabInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.byTarget[targetID]
	if !ok {
		return TabInfo{}, false
	}
	return *info, true
}

func (r *TabRegistry) Remove(targetID target.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if info, ok := r.byTarget[targetID]; ok {
		delete(r.byID, info.ID)
		delete(r.byTarget, targetID)
	}
}

// List returns registered tabs ordered by id.
func (r *TabRegistry) List() []TabInfo {
	r.mu.RLock()
	out := make([]TabInfo, 0, len(r.byTarget))
	for _, info := range r.byTarget {
		out = append(out, *info)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *TabRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byTarget)
}
