// Package video captures JPEG frames of the monitored browser tab over the
// Chrome DevTools Protocol and tracks tab identity across switches and
// navigations.
package video

import (
	"sync"

	"github.com/chromedp/cdproto/target"

	"github.com/coview-labs/coview/pkg/protocol"
)

// TabRegistry maps CDP target IDs to tab metadata and tracks which target
// is currently monitored.
type TabRegistry struct {
	mu     sync.RWMutex
	tabs   map[target.ID]protocol.TabMeta
	active target.ID
}

func NewTabRegistry() *TabRegistry {
	return &TabRegistry{tabs: make(map[target.ID]protocol.TabMeta)}
}

// Register records or updates a tab's metadata.
func (r *TabRegistry) Register(id target.ID, url, title string) protocol.TabMeta {
	meta := protocol.TabMeta{TabID: string(id), URL: url, Title: title}
	r.mu.Lock()
	r.tabs[id] = meta
	r.mu.Unlock()
	return meta
}

// Get returns metadata for a known tab.
func (r *TabRegistry) Get(id target.ID) (protocol.TabMeta, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	meta, ok := r.tabs[id]
	return meta, ok
}

// Remove forgets a closed tab. Clears the active marker if it pointed here.
func (r *TabRegistry) Remove(id target.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tabs, id)
	if r.active == id {
		r.active = ""
	}
}

// SetActive marks the monitored tab.
func (r *TabRegistry) SetActive(id target.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = id
}

// Active returns the monitored tab's metadata.
func (r *TabRegistry) Active() (protocol.TabMeta, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	meta, ok := r.tabs[r.active]
	return meta, ok
}

// Count returns the number of known tabs.
func (r *TabRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tabs)
}
