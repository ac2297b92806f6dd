package host

// TabInfo is the per-tab attribute cache. It is rebuilt from the live
// inventory on every run; only Title and FavIconURL are durably cached in the
// snapshot, so restored trees render without flicker while the host reloads.
type TabInfo struct {
	URL        string `json:"url"`
	Title      string `json:"title"`
	FavIconURL string `json:"favIconUrl"`
	Pinned     bool   `json:"pinned"`
	WindowID   int    `json:"windowId"`
	Index      int    `json:"index"`
}

// InfoCache maps host tab ids to their last observed attributes.
//
// The cache is owned by the engine loop; it is not safe for concurrent use.
type InfoCache struct {
	infos map[int]TabInfo
}

// NewInfoCache creates an empty cache.
func NewInfoCache() *InfoCache {
	return &InfoCache{infos: make(map[int]TabInfo)}
}

// Put records the attributes of a tab.
func (c *InfoCache) Put(tabID int, info TabInfo) {
	c.infos[tabID] = info
}

// Update applies a live record to the cache.
func (c *InfoCache) Update(rec TabRecord) {
	c.infos[rec.ID] = TabInfo{
		URL:        rec.URL,
		Title:      rec.Title,
		FavIconURL: rec.FavIconURL,
		Pinned:     rec.Pinned,
		WindowID:   rec.WindowID,
		Index:      rec.Index,
	}
}

// Get returns the cached attributes of a tab.
func (c *InfoCache) Get(tabID int) (TabInfo, bool) {
	info, ok := c.infos[tabID]
	return info, ok
}

// Forget drops a closed tab from the cache.
func (c *InfoCache) Forget(tabID int) {
	delete(c.infos, tabID)
}

// Len reports the number of cached tabs.
func (c *InfoCache) Len() int {
	return len(c.infos)
}
