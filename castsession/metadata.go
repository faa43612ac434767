package castsession

// LastMetadata is the last-known playback state, created lazily on the first
// play command and read when a resume command arrives.
type LastMetadata struct {
	ContentID        string
	IsLive           bool
	Position         float64
	SubtitleLanguage string
}

// UpdateLastMetadata replaces the cached playback state. The host app calls
// this whenever it reports new playback progress.
func (m *Manager) UpdateLastMetadata(md LastMetadata) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := md
	m.lastMetadata = &copied
}

// GetLastMetadata returns the cached playback state and whether one exists.
func (m *Manager) GetLastMetadata() (LastMetadata, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastMetadata == nil {
		return LastMetadata{}, false
	}
	return *m.lastMetadata, true
}

// ShouldSkipMetadata reports whether a metadata report for contentID is the
// stale one the outgoing player emits during teardown. Checking clears the
// flag, so it answers true exactly once per content switch.
func (m *Manager) ShouldSkipMetadata(contentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if contentID == "" || m.skipMetadataFor != contentID {
		return false
	}
	m.skipMetadataFor = ""
	return true
}

// ClearLastMetadata drops the cache and any pending skip flag. Called on
// logout and teardown.
func (m *Manager) ClearLastMetadata() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastMetadata = nil
	m.skipMetadataFor = ""
}
