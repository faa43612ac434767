package castsession

import (
	"fmt"

	"castrelay.app/castrelay/messages"
)

// Dispatch is the navigation side-effect collaborator: it moves the host app
// to a screen and pins the back-stack so the back button unwinds correctly
// after a remotely triggered navigation.
type Dispatch interface {
	Navigate(url string)
	SetBackStack(stack []string)
}

// Back-stack overrides set before navigating to the player. Live content has
// no detail screen to unwind through.
var (
	vodBackStack  = []string{"player", "detail", "home"}
	liveBackStack = []string{"player", "home"}
)

func playerURL(contentID string, isLive bool) string {
	if isLive {
		return fmt.Sprintf("/player/live/%s", contentID)
	}
	return fmt.Sprintf("/player/vod/%s", contentID)
}

// handleNavigationCommand reacts to remote playback commands. Only play and
// resume drive navigation; everything else is the host app's business via
// the client's own command event.
func (m *Manager) handleNavigationCommand(cmd messages.Command) {
	switch c := cmd.(type) {
	case messages.Play:
		m.handlePlay(c)
	case messages.Resume:
		m.handleResume()
	}
}

func (m *Manager) handlePlay(cmd messages.Play) {
	m.mu.Lock()
	prevLang := ""
	if m.lastMetadata != nil {
		prevLang = m.lastMetadata.SubtitleLanguage
		if m.lastMetadata.ContentID != cmd.ContentID {
			// The outgoing player may still emit one stale metadata report
			// while tearing down; flag its content id for suppression.
			m.skipMetadataFor = m.lastMetadata.ContentID
		}
	}
	m.lastMetadata = &LastMetadata{
		ContentID:        cmd.ContentID,
		IsLive:           cmd.IsLive,
		Position:         0,
		SubtitleLanguage: prevLang,
	}
	dispatch := m.dispatch
	m.mu.Unlock()

	m.Log().Debug().Str("Method", "handlePlay").Str("ContentID", cmd.ContentID).Bool("IsLive", cmd.IsLive).Msg("navigating to player")
	m.navigateToContent(dispatch, cmd.ContentID, cmd.IsLive)
}

func (m *Manager) handleResume() {
	m.mu.Lock()
	md := m.lastMetadata
	dispatch := m.dispatch
	m.mu.Unlock()

	if md == nil {
		m.Log().Debug().Str("Method", "handleResume").Msg("resume with no cached metadata, ignoring")
		return
	}

	m.Log().Debug().Str("Method", "handleResume").Str("ContentID", md.ContentID).Msg("resuming cached content")
	m.navigateToContent(dispatch, md.ContentID, md.IsLive)
}

func (m *Manager) navigateToContent(d Dispatch, contentID string, isLive bool) {
	if d == nil {
		m.Log().Debug().Str("Method", "navigateToContent").Msg("no dispatch installed, skipping navigation")
		return
	}
	if isLive {
		d.SetBackStack(liveBackStack)
	} else {
		d.SetBackStack(vodBackStack)
	}
	d.Navigate(playerURL(contentID, isLive))
}
