// Package castsession owns "which room is this process joined to": it holds
// at most one relay client at a time, resolves tokens, and turns remote
// playback commands into app navigation while caching last-known playback
// metadata for resume.
package castsession

import (
	"context"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"castrelay.app/castrelay/castprotocol"
	"castrelay.app/castrelay/messages"
)

// Options configures a Manager. The zero value is usable: tokens come from
// the default TokenClient and clients connect to the resolved defaults.
type Options struct {
	WSURL       string
	AuthURL     string
	Platform    string
	DedupWindow int

	// Tokens overrides the token collaborator. Defaults to a TokenClient
	// against the resolved auth URL.
	Tokens TokenSource

	// Dispatch is the navigation side-effect collaborator. Without one,
	// remote commands still update the metadata cache but navigate nowhere.
	Dispatch Dispatch

	// NewClient overrides client construction, mainly for tests.
	NewClient func(castprotocol.Config) *castprotocol.RelayClient

	LogOutput io.Writer
	Logger    zerolog.Logger
}

// ClientConfig is one GetClient request.
type ClientConfig struct {
	RoomID string
	WSURL  string

	// Token, when set, is used as-is. Otherwise the token collaborator is
	// synced and read.
	Token string
}

// Manager holds the process-wide casting session: at most one client, tied
// to at most one room id. Construct one per composition root, or use
// Default().
type Manager struct {
	// getClientMu serializes GetClient so concurrent calls cannot race the
	// teardown/create sequence into two live clients.
	getClientMu sync.Mutex

	mu         sync.Mutex
	opts       Options
	tokens     TokenSource
	newClient  func(castprotocol.Config) *castprotocol.RelayClient
	client     *castprotocol.RelayClient
	roomID     string
	dispatch   Dispatch
	navHandler func(messages.Command)

	lastMetadata    *LastMetadata
	skipMetadataFor string

	initLogOnce sync.Once
	logger      zerolog.Logger
}

// NewManager returns an empty manager.
func NewManager(opts Options) *Manager {
	m := &Manager{
		opts:      opts,
		tokens:    opts.Tokens,
		newClient: opts.NewClient,
		dispatch:  opts.Dispatch,
		logger:    opts.Logger,
	}
	if m.tokens == nil {
		m.tokens = NewTokenClient(opts.AuthURL)
	}
	if m.newClient == nil {
		m.newClient = castprotocol.New
	}
	return m
}

var (
	defaultManager *Manager
	defaultOnce    sync.Once
)

// Default returns the shared process-wide manager.
func Default() *Manager {
	defaultOnce.Do(func() {
		defaultManager = NewManager(Options{})
	})
	return defaultManager
}

// Log returns the zerolog logger, initializing it lazily if LogOutput is set.
func (m *Manager) Log() *zerolog.Logger {
	if m.opts.LogOutput != nil {
		m.initLogOnce.Do(func() {
			m.logger = zerolog.New(m.opts.LogOutput).With().Timestamp().Logger()
		})
	}
	return &m.logger
}

// GetClient returns the client for cfg.RoomID, reusing the live one when the
// room matches and tearing it down first when it does not. The caller is
// responsible for invoking Connect on the returned client.
func (m *Manager) GetClient(ctx context.Context, cfg ClientConfig) (*castprotocol.RelayClient, error) {
	m.getClientMu.Lock()
	defer m.getClientMu.Unlock()

	m.mu.Lock()
	if m.client != nil && m.roomID == cfg.RoomID {
		client := m.client
		m.mu.Unlock()
		m.Log().Debug().Str("Method", "GetClient").Str("RoomID", cfg.RoomID).Msg("reusing client")
		return client, nil
	}
	old := m.client
	oldRoom := m.roomID
	m.client = nil
	m.roomID = ""
	m.mu.Unlock()

	// Disconnect emits status events synchronously, so the old client is
	// torn down without holding the lock: handlers may call back into the
	// manager.
	if old != nil {
		m.Log().Debug().Str("Method", "GetClient").Str("RoomID", oldRoom).Msg("switching rooms, disconnecting previous client")
		old.Disconnect()
	}

	token, err := m.resolveToken(ctx, cfg.Token)
	if err != nil {
		return nil, err
	}

	client := m.newClient(castprotocol.Config{
		RoomID:      cfg.RoomID,
		URL:         ResolveWSURL(firstNonEmpty(cfg.WSURL, m.opts.WSURL)),
		Token:       token,
		Platform:    ResolvePlatform(m.opts.Platform),
		DedupWindow: ResolveDedupWindow(m.opts.DedupWindow),
		LogOutput:   m.opts.LogOutput,
		Logger:      m.opts.Logger,
	})

	// The navigation handler exists once per manager; each new client gets
	// it attached to its command event.
	m.mu.Lock()
	if m.navHandler == nil {
		m.navHandler = m.handleNavigationCommand
	}
	m.client = client
	m.roomID = cfg.RoomID
	m.mu.Unlock()

	client.OnCommand(func(cmd messages.Command) {
		m.mu.Lock()
		handler := m.navHandler
		m.mu.Unlock()
		if handler != nil {
			handler(cmd)
		}
	})

	return client, nil
}

func (m *Manager) resolveToken(ctx context.Context, explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if err := m.tokens.SyncAnonymousTokens(ctx); err != nil {
		m.Log().Error().Str("Method", "resolveToken").Err(err).Msg("token sync failed")
		return "", err
	}
	token := m.tokens.TokenFromStorage()
	if token == "" {
		return "", ErrNoToken
	}
	return token, nil
}

// GetCurrentClient returns the live client, or nil.
func (m *Manager) GetCurrentClient() *castprotocol.RelayClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.client
}

// GetCurrentRoomID returns the room the live client is bound to, or "".
func (m *Manager) GetCurrentRoomID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.roomID
}

// IsConnected reports whether the live client is connected.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	client := m.client
	m.mu.Unlock()
	return client != nil && client.GetStatus() == castprotocol.StatusConnected
}

// Disconnect tears down the live client and clears the room binding.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	client := m.client
	m.client = nil
	m.roomID = ""
	m.mu.Unlock()

	if client != nil {
		client.Disconnect()
	}
}

// SetDispatch injects the navigation collaborator.
func (m *Manager) SetDispatch(d Dispatch) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dispatch = d
}

// GetDispatch returns the injected navigation collaborator, or nil.
func (m *Manager) GetDispatch() Dispatch {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dispatch
}

// ClearNavigationCommandHandler detaches command handling. Cleanup hook.
func (m *Manager) ClearNavigationCommandHandler() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.navHandler = nil
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
