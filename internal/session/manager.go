// Package session keeps one browser tab per conversation and closes tabs
// that have been idle for too long.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/shehryarbajwa/venice-relay/internal/errs"
	"github.com/shehryarbajwa/venice-relay/internal/logging"
	"github.com/shehryarbajwa/venice-relay/internal/metrics"
	"github.com/shehryarbajwa/venice-relay/internal/site"
	"github.com/shehryarbajwa/venice-relay/pkg/models"
)

// ErrNotFound is returned for conversation ids without an open tab
var ErrNotFound = errors.New("session not found")

// Session is an open tab bound to one conversation
type Session struct {
	ID        string
	ChatID    string
	Tab       site.Tab
	CreatedAt time.Time

	mu           sync.Mutex
	status       models.SessionStatus
	lastActivity time.Time
	idleDeadline time.Time
	inUse        int
	expired      bool
	closeAs      models.SessionStatus
	timer        *time.Timer
}

// Info returns a snapshot of the session
func (s *Session) Info() models.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := models.SessionInfo{
		ID:           s.ID,
		ChatID:       s.ChatID,
		Status:       s.status,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.lastActivity,
		IdleDeadline: s.idleDeadline,
	}
	if u, err := s.Tab.URL(); err == nil {
		info.URL = u
	}
	return info
}

func (s *Session) busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inUse > 0
}

func (s *Session) live() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status == models.StatusActive || s.status == models.StatusBusy
}

// Options configures a Manager
type Options struct {
	// Extended bounds tab creation, including the wait for a free slot.
	Extended time.Duration
	// Idle is how long a tab stays open after creation.
	Idle time.Duration
	// MaxTabs bounds the number of open conversation tabs.
	MaxTabs int
	// RenewOnUse re-arms the idle timer after every completed use.
	RenewOnUse bool

	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// Manager is the session store. It is safe for concurrent use.
type Manager struct {
	site site.Site
	opts Options
	log  *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool

	slots    *semaphore.Weighted
	creating singleflight.Group
}

// NewManager creates a new session manager
func NewManager(s site.Site, opts Options) *Manager {
	if opts.MaxTabs < 1 {
		opts.MaxTabs = 1
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Manager{
		site:     s,
		opts:     opts,
		log:      opts.Logger,
		sessions: make(map[string]*Session),
		slots:    semaphore.NewWeighted(int64(opts.MaxTabs)),
	}
}

// FindOrCreate returns the live session for chatID, opening a tab when none
// exists. An empty chatID always starts a new conversation.
func (m *Manager) FindOrCreate(ctx context.Context, chatID string) (*Session, error) {
	if chatID == "" {
		return m.create(ctx, "")
	}
	if s, ok := m.reuse(chatID); ok {
		return s, nil
	}

	v, err, _ := m.creating.Do(chatID, func() (any, error) {
		if s, ok := m.reuse(chatID); ok {
			return s, nil
		}
		return m.create(ctx, chatID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

// reuse returns the recorded session for chatID if its tab still shows that
// conversation. A session whose tab has moved elsewhere is discarded.
func (m *Manager) reuse(chatID string) (*Session, bool) {
	m.mu.RLock()
	s := m.sessions[chatID]
	m.mu.RUnlock()
	if s == nil || !s.live() {
		return nil, false
	}

	if !s.busy() {
		u, err := s.Tab.URL()
		if err != nil || ConversationID(u) != chatID {
			m.log.Info("Discarding session whose tab left its conversation",
				zap.String("chat", chatID), zap.String("url", u), zap.Error(err))
			if m.closeSession(s, models.StatusClosed, true) {
				return nil, false
			}
		}
	}

	if err := s.Tab.Activate(); err != nil {
		m.log.Warn("Failed to bring tab to front", zap.String("chat", chatID), zap.Error(err))
	}
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()

	m.log.Debug("Reusing session", zap.String("chat", chatID))
	return s, true
}

func (m *Manager) create(ctx context.Context, chatID string) (*Session, error) {
	if m.isClosed() {
		return nil, errs.Errorf(errs.Unavailable, "open tab", "session store is closed")
	}

	ctx, cancel := context.WithTimeout(ctx, m.opts.Extended)
	defer cancel()

	if err := m.slots.Acquire(ctx, 1); err != nil {
		return nil, errs.E(errs.Capacity, "open tab",
			fmt.Errorf("no free tab slot among %d: %w", m.opts.MaxTabs, err))
	}

	tab, err := m.site.OpenTab(ctx)
	if err != nil {
		m.slots.Release(1)
		return nil, errs.E(errs.NavigationFailed, "open tab", err)
	}

	id, started, err := m.openConversation(ctx, tab, chatID)
	if err != nil {
		if cerr := tab.Close(); cerr != nil {
			m.log.Warn("Failed to close tab after failed navigation", zap.Error(cerr))
		}
		m.slots.Release(1)
		return nil, errs.E(errs.NavigationFailed, "open conversation", err)
	}

	now := time.Now()
	s := &Session{
		ID:           uuid.NewString(),
		ChatID:       id,
		Tab:          tab,
		CreatedAt:    now,
		status:       models.StatusActive,
		lastActivity: now,
		idleDeadline: now.Add(m.opts.Idle),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = tab.Close()
		m.slots.Release(1)
		return nil, errs.Errorf(errs.Unavailable, "open tab", "session store is closed")
	}
	previous := m.sessions[id]
	m.sessions[id] = s
	open := len(m.sessions)
	m.mu.Unlock()

	if previous != nil {
		m.closeSession(previous, models.StatusClosed, true)
	}

	s.mu.Lock()
	s.timer = time.AfterFunc(m.opts.Idle, func() { m.expire(s) })
	s.mu.Unlock()

	m.opts.Metrics.SetOpenSessions(open)
	m.opts.Metrics.IncSessionCreated(started)
	m.log.Info("Session opened",
		zap.String("chat", id),
		zap.String("session", logging.Short(s.ID)),
		zap.Bool("new_conversation", started))
	return s, nil
}

// openConversation navigates tab to chatID, or to a fresh conversation when
// chatID is empty or the site no longer recognizes it.
func (m *Manager) openConversation(ctx context.Context, tab site.Tab, chatID string) (string, bool, error) {
	if err := tab.Navigate(ctx, m.site.ChatURL(chatID)); err != nil {
		return "", false, err
	}

	start := chatID == ""
	if !start {
		u, err := tab.URL()
		if err != nil {
			return "", false, err
		}
		if m.site.IsChatRoot(u) {
			m.log.Info("Conversation not recognized, starting a new one", zap.String("chat", chatID))
			start = true
		}
	}
	if start {
		if err := tab.StartConversation(ctx); err != nil {
			return "", false, err
		}
	}

	u, err := tab.URL()
	if err != nil {
		return "", false, err
	}
	id := ConversationID(u)
	if id == "" || m.site.IsChatRoot(u) {
		return "", false, fmt.Errorf("no conversation id in %s", u)
	}
	return id, start, nil
}

// ConversationID returns the last path segment of rawURL
func ConversationID(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	path := strings.TrimRight(u.Path, "/")
	return path[strings.LastIndex(path, "/")+1:]
}

// Use runs fn with the session marked busy. An idle expiry that fires
// meanwhile closes the tab once fn returns.
func (m *Manager) Use(s *Session, fn func(site.Tab) error) error {
	s.mu.Lock()
	if s.status != models.StatusActive && s.status != models.StatusBusy {
		s.mu.Unlock()
		return errs.Errorf(errs.NavigationFailed, "use session", "tab for %s is already closed", s.ChatID)
	}
	s.inUse++
	s.status = models.StatusBusy
	s.mu.Unlock()

	defer m.release(s)
	return fn(s.Tab)
}

func (m *Manager) release(s *Session) {
	now := time.Now()

	s.mu.Lock()
	s.inUse--
	s.lastActivity = now
	idle := s.inUse == 0
	expired := idle && s.expired
	closeAs := s.closeAs
	if idle && !expired && s.status == models.StatusBusy {
		s.status = models.StatusActive
		if m.opts.RenewOnUse && s.timer != nil {
			s.timer.Reset(m.opts.Idle)
			s.idleDeadline = now.Add(m.opts.Idle)
		}
	}
	s.mu.Unlock()

	if expired {
		m.closeSession(s, closeAs, false)
	}
}

func (m *Manager) expire(s *Session) {
	if !m.closeSession(s, models.StatusTimedOut, true) {
		m.log.Debug("Idle timeout deferred until tab is released", zap.String("chat", s.ChatID))
	}
}

// closeSession closes the tab and frees its slot exactly once. With
// whenIdle set, a session in use is only marked, and its last release
// closes it; the result reports whether the session is closed now.
func (m *Manager) closeSession(s *Session, status models.SessionStatus, whenIdle bool) bool {
	s.mu.Lock()
	if s.status != models.StatusActive && s.status != models.StatusBusy {
		s.mu.Unlock()
		return true
	}
	if whenIdle && s.inUse > 0 {
		if !s.expired {
			s.expired = true
			s.closeAs = status
		}
		s.mu.Unlock()
		return false
	}
	s.status = status
	if s.timer != nil {
		s.timer.Stop()
	}
	s.mu.Unlock()

	m.mu.Lock()
	if m.sessions[s.ChatID] == s {
		delete(m.sessions, s.ChatID)
	}
	open := len(m.sessions)
	m.mu.Unlock()

	if err := s.Tab.Close(); err != nil {
		m.log.Warn("Failed to close tab", zap.String("chat", s.ChatID), zap.Error(err))
	}
	m.slots.Release(1)
	m.opts.Metrics.SetOpenSessions(open)

	m.log.Info("Session closed",
		zap.String("chat", s.ChatID),
		zap.String("session", logging.Short(s.ID)),
		zap.String("status", string(status)))
	return true
}

// Get returns the live session for chatID
func (m *Manager) Get(chatID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[chatID]
	return s, ok
}

// List returns a snapshot of open sessions, oldest first
func (m *Manager) List() []models.SessionInfo {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	infos := make([]models.SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].CreatedAt.Before(infos[j].CreatedAt) })
	return infos
}

// Close closes the tab for chatID. A tab in use is closed when released.
func (m *Manager) Close(chatID string) error {
	s, ok := m.Get(chatID)
	if !ok {
		return ErrNotFound
	}
	m.closeSession(s, models.StatusClosed, true)
	return nil
}

// Count returns the number of open sessions
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// CloseAll closes every tab and refuses further creations
func (m *Manager) CloseAll() {
	m.mu.Lock()
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		m.closeSession(s, models.StatusClosed, false)
	}
}

func (m *Manager) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}
