package automation

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/venice-relay/internal/config"
	"github.com/shehryarbajwa/venice-relay/internal/errs"
	"github.com/shehryarbajwa/venice-relay/internal/flight"
	"github.com/shehryarbajwa/venice-relay/internal/metrics"
	"github.com/shehryarbajwa/venice-relay/internal/session"
	"github.com/shehryarbajwa/venice-relay/internal/site"
	"github.com/shehryarbajwa/venice-relay/pkg/models"
)

// Service owns the shared browser, the service tab used for login, the
// session store and the per-conversation single-flight registry.
type Service struct {
	site    site.Site
	browser io.Closer
	cfg     config.Config

	sessions *session.Manager
	flights  *flight.Group[models.PromptResult]
	driver   *Driver
	metrics  *metrics.Metrics
	log      *zap.Logger

	base   context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	closing  bool
	inflight sync.WaitGroup

	loginMu    sync.Mutex
	loginGen   atomic.Uint64
	serviceTab site.Tab
}

// NewService wires a Service. browser may be nil; when set it is closed by
// Shutdown.
func NewService(s site.Site, browser io.Closer, cfg config.Config, m *metrics.Metrics, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	base, cancel := context.WithCancel(context.Background())

	flights := flight.New[models.PromptResult](cfg.Timeouts.StaleRequest, logger.Named("flight"))
	flights.OnChange = m.SetPending
	flights.OnPrune = m.AddPruned

	return &Service{
		site:    s,
		browser: browser,
		cfg:     cfg,
		sessions: session.NewManager(s, session.Options{
			Extended:   cfg.Timeouts.Extended,
			Idle:       cfg.Timeouts.SessionIdle,
			MaxTabs:    cfg.MaxTabs,
			RenewOnUse: cfg.RenewSessionsOnUse,
			Metrics:    m,
			Logger:     logger.Named("session"),
		}),
		flights: flights,
		driver: NewDriver(DriverOptions{
			Timeouts:           cfg.Timeouts,
			StrictModelCheck:   cfg.StrictModelCheck,
			BoundInferenceWait: cfg.BoundInferenceWait,
			Logger:             logger.Named("driver"),
		}),
		metrics: m,
		log:     logger,
		base:    base,
		cancel:  cancel,
	}
}

// Launch opens the service tab, makes sure the profile is signed in and
// starts the stale request sweep. A failed login is fatal.
func (s *Service) Launch(ctx context.Context) error {
	tab, err := s.site.OpenTab(ctx)
	if err != nil {
		return errs.E(errs.NavigationFailed, "open service tab", err)
	}
	s.serviceTab = tab

	navCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeouts.Extended)
	err = tab.Navigate(navCtx, s.site.ChatURL(""))
	cancel()
	if err != nil {
		return errs.E(errs.NavigationFailed, "open chat", err)
	}

	state, err := tab.LoginState(ctx, s.cfg.Timeouts.LoginWait)
	if err != nil {
		s.log.Warn("Could not determine login state", zap.Error(err))
	}
	if state == site.LoginSignedIn {
		s.log.Info("Already logged in")
	} else {
		s.log.Info("Not logged in, signing in", zap.Stringer("state", state))
		if err := s.login(ctx); err != nil {
			return err
		}
	}

	s.flights.Start(s.cfg.Timeouts.StaleSweep)
	s.log.Info("Automation service ready",
		zap.Int("max_tabs", s.cfg.MaxTabs),
		zap.Duration("session_idle", s.cfg.Timeouts.SessionIdle))
	return nil
}

// login signs the service tab in. Callers must not hold loginMu.
func (s *Service) login(ctx context.Context) error {
	s.loginMu.Lock()
	defer s.loginMu.Unlock()
	return s.signIn(ctx)
}

// relogin signs in unless a login has succeeded since gen was read, so
// tabs that noticed the same sign-out together cause one login.
func (s *Service) relogin(ctx context.Context, gen uint64) error {
	s.loginMu.Lock()
	defer s.loginMu.Unlock()
	if s.loginGen.Load() != gen {
		s.log.Debug("Signed in by another request, skipping login")
		return nil
	}
	return s.signIn(ctx)
}

func (s *Service) signIn(ctx context.Context) error {
	if !s.cfg.HasCredentials() {
		s.metrics.IncLogin(false)
		return errs.Errorf(errs.LoginFailed, "login", "LOGIN_EMAIL and LOGIN_PASSWORD are not set")
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeouts.Extended)
	defer cancel()
	err := s.serviceTab.Login(ctx, site.Credentials{
		Identifier: s.cfg.LoginEmail,
		Secret:     s.cfg.LoginPassword,
	})
	s.metrics.IncLogin(err == nil)
	if err != nil {
		return errs.E(errs.LoginFailed, "login", err)
	}
	s.loginGen.Add(1)
	s.log.Info("Login successful")
	return nil
}

// Chat runs req through the browser. Concurrent requests for the same
// conversation share one execution; shared is reported in the response.
// The execution runs under the service's lifetime, so a caller that gives
// up does not abort it for the others.
func (s *Service) Chat(ctx context.Context, req models.ChatRequest) (models.ChatResponse, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return models.ChatResponse{}, errs.Errorf(errs.InvalidRequest, "chat", "no prompt provided")
	}
	if _, err := models.ResolveModel(req.Model); err != nil {
		return models.ChatResponse{}, errs.E(errs.InvalidRequest, "chat", err)
	}

	if !s.enter() {
		return models.ChatResponse{}, errs.Errorf(errs.Unavailable, "chat", "service is shutting down")
	}
	defer s.inflight.Done()

	sess, err := s.sessions.FindOrCreate(s.base, req.ContextID)
	if err != nil {
		return models.ChatResponse{}, err
	}

	// The run holds its own count so the drain waits for it even after
	// every caller has given up.
	s.inflight.Add(1)
	result, shared, err := s.flights.Do(ctx, sess.ChatID, func() (models.PromptResult, error) {
		defer s.inflight.Done()
		return s.execute(sess, req.Prompt, req.Model)
	})
	if shared {
		// work was not used
		s.inflight.Done()
		s.metrics.IncShared()
		s.log.Info("Answered from in-flight execution", zap.String("chat", sess.ChatID))
	}
	if err != nil {
		return models.ChatResponse{ChatID: sess.ChatID}, err
	}
	return response(sess.ChatID, result, shared, req.WithRefs), nil
}

func (s *Service) enter() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closing {
		return false
	}
	s.inflight.Add(1)
	return true
}

func (s *Service) execute(sess *session.Session, prompt, model string) (models.PromptResult, error) {
	start := time.Now()
	log := s.log.With(zap.String("chat", sess.ChatID))

	var result models.PromptResult
	err := s.sessions.Use(sess, func(tab site.Tab) error {
		if err := s.checkLogin(tab, sess.ChatID); err != nil {
			return err
		}
		r, err := s.driver.Run(s.base, tab, prompt, model)
		result = r
		return err
	})

	elapsed := time.Since(start)
	kind := "ok"
	if err != nil {
		kind = string(errs.KindOf(err))
		log.Error("Prompt execution failed", zap.Error(err), zap.Duration("elapsed", elapsed))
	} else {
		log.Info("Prompt execution completed",
			zap.Duration("elapsed", elapsed),
			zap.Int("citations", len(result.References)))
	}
	s.metrics.ObserveExecution(kind, elapsed)
	return result, err
}

// checkLogin looks for a signed-out badge without waiting. When one is
// shown, the service tab signs in again and the session tab reloads its
// conversation.
func (s *Service) checkLogin(tab site.Tab, chatID string) error {
	ctx, cancel := context.WithTimeout(s.base, s.cfg.Timeouts.Navigation)
	defer cancel()

	gen := s.loginGen.Load()
	state, err := tab.LoginState(ctx, 0)
	if err != nil {
		s.log.Debug("Login check failed", zap.String("chat", chatID), zap.Error(err))
		return nil
	}
	if state != site.LoginSignedOut {
		return nil
	}

	s.log.Warn("Session tab is signed out, signing in again", zap.String("chat", chatID))
	if err := s.relogin(s.base, gen); err != nil {
		return err
	}

	navCtx, navCancel := context.WithTimeout(s.base, s.cfg.Timeouts.Extended)
	defer navCancel()
	if err := tab.Navigate(navCtx, s.site.ChatURL(chatID)); err != nil {
		return errs.E(errs.NavigationFailed, "reload conversation", err)
	}
	return nil
}

func response(chatID string, r models.PromptResult, shared, withRefs bool) models.ChatResponse {
	resp := models.ChatResponse{
		ChatID:   chatID,
		Response: r.Response,
		Shared:   shared,
	}
	if withRefs {
		refs := r.ReferencesMarkdown
		resp.References = &refs
		citations := r.References
		if citations == nil {
			citations = []models.Reference{}
		}
		resp.Citations = &citations
	}
	return resp
}

// Sessions lists the open conversation tabs
func (s *Service) Sessions() []models.SessionInfo {
	return s.sessions.List()
}

// SessionCount returns the number of open conversation tabs
func (s *Service) SessionCount() int {
	return s.sessions.Count()
}

// CloseSession closes the tab for a conversation
func (s *Service) CloseSession(chatID string) error {
	return s.sessions.Close(chatID)
}

// Pending returns the number of conversations with an execution in flight
func (s *Service) Pending() int {
	return s.flights.Pending()
}

// Shutdown refuses new work, waits up to the drain timeout for executions
// in flight, then cancels what is left and closes every tab and the browser.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	s.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(drained)
	}()

	timer := time.NewTimer(s.cfg.Timeouts.Drain)
	defer timer.Stop()
	select {
	case <-drained:
		s.log.Info("All executions drained")
	case <-timer.C:
		s.log.Warn("Drain timeout reached, cancelling executions", zap.Int("pending", s.flights.Pending()))
	case <-ctx.Done():
		s.log.Warn("Shutdown deadline reached, cancelling executions", zap.Int("pending", s.flights.Pending()))
	}

	s.cancel()
	s.flights.Stop()
	s.sessions.CloseAll()

	var errList []error
	if s.serviceTab != nil {
		if err := s.serviceTab.Close(); err != nil {
			errList = append(errList, err)
		}
	}
	if s.browser != nil {
		if err := s.browser.Close(); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}
