// Package browser owns the single shared browser: a local Chrome with a
// persistent profile, or a browserless container.
package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/venice-relay/internal/config"
)

const windowSize = "800,600"

// launchFlags are passed to every locally launched Chrome
var launchFlags = []string{
	"no-sandbox",
	"disable-setuid-sandbox",
	"start-maximized",
	"no-first-run",
	"no-default-browser-check",
	"disable-extensions",
	"disable-popup-blocking",
	"disable-notifications",
	"disable-infobars",
	"disable-session-crashed-bubble",
}

// Options configures Launch
type Options struct {
	Mode           config.BrowserMode
	Headless       bool
	ExecutablePath string
	UserDataDir    string
	Image          string
	Logger         *zap.Logger
}

// OptionsFromConfig maps relay settings onto launch options
func OptionsFromConfig(cfg config.Config, logger *zap.Logger) Options {
	return Options{
		Mode:           cfg.BrowserMode,
		Headless:       cfg.Headless,
		ExecutablePath: cfg.ExecutablePath,
		UserDataDir:    cfg.UserDataDir,
		Image:          cfg.BrowserImage,
		Logger:         logger,
	}
}

// Host is a connected browser. It is safe for concurrent use.
type Host struct {
	browser    *rod.Browser
	controlURL string
	logger     *zap.Logger

	launcher  *launcher.Launcher
	pool      *ContainerPool
	container *Container

	strayOnce sync.Once
	stray     []*rod.Page

	closeOnce sync.Once
	closeErr  error
	closed    atomic.Bool
}

// Launch starts the browser and connects to it
func Launch(ctx context.Context, opts Options) (*Host, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Host{logger: logger}

	switch opts.Mode {
	case config.BrowserDocker:
		if err := h.startContainer(ctx, opts); err != nil {
			return nil, err
		}
	default:
		if err := h.startLocal(opts); err != nil {
			return nil, err
		}
	}

	b := rod.New().ControlURL(h.controlURL)
	if err := b.Connect(); err != nil {
		h.teardown()
		return nil, fmt.Errorf("connect to chrome: %w", err)
	}
	h.browser = b

	if pages, err := b.Pages(); err == nil {
		h.stray = pages
	}

	logger.Info("Browser connected",
		zap.String("mode", string(opts.Mode)),
		zap.Bool("headless", opts.Headless))
	return h, nil
}

func (h *Host) startLocal(opts Options) error {
	dir, err := filepath.Abs(opts.UserDataDir)
	if err != nil {
		return fmt.Errorf("resolve user data dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create user data dir: %w", err)
	}

	l := localLauncher(opts.ExecutablePath, dir, opts.Headless)
	u, err := l.Launch()
	if err != nil {
		return fmt.Errorf("launch chrome: %w", err)
	}
	h.launcher = l
	h.controlURL = u
	return nil
}

func localLauncher(bin, userDataDir string, headless bool) *launcher.Launcher {
	l := launcher.New().
		Headless(headless).
		UserDataDir(userDataDir).
		Delete(flags.Flag("enable-automation"))
	if bin != "" {
		l = l.Bin(bin)
	}
	for _, name := range launchFlags {
		l = l.Set(flags.Flag(name))
	}
	return l.Set(flags.Flag("window-size"), windowSize)
}

func (h *Host) startContainer(ctx context.Context, opts Options) error {
	pool, err := NewContainerPool(opts.Image, h.logger)
	if err != nil {
		return err
	}
	if err := pool.EnsureImage(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("ensure browser image: %w", err)
	}
	c, err := pool.Start(ctx, ContainerOptions{
		Name:       uuid.NewString(),
		ProfileDir: opts.UserDataDir,
	})
	if err != nil {
		pool.Close()
		return err
	}
	h.pool = pool
	h.container = c
	h.controlURL = c.ControlURL
	return nil
}

// NewPage opens a blank page. The pages the browser started with are
// closed once the first page of our own exists.
func (h *Host) NewPage(ctx context.Context) (*rod.Page, error) {
	page, err := h.browser.Context(ctx).Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}
	h.strayOnce.Do(func() {
		for _, p := range h.stray {
			if err := p.Close(); err != nil {
				h.logger.Debug("Failed to close initial page", zap.Error(err))
			}
		}
		h.stray = nil
	})
	return page.Context(context.Background()), nil
}

// Healthy reports an error when the browser is gone: the container has
// stopped, or the browser no longer answers over DevTools.
func (h *Host) Healthy(ctx context.Context) error {
	if h.closed.Load() {
		return errors.New("browser is closed")
	}
	if h.browser == nil {
		return errors.New("browser is not connected")
	}
	if h.container != nil && !h.pool.IsHealthy(ctx, h.container.ID) {
		return fmt.Errorf("browser container %s is not running", h.container.ID)
	}
	if _, err := (proto.BrowserGetVersion{}).Call(h.browser.Context(ctx)); err != nil {
		return fmt.Errorf("browser not responding: %w", err)
	}
	return nil
}

// ControlURL returns the DevTools WebSocket URL
func (h *Host) ControlURL() string {
	return h.controlURL
}

// Close disconnects from the browser and stops whatever was started for it
func (h *Host) Close() error {
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		if h.browser != nil {
			if err := h.browser.Close(); err != nil {
				h.closeErr = fmt.Errorf("close browser: %w", err)
			}
		}
		h.closeErr = errors.Join(h.closeErr, h.teardown())
		h.logger.Info("Browser closed")
	})
	return h.closeErr
}

func (h *Host) teardown() error {
	var errs []error
	if h.launcher != nil {
		h.launcher.Kill()
	}
	if h.container != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := h.pool.Stop(ctx, h.container.ID); err != nil {
			errs = append(errs, err)
		}
	}
	if h.pool != nil {
		if err := h.pool.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
