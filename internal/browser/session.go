// Package browser owns the Chrome connection and the single webmail tab the
// agent works in.
package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"replyassist/internal/config"
	"replyassist/internal/route"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/ysmood/gson"
	"go.uber.org/zap"
)

// ErrNotConnected is returned before Start or after Shutdown.
var ErrNotConnected = errors.New("browser not connected")

// ActionHandler receives the JSON payload of a surface button click.
type ActionHandler func(ctx context.Context, payload []byte) error

// Session is a connection to Chrome plus the tab that shows the webmail.
type Session struct {
	cfg config.BrowserConfig
	log *zap.Logger

	mu         sync.RWMutex
	browser    *rod.Browser
	page       *rod.Page
	controlURL string
	adopted    bool

	wg sync.WaitGroup
}

// NewSession creates a disconnected session.
func NewSession(cfg config.BrowserConfig, log *zap.Logger) *Session {
	if log == nil {
		log = zap.NewNop()
	}
	return &Session{cfg: cfg, log: log.Named("browser")}
}

// Start connects to an existing Chrome or launches a new one using Rod's launcher.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.browser != nil {
		if _, err := s.browser.Version(); err == nil {
			return nil
		}
		s.log.Warn("stale browser connection detected, reconnecting")
		_ = s.browser.Close()
		s.browser = nil
		s.page = nil
		s.controlURL = ""
	}

	controlURL := s.cfg.DebuggerURL
	if controlURL == "" && len(s.cfg.Launch) > 0 {
		u, err := s.launch()
		if err != nil {
			return err
		}
		controlURL = u
	}
	if controlURL == "" {
		return errors.New("no debugger_url or launch command provided")
	}

	b := rod.New().ControlURL(controlURL).Context(ctx)
	if err := b.Connect(); err != nil {
		return fmt.Errorf("connect to chrome: %w", err)
	}

	s.browser = b
	s.controlURL = controlURL
	s.log.Info("browser connected", zap.String("control_url", controlURL))
	return nil
}

func (s *Session) launch() (string, error) {
	bin := s.cfg.Launch[0]
	l := launcher.New().Bin(bin).Headless(s.cfg.IsHeadless())
	for _, rawFlag := range s.cfg.Launch[1:] {
		name, val, hasVal := strings.Cut(strings.TrimLeft(rawFlag, "-"), "=")
		if hasVal {
			l = l.Set(flags.Flag(name), val)
		} else {
			l = l.Set(flags.Flag(name))
		}
	}
	u, err := l.Launch()
	if err == nil {
		return u, nil
	}
	// Fallback: let Rod pick the port and defaults.
	alt, altErr := launcher.New().Bin(bin).Headless(s.cfg.IsHeadless()).Launch()
	if altErr != nil {
		return "", fmt.Errorf("launch chrome: %w (fallback: %v)", err, altErr)
	}
	return alt, nil
}

// ControlURL returns the WebSocket debugger URL for the connected browser.
func (s *Session) ControlURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.controlURL
}

// IsConnected returns whether the browser is currently connected.
func (s *Session) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.browser != nil
}

// Page returns the webmail tab once OpenWebmail succeeded.
func (s *Session) Page() (*rod.Page, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.page, s.page != nil
}

// Adopted reports whether the webmail tab was already open before Start.
func (s *Session) Adopted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.adopted
}

// OpenWebmail adopts the first open tab whose URL contains target_match, or
// opens webmail_url in a new tab. The default browser context is used so
// the user's signed-in profile applies.
func (s *Session) OpenWebmail(ctx context.Context) (*rod.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.browser == nil {
		return nil, ErrNotConnected
	}
	if s.page != nil {
		return s.page, nil
	}

	if match := s.cfg.TargetMatch; match != "" {
		pages, err := s.browser.Pages()
		if err != nil {
			return nil, fmt.Errorf("list pages: %w", err)
		}
		for _, p := range pages {
			info, err := p.Info()
			if err != nil || string(info.Type) != "page" {
				continue
			}
			if strings.Contains(info.URL, match) {
				s.page = p
				s.adopted = true
				s.log.Info("adopted webmail tab", zap.String("url", info.URL), zap.String("target_id", string(p.TargetID)))
				return s.page, nil
			}
		}
	}

	if s.cfg.WebmailURL == "" {
		return nil, fmt.Errorf("no open tab matches %q and no webmail_url is configured", s.cfg.TargetMatch)
	}

	page, err := s.browser.Context(ctx).Page(proto.TargetCreateTarget{URL: s.cfg.WebmailURL})
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}

	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             s.cfg.GetViewportWidth(),
		Height:            s.cfg.GetViewportHeight(),
		DeviceScaleFactor: 1.0,
		Mobile:            false,
	}).Call(page); err != nil {
		s.log.Warn("failed to set viewport", zap.Error(err))
	}

	// Best-effort load; the lifecycle copes with a page that is still rendering.
	if err := page.Context(ctx).Timeout(s.cfg.NavigationTimeout()).WaitLoad(); err != nil {
		s.log.Warn("webmail load did not finish", zap.Error(err))
	}

	s.page = page
	s.log.Info("opened webmail tab", zap.String("url", s.cfg.WebmailURL), zap.String("target_id", string(page.TargetID)))
	return s.page, nil
}

// FollowRoutes publishes the page's current address to w, then every
// main-frame navigation (fragment changes included) until ctx ends.
func (s *Session) FollowRoutes(ctx context.Context, page *rod.Page, w *route.Watcher) error {
	info, err := page.Info()
	if err != nil {
		return fmt.Errorf("page info: %w", err)
	}
	tok := w.Publish(info.URL)
	s.log.Debug("initial route", zap.String("route", string(tok)))

	wait := page.Context(ctx).EachEvent(
		func(e *proto.PageNavigatedWithinDocument) {
			if page.FrameID != "" && e.FrameID != page.FrameID {
				return
			}
			w.Publish(e.URL)
		},
		func(e *proto.PageFrameNavigated) {
			if e.Frame == nil || e.Frame.ParentID != "" {
				return
			}
			// Frame.URL carries no fragment.
			w.Publish(e.Frame.URL + e.Frame.URLFragment)
		},
	)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		wait()
	}()
	return nil
}

// ExposeActions installs window[name] in page. Every call forwards its
// single argument to handle as JSON; the binding survives reloads. The
// returned stop removes it.
func (s *Session) ExposeActions(ctx context.Context, page *rod.Page, name string, handle ActionHandler) (func() error, error) {
	stop, err := page.Expose(name, func(arg gson.JSON) (interface{}, error) {
		raw, err := arg.MarshalJSON()
		if err != nil {
			return nil, err
		}
		if err := handle(ctx, raw); err != nil {
			s.log.Debug("surface action rejected", zap.ByteString("payload", raw), zap.Error(err))
			return nil, err
		}
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("expose %s: %w", name, err)
	}
	s.log.Debug("action binding installed", zap.String("name", name))
	return stop, nil
}

// Shutdown waits for event streams and disconnects. An adopted tab is left
// open; a tab we opened is closed. A browser we only connected to is not
// closed, since it belongs to the user.
func (s *Session) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	b, page, adopted, launched := s.browser, s.page, s.adopted, s.cfg.DebuggerURL == ""
	s.browser = nil
	s.page = nil
	s.controlURL = ""
	s.mu.Unlock()

	if b == nil {
		return nil
	}
	if page != nil && !adopted {
		_ = page.Context(ctx).Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("event streams still running at shutdown")
	}

	var err error
	if launched {
		err = b.Context(ctx).Close()
	}
	s.log.Info("browser shutdown complete")
	return err
}
