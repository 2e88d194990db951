package session

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"

	"github.com/certlab/ecmlink/internal/common"
	"github.com/certlab/ecmlink/internal/ecmerr"
)

// Login-view selectors. The portal renders a single password input on its
// login form and nowhere else, which makes it a reliable logged-out marker.
const (
	selLoginID     = `input[name="id"], input#userId`
	selLoginPW     = `input[type="password"]`
	selLoginSubmit = `button[type="submit"], input[type="submit"]`
)

const validateTimeout = 30 * time.Second

// Manager owns the serialized authentication state for one user key. Workers
// call Apply on fresh contexts; Ensure validates and reissues the state when
// the portal session has expired.
type Manager struct {
	portal *common.PortalConfig
	config *common.SessionConfig
	logger arbor.ILogger

	mu    sync.RWMutex
	state *State
}

// NewManager creates a session manager and loads any previously serialized
// state from disk.
func NewManager(portal *common.PortalConfig, config *common.SessionConfig, logger arbor.ILogger) (*Manager, error) {
	m := &Manager{
		portal: portal,
		config: config,
		logger: logger,
	}

	state, err := LoadState(m.statePath())
	if err != nil {
		return nil, err
	}
	if state != nil {
		logger.Info().Str("user_key", config.UserKey).Str("saved_at", state.SavedAt.Format(time.RFC3339)).Msg("Loaded serialized session state")
	}
	m.state = state

	return m, nil
}

func (m *Manager) statePath() string {
	return filepath.Join(m.config.StateDir, m.config.UserKey+".json")
}

// Current returns the in-memory state, or nil when none has been captured.
// Readers keep whatever snapshot they took until the next atomic swap.
func (m *Manager) Current() *State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Apply loads the current state into a browser context: cookies via the CDP
// network domain, localStorage via an origin-guarded init script evaluated on
// every new document.
func (m *Manager) Apply(ctx context.Context) error {
	state := m.Current()
	if state == nil {
		return ecmerr.New(ecmerr.AuthRequired, "no session state available")
	}

	if err := chromedp.Run(ctx, network.Enable()); err != nil {
		return fmt.Errorf("failed to enable network domain: %w", err)
	}

	err := chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		for _, c := range state.Cookies {
			param := network.SetCookie(c.Name, c.Value).
				WithDomain(c.Domain).
				WithPath(c.Path).
				WithSecure(c.Secure).
				WithHTTPOnly(c.HTTPOnly).
				WithSameSite(sameSiteFrom(c.SameSite))
			if c.Expires > 0 {
				expires := cdp.TimeSinceEpoch(time.Unix(int64(c.Expires), 0))
				param = param.WithExpires(&expires)
			}
			if err := param.Do(ctx); err != nil {
				m.logger.Warn().Err(err).Str("cookie", c.Name).Msg("Failed to inject cookie")
			}
		}
		return nil
	}))
	if err != nil {
		return fmt.Errorf("failed to inject cookies: %w", err)
	}

	for _, origin := range state.Origins {
		script := localStorageScript(origin)
		if script == "" {
			continue
		}
		err := chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(script).Do(ctx)
			return err
		}))
		if err != nil {
			return fmt.Errorf("failed to register storage script: %w", err)
		}
	}

	return nil
}

// Validate probes the portal root with the current state applied and reports
// whether the session is still accepted. ctx must be a fresh browser context.
func (m *Manager) Validate(ctx context.Context) (bool, error) {
	if m.Current() == nil {
		return false, nil
	}
	if err := m.Apply(ctx); err != nil {
		return false, err
	}

	vctx, cancel := context.WithTimeout(ctx, validateTimeout)
	defer cancel()

	var location string
	var loggedOut bool
	err := chromedp.Run(vctx,
		chromedp.Navigate(m.portal.BaseURL),
		chromedp.WaitReady("body"),
		chromedp.Location(&location),
		chromedp.Evaluate(fmt.Sprintf(`document.querySelector(%q) !== null`, selLoginPW), &loggedOut),
	)
	if err != nil {
		return false, fmt.Errorf("session validation probe failed: %w", err)
	}

	if loggedOut || m.isLoginView(location) {
		m.logger.Warn().Str("location", location).Msg("Session state rejected by portal")
		return false, nil
	}
	return true, nil
}

// Bootstrap performs an interactive login and captures a fresh state. Without
// configured credentials this fails with AuthRequired. ctx must be a fresh
// browser context.
func (m *Manager) Bootstrap(ctx context.Context) error {
	if m.portal.LoginID == "" || m.portal.LoginPW == "" {
		return ecmerr.New(ecmerr.AuthRequired, "portal credentials are not configured")
	}

	bctx, cancel := context.WithTimeout(ctx, 2*validateTimeout)
	defer cancel()

	err := chromedp.Run(bctx,
		chromedp.Navigate(m.portal.LoginURL),
		chromedp.WaitVisible(selLoginPW, chromedp.ByQuery),
		chromedp.SendKeys(selLoginID, m.portal.LoginID, chromedp.ByQuery),
		chromedp.SendKeys(selLoginPW, m.portal.LoginPW, chromedp.ByQuery),
		chromedp.Click(selLoginSubmit, chromedp.ByQuery),
		// Login is complete once the password field is gone
		chromedp.Poll(fmt.Sprintf(`document.querySelector(%q) === null`, selLoginPW), nil,
			chromedp.WithPollingTimeout(validateTimeout)),
	)
	if err != nil {
		return ecmerr.Wrap(ecmerr.AuthRequired, "portal login failed", err)
	}

	if err := m.capture(bctx); err != nil {
		return err
	}

	m.logger.Info().Str("user_key", m.config.UserKey).Msg("Session bootstrap complete")
	return nil
}

// Ensure guarantees a valid session: validate the serialized state against
// the live portal, bootstrap on failure, and atomically swap the state file.
// ctx must be a fresh browser context dedicated to this probe.
func (m *Manager) Ensure(ctx context.Context) error {
	valid, err := m.Validate(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("Session validation errored, attempting bootstrap")
	}
	if valid {
		return nil
	}
	return m.Bootstrap(ctx)
}

// capture reads cookies and localStorage out of the live context and swaps
// both the in-memory state and the state file.
func (m *Manager) capture(ctx context.Context) error {
	var cookies []*network.Cookie
	var storageJSON string
	var currentOrigin string

	err := chromedp.Run(ctx,
		chromedp.Location(&currentOrigin),
		chromedp.Evaluate(`JSON.stringify(Object.entries(localStorage))`, &storageJSON),
		chromedp.ActionFunc(func(ctx context.Context) error {
			urls := []string{m.portal.BaseURL}
			if m.portal.LoginURL != "" {
				urls = append(urls, m.portal.LoginURL)
			}
			got, err := network.GetCookies().WithURLs(urls).Do(ctx)
			if err != nil {
				return err
			}
			cookies = got
			return nil
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to capture session state: %w", err)
	}

	state := &State{SavedAt: time.Now()}
	for _, c := range cookies {
		state.Cookies = append(state.Cookies, Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: string(c.SameSite),
		})
	}

	var entries [][2]string
	if err := json.Unmarshal([]byte(storageJSON), &entries); err == nil && len(entries) > 0 {
		origin := Origin{Origin: originOf(currentOrigin)}
		for _, kv := range entries {
			origin.LocalStorage = append(origin.LocalStorage, StorageItem{Name: kv[0], Value: kv[1]})
		}
		state.Origins = append(state.Origins, origin)
	}

	if err := SaveState(m.statePath(), state); err != nil {
		return err
	}

	m.mu.Lock()
	m.state = state
	m.mu.Unlock()
	return nil
}

// isLoginView reports whether the browser landed on the login URL.
func (m *Manager) isLoginView(location string) bool {
	if m.portal.LoginURL == "" {
		return false
	}
	return strings.HasPrefix(location, strings.TrimSuffix(m.portal.LoginURL, "/"))
}

// localStorageScript builds an init script that restores one origin's
// localStorage. The origin guard keeps the values off third-party frames.
func localStorageScript(origin Origin) string {
	if len(origin.LocalStorage) == 0 {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "(() => { if (location.origin !== %q) return; try {", origin.Origin)
	for _, item := range origin.LocalStorage {
		fmt.Fprintf(&b, " localStorage.setItem(%q, %q);", item.Name, item.Value)
	}
	b.WriteString(" } catch (e) {} })();")
	return b.String()
}

// originOf trims a full URL down to scheme://host[:port].
func originOf(rawURL string) string {
	rest := rawURL
	scheme := ""
	if idx := strings.Index(rest, "://"); idx >= 0 {
		scheme = rest[:idx+3]
		rest = rest[idx+3:]
	}
	if idx := strings.IndexAny(rest, "/?#"); idx >= 0 {
		rest = rest[:idx]
	}
	return scheme + rest
}

func sameSiteFrom(s string) network.CookieSameSite {
	switch strings.ToLower(s) {
	case "strict":
		return network.CookieSameSiteStrict
	case "lax":
		return network.CookieSameSiteLax
	case "none":
		return network.CookieSameSiteNone
	default:
		return ""
	}
}
