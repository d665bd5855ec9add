// Package scraper owns the headless browser: lifecycle, page pooling,
// stealth setup, and rendering live pages for the fetch engine.
package scraper

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/use-agent/harvest/config"
	"github.com/use-agent/harvest/models"
)

// Browser manages the shared browser process and its page pool. The
// process is launched lazily on first use and relaunched if it dies;
// the handle is guarded so concurrent renders never race the launch.
type Browser struct {
	mu          sync.Mutex
	browser     *rod.Browser
	pagePool    rod.Pool[rod.Page]
	cfg         config.BrowserConfig
	fetchCfg    config.FetchConfig
	activePages atomic.Int32
	startTime   time.Time
	logger      *slog.Logger
}

// NewBrowser prepares the browser manager without launching anything.
func NewBrowser(cfg config.BrowserConfig, fetchCfg config.FetchConfig, logger *slog.Logger) *Browser {
	return &Browser{
		pagePool:  rod.NewPagePool(cfg.MaxPages),
		cfg:       cfg,
		fetchCfg:  fetchCfg,
		startTime: time.Now(),
		logger:    logger,
	}
}

// acquire returns a connected browser, launching one if none exists or
// the previous process is no longer reachable.
func (b *Browser) acquire() (*rod.Browser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.browser != nil && b.isUsable() {
		return b.browser, nil
	}
	if b.browser != nil {
		b.logger.Warn("browser connection lost, relaunching")
		b.browser = nil
		b.pagePool = rod.NewPagePool(b.cfg.MaxPages)
	}

	l := launcher.New().
		Headless(b.cfg.Headless).
		NoSandbox(b.cfg.NoSandbox)

	if b.cfg.BrowserBin != "" {
		l = l.Bin(b.cfg.BrowserBin)
	}
	if b.cfg.DefaultProxy != "" {
		l = l.Proxy(b.cfg.DefaultProxy)
	}

	// Stealth flags
	l.Set(flags.Flag("disable-blink-features"), "AutomationControlled")
	l.Delete(flags.Flag("enable-automation"))
	l.Set(flags.Flag("disable-features"), "AudioServiceOutOfProcess,TranslateUI")
	l.Set(flags.Flag("disable-ipc-flooding-protection"))
	l.Set(flags.Flag("disable-popup-blocking"))
	l.Set(flags.Flag("disable-prompt-on-repost"))
	l.Set(flags.Flag("disable-renderer-backgrounding"))
	l.Set(flags.Flag("disable-background-timer-throttling"))
	l.Set(flags.Flag("disable-backgrounding-occluded-windows"))
	l.Set(flags.Flag("disable-component-update"))
	l.Set(flags.Flag("disable-default-apps"))
	l.Set(flags.Flag("disable-dev-shm-usage"))
	l.Set(flags.Flag("disable-extensions"))
	l.Set(flags.Flag("no-first-run"))

	controlURL, err := l.Launch()
	if err != nil {
		return nil, models.NewFetchError(models.ErrCodeBrowserCrash, "failed to launch browser", err)
	}
	b.logger.Info("browser launched", "controlURL", controlURL)

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return nil, models.NewFetchError(models.ErrCodeBrowserCrash, "failed to connect to browser", err)
	}
	b.browser = browser
	return browser, nil
}

// isUsable pings the browser over CDP. Caller holds b.mu.
func (b *Browser) isUsable() bool {
	_, err := proto.BrowserGetVersion{}.Call(b.browser)
	return err == nil
}

// Stats returns a snapshot of the page pool.
func (b *Browser) Stats() models.PoolStats {
	return models.PoolStats{
		MaxPages:    b.cfg.MaxPages,
		ActivePages: int(b.activePages.Load()),
	}
}

// Uptime reports how long the manager has been running.
func (b *Browser) Uptime() time.Duration {
	return time.Since(b.startTime)
}

// Close drains the page pool and kills the browser process. Call on
// graceful shutdown to prevent zombie Chrome processes.
func (b *Browser) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.browser == nil {
		return
	}
	b.logger.Info("browser shutting down: draining page pool")
	b.pagePool.Cleanup(func(p *rod.Page) {
		_ = p.Close()
	})
	b.logger.Info("browser shutting down: closing browser")
	b.browser.MustClose()
	b.browser = nil
	b.logger.Info("browser shutdown complete")
}
