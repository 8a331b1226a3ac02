// Package browser manages a single, lazily launched headless Chrome
// process, caps how many pages are open at once, and hands out fresh pages with resource
// interception, so callers never fetch images, fonts, stylesheets, or
// media while rendering a page.
package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/kbforge/scrapeindex/internal/scrapeerr"
)

// blockedResourceTypes are aborted before they reach the network: only the
// document and its scripts are fetched.
var blockedResourceTypes = map[network.ResourceType]struct{}{
	network.ResourceTypeImage:      {},
	network.ResourceTypeFont:       {},
	network.ResourceTypeStylesheet: {},
	network.ResourceTypeMedia:      {},
}

// Config controls pool sizing and browser launch flags.
type Config struct {
	// MaxPages caps concurrent tabs across all callers. Defaults to 5.
	MaxPages int
	// UserAgent overrides the browser's default user agent when non-empty.
	UserAgent string
	// LaunchTimeout bounds how long a browser (re)launch may take.
	LaunchTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxPages <= 0 {
		c.MaxPages = 5
	}
	if c.LaunchTimeout <= 0 {
		c.LaunchTimeout = 30 * time.Second
	}
	return c
}

// Pool is a process-wide, lazily launched headless browser plus a bounded
// pool of pages carved from it.
type Pool struct {
	cfg    Config
	logger *zap.Logger

	sem chan struct{}

	mu              sync.Mutex
	allocCtx        context.Context
	allocCancel     context.CancelFunc
	browserCtx      context.Context
	browserCancel   context.CancelFunc
	launched        bool

	shutdownOnce sync.Once
}

// New constructs a Pool. The browser process itself is not launched until
// the first Get call.
func New(cfg Config, logger *zap.Logger) *Pool {
	cfg = cfg.withDefaults()
	return &Pool{
		cfg:    cfg,
		logger: logger,
		sem:    make(chan struct{}, cfg.MaxPages),
	}
}

// Page is a single tab handed out by the pool. Callers must call Release
// exactly once when done.
type Page struct {
	Ctx     context.Context
	pool    *Pool
	cancel  context.CancelFunc
}

// GetPage blocks until a tab slot is available (bounded by ctx), verifies
// the browser is alive, and returns a fresh page with request interception
// installed.
func (p *Pool) GetPage(ctx context.Context) (*Page, error) {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("wait for browser page slot: %w", ctx.Err())
	}

	browserCtx, err := p.ensureBrowser(ctx)
	if err != nil {
		<-p.sem
		return nil, err
	}

	tabCtx, cancel := chromedp.NewContext(browserCtx)
	if err := p.installInterception(tabCtx); err != nil {
		cancel()
		<-p.sem
		return nil, scrapeerr.NewBrowserUnavailable(fmt.Errorf("install request interception: %w", err))
	}

	return &Page{Ctx: tabCtx, pool: p, cancel: cancel}, nil
}

// Release closes the page and returns its slot to the pool. It never
// affects sibling pages.
func (page *Page) Release() {
	if page == nil {
		return
	}
	page.cancel()
	<-page.pool.sem
}

// ensureBrowser returns a live browser context, launching (or relaunching)
// one if necessary. Launch is guarded so only one goroutine launches at a
// time.
func (p *Pool) ensureBrowser(ctx context.Context) (context.Context, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.launched && p.isAlive() {
		return p.browserCtx, nil
	}

	if p.launched {
		p.teardownLocked()
	}

	if err := p.launchLocked(ctx); err != nil {
		return nil, scrapeerr.NewBrowserUnavailable(err)
	}
	return p.browserCtx, nil
}

// isAlive performs a cheap capability check against the current browser
// context.
func (p *Pool) isAlive() bool {
	if p.browserCtx == nil {
		return false
	}
	checkCtx, cancel := context.WithTimeout(p.browserCtx, 2*time.Second)
	defer cancel()
	var result int
	if err := chromedp.Run(checkCtx, chromedp.Evaluate("1+1", &result)); err != nil {
		return false
	}
	return result == 2
}

func (p *Pool) launchLocked(ctx context.Context) error {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("hide-scrollbars", true),
	)
	if p.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(p.cfg.UserAgent))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	launchCtx, cancel := context.WithTimeout(browserCtx, p.cfg.LaunchTimeout)
	defer cancel()
	if err := chromedp.Run(launchCtx); err != nil {
		browserCancel()
		allocCancel()
		return fmt.Errorf("launch browser: %w", err)
	}

	p.allocCtx, p.allocCancel = allocCtx, allocCancel
	p.browserCtx, p.browserCancel = browserCtx, browserCancel
	p.launched = true
	if p.logger != nil {
		p.logger.Info("browser launched")
	}
	return nil
}

func (p *Pool) teardownLocked() {
	if p.browserCancel != nil {
		p.browserCancel()
	}
	if p.allocCancel != nil {
		p.allocCancel()
	}
	p.launched = false
}

// installInterception enables the fetch domain on the tab and aborts
// requests for image/font/stylesheet/media resource types.
func (p *Pool) installInterception(tabCtx context.Context) error {
	chromedp.ListenTarget(tabCtx, func(ev any) {
		paused, ok := ev.(*fetch.EventRequestPaused)
		if !ok {
			return
		}
		go func() {
			if _, blocked := blockedResourceTypes[paused.ResourceType]; blocked {
				_ = chromedp.Run(tabCtx, fetch.FailRequest(paused.RequestID, network.ErrorReasonBlockedByClient))
				return
			}
			_ = chromedp.Run(tabCtx, fetch.ContinueRequest(paused.RequestID))
		}()
	})
	return chromedp.Run(tabCtx, fetch.Enable().WithPatterns([]*fetch.RequestPattern{{URLPattern: "*"}}))
}

// Navigate loads url on the page and waits for the DOM-content-loaded
// lifecycle event within timeout, returning the fully rendered outer HTML.
func Navigate(ctx context.Context, page *Page, url string, timeout time.Duration) (string, error) {
	result, err := NavigateWithMeta(ctx, page, url, timeout)
	if err != nil {
		return "", err
	}
	return result.HTML, nil
}

// NavigateResult is the outcome of a navigation: the rendered document plus
// the main document response's Content-Type, as reported by the network
// domain before any classifier decision is made.
type NavigateResult struct {
	HTML        string
	ContentType string
	StatusCode  int64
}

// NavigateWithMeta behaves like Navigate but also reports the main
// document response's Content-Type and status, letting a caller reject a
// non-content response before spending time on DOM extraction.
func NavigateWithMeta(ctx context.Context, page *Page, url string, timeout time.Duration) (NavigateResult, error) {
	navCtx, cancel := context.WithTimeout(page.Ctx, timeout)
	defer cancel()

	var mu sync.Mutex
	var contentType string
	var statusCode int64
	chromedp.ListenTarget(navCtx, func(ev any) {
		resp, ok := ev.(*network.EventResponseReceived)
		if !ok || resp.Type != network.ResourceTypeDocument {
			return
		}
		mu.Lock()
		contentType = resp.Response.MimeType
		statusCode = resp.Response.Status
		mu.Unlock()
	})

	var html string
	tasks := chromedp.Tasks{
		network.Enable(),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(navCtx, tasks); err != nil {
		return NavigateResult{}, fmt.Errorf("navigate %s: %w", url, err)
	}

	mu.Lock()
	defer mu.Unlock()
	return NavigateResult{HTML: html, ContentType: contentType, StatusCode: statusCode}, nil
}

// ClickLoadMore scrolls to the bottom of the page, clicks any element whose
// text matches a "load more" style pattern, and waits briefly for dynamic
// content to settle. Errors are non-fatal to the caller: a page with no
// such control simply does nothing.
func ClickLoadMore(ctx context.Context, page *Page, settleWait, afterClickWait time.Duration) {
	_ = chromedp.Run(page.Ctx,
		chromedp.Evaluate(`window.scrollTo(0, document.body.scrollHeight)`, nil),
		chromedp.Sleep(settleWait),
		chromedp.Evaluate(loadMoreClickScript, nil),
		chromedp.Sleep(afterClickWait),
	)
}

// loadMoreClickScript finds and clicks the first element whose text matches
// a "load more" pattern in English or Dutch.
const loadMoreClickScript = `
(function() {
  var re = /load more|show more|next|meer|volgende/i;
  var els = document.querySelectorAll('a, button, span, div');
  for (var i = 0; i < els.length; i++) {
    var el = els[i];
    if (el.innerText && re.test(el.innerText) && el.offsetParent !== null) {
      el.click();
      return true;
    }
  }
  return false;
})();
`

// CollectLinks returns every href on the page plus quoted absolute/path
// URLs found inside inline <script> text.
func CollectLinks(ctx context.Context, page *Page) ([]string, error) {
	var links []string
	if err := chromedp.Run(page.Ctx, chromedp.Evaluate(collectLinksScript, &links)); err != nil {
		return nil, fmt.Errorf("collect links: %w", err)
	}
	return links, nil
}

const collectLinksScript = `
(function() {
  var out = [];
  document.querySelectorAll('a[href]').forEach(function(a) { out.push(a.getAttribute('href')); });
  var re = /["']((https?:\/\/|\/)[^"']+)["']/g;
  document.querySelectorAll('script').forEach(function(s) {
    var text = s.textContent || '';
    var m;
    while ((m = re.exec(text)) !== null) { out.push(m[1]); }
  });
  return out;
})();
`

// Shutdown closes the browser process and all pages. Idempotent.
func (p *Pool) Shutdown(ctx context.Context) {
	p.shutdownOnce.Do(func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.teardownLocked()
	})
}
