package video

import (
	"context"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
)

// CDPCapturer captures tab frames over the Chrome DevTools Protocol using a
// remote allocator, so it attaches to an already-running browser rather
// than spawning one.
type CDPCapturer struct {
	cdpURL string
	// Quality is the JPEG quality passed to the screenshot command.
	Quality int

	mu          sync.Mutex
	allocCtx    context.Context
	allocCancel context.CancelFunc
	tabCtx      context.Context
	tabCancel   context.CancelFunc
}

// NewCDPCapturer creates a capturer for the browser at cdpURL
// (e.g. "ws://127.0.0.1:9222").
func NewCDPCapturer(cdpURL string) *CDPCapturer {
	return &CDPCapturer{cdpURL: cdpURL, Quality: 60}
}

func (c *CDPCapturer) ensureAllocator() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.allocCtx == nil {
		c.allocCtx, c.allocCancel = chromedp.NewRemoteAllocator(context.Background(), c.cdpURL)
	}
	return c.allocCtx
}

// ActiveTab enumerates page targets and returns the first attachable one,
// skipping privileged schemes.
func (c *CDPCapturer) ActiveTab(ctx context.Context) (TabDescriptor, error) {
	allocCtx := c.ensureAllocator()
	tempCtx, tempCancel := chromedp.NewContext(allocCtx)
	defer tempCancel()

	if err := chromedp.Run(tempCtx); err != nil {
		return TabDescriptor{}, fmt.Errorf("connect to browser at %s: %w", c.cdpURL, err)
	}
	targets, err := chromedp.Targets(tempCtx)
	if err != nil {
		return TabDescriptor{}, fmt.Errorf("enumerate targets: %w", err)
	}
	for _, t := range targets {
		if t.Type != "page" || IsPrivilegedURL(t.URL) {
			continue
		}
		return TabDescriptor{ID: t.TargetID, URL: t.URL, Title: t.Title}, nil
	}
	return TabDescriptor{}, fmt.Errorf("no capturable page target among %d targets", len(targets))
}

// Attach binds capture to the given target, replacing any previous tab
// context.
func (c *CDPCapturer) Attach(ctx context.Context, id target.ID) error {
	allocCtx := c.ensureAllocator()
	tabCtx, tabCancel := chromedp.NewContext(allocCtx, chromedp.WithTargetID(id))
	if err := chromedp.Run(tabCtx, page.Enable()); err != nil {
		tabCancel()
		return fmt.Errorf("enable page domain on %s: %w", id, err)
	}

	c.mu.Lock()
	if c.tabCancel != nil {
		c.tabCancel()
	}
	c.tabCtx = tabCtx
	c.tabCancel = tabCancel
	c.mu.Unlock()
	return nil
}

// CaptureJPEG grabs one frame of the attached tab.
func (c *CDPCapturer) CaptureJPEG(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	tabCtx := c.tabCtx
	c.mu.Unlock()
	if tabCtx == nil {
		return nil, fmt.Errorf("no tab attached")
	}

	var buf []byte
	err := chromedp.Run(tabCtx, chromedp.ActionFunc(func(runCtx context.Context) error {
		var capErr error
		buf, capErr = page.CaptureScreenshot().
			WithFormat(page.CaptureScreenshotFormatJpeg).
			WithQuality(int64(c.Quality)).
			Do(runCtx)
		return capErr
	}))
	if err != nil {
		return nil, fmt.Errorf("capture screenshot: %w", err)
	}
	return buf, nil
}

// Close tears down the tab and allocator contexts.
func (c *CDPCapturer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tabCancel != nil {
		c.tabCancel()
		c.tabCancel = nil
		c.tabCtx = nil
	}
	if c.allocCancel != nil {
		c.allocCancel()
		c.allocCancel = nil
		c.allocCtx = nil
	}
	return nil
}
