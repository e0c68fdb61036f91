package video

import (
	"context"
	"log/slog"
	"time"

	"github.com/chromedp/cdproto/target"
)

// Watcher polls the browser for its frontmost page target and feeds
// switches and closures into the service. Polling is deliberate: target
// lifecycle events require a browser-level session that not every remote
// endpoint exposes, while target enumeration works everywhere.
type Watcher struct {
	svc      *Service
	cap      Capturer
	interval time.Duration
	log      *slog.Logger
}

// NewWatcher creates a watcher over the same capturer the service uses.
func NewWatcher(svc *Service, cap Capturer, interval time.Duration, log *slog.Logger) *Watcher {
	if interval <= 0 {
		interval = time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{svc: svc, cap: cap, interval: interval, log: log.With("component", "tabwatch")}
}

// Run blocks until ctx is done, reporting tab changes to the service.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	var last target.ID
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		tab, err := w.cap.ActiveTab(ctx)
		if err != nil {
			if last != "" {
				w.log.Debug("active tab gone", "target", last, "error", err)
				w.svc.HandleTabClosed(ctx, last)
				last = ""
			}
			continue
		}
		if tab.ID != last {
			w.svc.HandleTabSwitch(ctx, tab)
			last = tab.ID
		}
	}
}
