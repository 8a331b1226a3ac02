package browser

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestPoolGetPageNavigateAndRelease(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<!doctype html><html><body><h1>hello</h1></body></html>`)
	}))
	defer srv.Close()

	pool := New(Config{MaxPages: 2, LaunchTimeout: 10 * time.Second}, zap.NewNop())
	defer pool.Shutdown(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	page, err := pool.GetPage(ctx)
	if err != nil {
		t.Skipf("chromedp unavailable in this environment: %v", err)
	}
	defer page.Release()

	html, err := Navigate(ctx, page, srv.URL, 15*time.Second)
	if err != nil {
		t.Fatalf("Navigate: %v", err)
	}
	if !strings.Contains(html, "hello") {
		t.Fatalf("rendered html missing expected content: %q", html)
	}
}

func TestPoolEnforcesMaxPagesConcurrency(t *testing.T) {
	pool := New(Config{MaxPages: 1, LaunchTimeout: 10 * time.Second}, zap.NewNop())
	defer pool.Shutdown(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	first, err := pool.GetPage(ctx)
	if err != nil {
		t.Skipf("chromedp unavailable in this environment: %v", err)
	}

	blockedCtx, blockedCancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer blockedCancel()
	if _, err := pool.GetPage(blockedCtx); err == nil {
		t.Fatal("expected second GetPage to block until the first is released")
	}

	first.Release()

	second, err := pool.GetPage(ctx)
	if err != nil {
		t.Fatalf("GetPage after release: %v", err)
	}
	second.Release()
}
