package lookup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/chromedp/chromedp"
)

const maxBodyBytes = 4 << 20

// Request describes one outbound attempt.
type Request struct {
	URL      string
	Identity Identity
}

// Response is the raw marketplace answer handed to Classify.
type Response struct {
	Status int
	Body   []byte
}

// Attempter performs exactly one outbound request.
type Attempter interface {
	Name() string
	Attempt(ctx context.Context, req Request) (Response, error)
}

var baseHeaders = map[string]string{
	"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8",
	"Accept-Language": "pl-PL,pl;q=0.9,en-US;q=0.8,en;q=0.7",
	"Cache-Control":   "no-cache",
	"Pragma":          "no-cache",
}

// HTTPAttempter fetches listing pages with net/http, one transport per proxy.
type HTTPAttempter struct {
	mu      sync.Mutex
	clients map[string]*http.Client
}

// NewHTTPAttempter returns an attempter with an empty transport cache.
func NewHTTPAttempter() *HTTPAttempter {
	return &HTTPAttempter{clients: make(map[string]*http.Client)}
}

// Name implements Attempter.
func (a *HTTPAttempter) Name() string { return "http" }

// Attempt implements Attempter.
func (a *HTTPAttempter) Attempt(ctx context.Context, req Request) (Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return Response{}, fmt.Errorf("%w: build request: %v", ErrInfrastructure, err)
	}
	for k, v := range baseHeaders {
		httpReq.Header.Set(k, v)
	}
	httpReq.Header.Set("User-Agent", req.Identity.UserAgent)

	resp, err := a.client(req.Identity).Do(httpReq)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Response{}, fmt.Errorf("read body: %w", err)
	}
	return Response{Status: resp.StatusCode, Body: body}, nil
}

func (a *HTTPAttempter) client(id Identity) *http.Client {
	key := ""
	if id.Proxy != nil {
		key = id.Proxy.String()
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.clients[key]; ok {
		return c
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if id.Proxy != nil {
		transport.Proxy = http.ProxyURL(id.Proxy)
	}
	c := &http.Client{Transport: transport}
	a.clients[key] = c
	return c
}

// BrowserAttempter renders listing pages in headless Chrome.
type BrowserAttempter struct {
	Headless bool
	// Settle is how long to wait after navigation for client-side rendering.
	Settle time.Duration
}

// Name implements Attempter.
func (a *BrowserAttempter) Name() string { return "browser" }

// Attempt implements Attempter. A fresh browser is started per attempt so the
// identity's user agent and proxy apply to the whole session.
func (a *BrowserAttempter) Attempt(ctx context.Context, req Request) (Response, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", a.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.UserAgent(req.Identity.UserAgent),
	)
	if req.Identity.Proxy != nil {
		opts = append(opts, chromedp.ProxyServer(req.Identity.Proxy.Scheme+"://"+req.Identity.Proxy.Host))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	defer allocCancel()
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	defer browserCancel()

	var (
		html   string
		status int64
	)
	err := chromedp.Run(browserCtx,
		chromedp.Navigate(req.URL),
		chromedp.Sleep(a.Settle),
		chromedp.OuterHTML("html", &html),
		chromedp.Evaluate(`window.performance?.getEntriesByType?.('navigation')?.[0]?.responseStatus || 200`, &status),
	)
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return Response{}, fmt.Errorf("%w: start browser: %v", ErrInfrastructure, err)
		}
		return Response{}, fmt.Errorf("browser navigation: %w", err)
	}
	return Response{Status: int(status), Body: []byte(html)}, nil
}

func isConnRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED)
}

// NewAttempter selects the implementation for a LOOKUP_STRATEGY value.
func NewAttempter(strategy string, headless bool) (Attempter, error) {
	switch strategy {
	case "", "http":
		return NewHTTPAttempter(), nil
	case "browser":
		return &BrowserAttempter{Headless: headless, Settle: 2 * time.Second}, nil
	default:
		return nil, fmt.Errorf("%w: unknown strategy %q", ErrInfrastructure, strategy)
	}
}
