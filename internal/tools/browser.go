package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/chromedp"
	"github.com/go-shiori/go-readability"
	"github.com/microcosm-cc/bluemonday"

	"github.com/rahul/warden/internal/session"
)

const maxPageContent = 50000

// BrowserAdapter drives a persistent Chrome session through chromedp. The
// browser window stays open across steps until an explicit close action.
type BrowserAdapter struct {
	mu            sync.Mutex
	allocCtx      context.Context
	browserCtx    context.Context
	allocCancel   context.CancelFunc
	browserCancel context.CancelFunc
	Headless      bool
}

func NewBrowserAdapter() *BrowserAdapter {
	return &BrowserAdapter{}
}

func (b *BrowserAdapter) Kind() session.Kind {
	return session.KindBrowser
}

func (b *BrowserAdapter) initBrowser() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.browserCtx != nil {
		select {
		case <-b.browserCtx.Done():
			b.cleanup()
		default:
			return nil
		}
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		chromedp.Flag("headless", b.Headless),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("no-default-browser-check", true),
	)

	b.allocCtx, b.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	b.browserCtx, b.browserCancel = chromedp.NewContext(b.allocCtx)

	return chromedp.Run(b.browserCtx)
}

func (b *BrowserAdapter) cleanup() {
	if b.browserCancel != nil {
		b.browserCancel()
	}
	if b.allocCancel != nil {
		b.allocCancel()
	}
	b.browserCtx = nil
	b.allocCtx = nil
}

func (b *BrowserAdapter) Execute(ctx context.Context, action json.RawMessage) Result {
	var args struct {
		Action      string `json:"action"`
		URL         string `json:"url"`
		Selector    string `json:"selector"`
		Text        string `json:"text"`
		WaitSeconds int    `json:"wait_seconds"`
	}
	if err := json.Unmarshal(action, &args); err != nil {
		return failure(fmt.Sprintf("invalid action descriptor: %v", err))
	}

	if args.Action == "close" {
		b.mu.Lock()
		b.cleanup()
		b.mu.Unlock()
		return success("Browser closed")
	}

	if err := b.initBrowser(); err != nil {
		return transient(fmt.Sprintf("failed to initialize browser: %v", err))
	}

	actionCtx, cancel := context.WithTimeout(b.browserCtx, 60*time.Second)
	defer cancel()

	var detail string
	var err error

	switch args.Action {
	case "navigate":
		if args.URL == "" {
			return failure("url is required for navigate")
		}
		err = chromedp.Run(actionCtx, chromedp.Navigate(args.URL))
		detail = fmt.Sprintf("Navigated to %s", args.URL)

	case "content":
		var html string
		err = chromedp.Run(actionCtx,
			chromedp.ActionFunc(func(ctx context.Context) error {
				node, err := dom.GetDocument().Do(ctx)
				if err != nil {
					return err
				}
				html, err = dom.GetOuterHTML().WithNodeID(node.NodeID).Do(ctx)
				return err
			}),
		)
		if len(html) > maxPageContent {
			html = html[:maxPageContent] + "\n... (truncated)"
		}
		detail = html

	case "read_page":
		detail, err = b.readPage(actionCtx)

	case "click":
		if args.Selector == "" {
			return failure("selector is required for click")
		}
		err = chromedp.Run(actionCtx, chromedp.Click(args.Selector, chromedp.ByQuery))
		detail = fmt.Sprintf("Clicked %s", args.Selector)

	case "type":
		if args.Selector == "" || args.Text == "" {
			return failure("selector and text are required for type")
		}
		err = chromedp.Run(actionCtx, chromedp.SendKeys(args.Selector, args.Text, chromedp.ByQuery))
		detail = fmt.Sprintf("Typed text in %s", args.Selector)

	case "press":
		if args.Text == "" {
			return failure("text (key) is required for press")
		}
		err = chromedp.Run(actionCtx, chromedp.KeyEvent(args.Text))
		detail = fmt.Sprintf("Pressed key: %s", args.Text)

	case "scroll":
		if args.Selector != "" {
			err = chromedp.Run(actionCtx, chromedp.ScrollIntoView(args.Selector, chromedp.ByQuery))
			detail = fmt.Sprintf("Scrolled to %s", args.Selector)
		} else {
			err = chromedp.Run(actionCtx, chromedp.Evaluate("window.scrollTo(0, document.body.scrollHeight)", nil))
			detail = "Scrolled to bottom"
		}

	case "wait":
		if args.Selector != "" {
			err = chromedp.Run(actionCtx, chromedp.WaitVisible(args.Selector, chromedp.ByQuery))
			detail = fmt.Sprintf("Waited for %s", args.Selector)
		} else if args.WaitSeconds > 0 {
			select {
			case <-time.After(time.Duration(args.WaitSeconds) * time.Second):
			case <-ctx.Done():
				return failure("wait cancelled")
			}
			detail = fmt.Sprintf("Waited %d seconds", args.WaitSeconds)
		} else {
			detail = "Nothing to wait for"
		}

	case "back":
		err = chromedp.Run(actionCtx, chromedp.NavigateBack())
		detail = "Navigated back"

	case "forward":
		err = chromedp.Run(actionCtx, chromedp.NavigateForward())
		detail = "Navigated forward"

	case "reload":
		err = chromedp.Run(actionCtx, chromedp.Reload())
		detail = "Page reloaded"

	case "screenshot":
		var buf []byte
		err = chromedp.Run(actionCtx, chromedp.CaptureScreenshot(&buf))
		if err == nil {
			os.MkdirAll("screenshots", 0755)
			path := filepath.Join("screenshots", fmt.Sprintf("screenshot_%d.png", time.Now().Unix()))
			if err = os.WriteFile(path, buf, 0644); err == nil {
				absPath, _ := filepath.Abs(path)
				detail = fmt.Sprintf("Screenshot saved to %s", absPath)
			}
		}

	default:
		return failure(fmt.Sprintf("unknown browser action: %s", args.Action))
	}

	if err != nil {
		if actionCtx.Err() == context.DeadlineExceeded {
			return transient(fmt.Sprintf("browser action timed out: %v", err))
		}
		return failure(fmt.Sprintf("browser action failed: %v", err))
	}

	return success(detail)
}

// readPage extracts the main content of the current page as sanitized text.
func (b *BrowserAdapter) readPage(ctx context.Context) (string, error) {
	var html, location string
	err := chromedp.Run(ctx,
		chromedp.Location(&location),
		chromedp.ActionFunc(func(ctx context.Context) error {
			node, err := dom.GetDocument().Do(ctx)
			if err != nil {
				return err
			}
			html, err = dom.GetOuterHTML().WithNodeID(node.NodeID).Do(ctx)
			return err
		}),
	)
	if err != nil {
		return "", err
	}

	pageURL, err := url.Parse(location)
	if err != nil {
		return "", fmt.Errorf("failed to parse page URL: %w", err)
	}

	article, err := readability.FromReader(strings.NewReader(html), pageURL)
	if err != nil {
		return "", fmt.Errorf("failed to extract article: %w", err)
	}

	sanitized := bluemonday.StrictPolicy().Sanitize(article.TextContent)
	out := fmt.Sprintf("TITLE: %s\n\n%s", article.Title, sanitized)
	if len(out) > maxPageContent {
		out = out[:maxPageContent] + "\n... (content truncated) ..."
	}
	return out, nil
}
