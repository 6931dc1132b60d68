package browser

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog"
)

// navigateAttempts is how often Navigate retries before giving up.
const navigateAttempts = 3

// Link is one anchor extracted from a page.
type Link struct {
	Text string `json:"text"`
	Href string `json:"href"`
}

// pageElements is what the element summary script reports.
type pageElements struct {
	Links   int           `json:"links"`
	Buttons int           `json:"buttons"`
	Inputs  int           `json:"inputs"`
	Notable []pageElement `json:"notable"`
}

type pageElement struct {
	Tag   string `json:"tag"`
	Label string `json:"label"`
}

// Instance is one session's page. All operations are serialized per
// instance; a session issues one tool call at a time anyway, but release
// can race a slow handler.
type Instance struct {
	sessionKey    string
	page          *rod.Page
	screenshotDir string
	logger        zerolog.Logger

	mu             sync.Mutex
	lastScreenshot string
	closed         bool
}

// SessionKey returns the owning session's key.
func (in *Instance) SessionKey() string {
	return in.sessionKey
}

// LastScreenshot returns the path of the most recent capture, if any.
func (in *Instance) LastScreenshot() string {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.lastScreenshot
}

// Navigate opens a URL and waits for the load event. Transient failures
// are retried with backoff.
func (in *Instance) Navigate(ctx context.Context, rawURL string, timeoutSeconds int) error {
	if err := validateURL(rawURL); err != nil {
		return err
	}

	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return &BrowserError{Code: ErrCodeNoPage, Message: "browser page is closed"}
	}

	timeout := clampTimeout(timeoutSeconds)

	var lastErr error
	for attempt := 1; attempt <= navigateAttempts; attempt++ {
		page := in.page.Context(ctx).Timeout(timeout)

		if err := page.Navigate(rawURL); err != nil {
			lastErr = err
		} else if err := page.WaitLoad(); err != nil {
			lastErr = err
		} else {
			in.logger.Debug().Str("url", rawURL).Int("attempt", attempt).Msg("Navigated")
			return nil
		}

		if attempt < navigateAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(1<<uint(attempt)) * time.Second):
			}
		}
	}

	return &BrowserError{
		Code:    ErrCodeNavigation,
		Message: fmt.Sprintf("Failed to navigate to %s after %d attempts: %v", rawURL, navigateAttempts, lastErr),
	}
}

// Click clicks the first element matching the selector.
func (in *Instance) Click(ctx context.Context, selector string, timeoutSeconds int) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return &BrowserError{Code: ErrCodeNoPage, Message: "browser page is closed"}
	}

	page := in.page.Context(ctx).Timeout(clampTimeout(timeoutSeconds))

	elem, err := page.Element(selector)
	if err != nil {
		return &BrowserError{
			Code:    ErrCodeElementNotFound,
			Message: fmt.Sprintf("Element not found: %s", selector),
			Details: map[string]interface{}{"selector": selector},
		}
	}

	if err := elem.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return &BrowserError{
			Code:    ErrCodeScriptExecution,
			Message: fmt.Sprintf("Failed to click element: %v", err),
		}
	}

	in.logger.Debug().Str("selector", selector).Msg("Clicked element")
	return nil
}

// Input types text into the first element matching the selector. Existing
// content is selected first so the value replaces it rather than appending.
func (in *Instance) Input(ctx context.Context, selector, value string, timeoutSeconds int) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return &BrowserError{Code: ErrCodeNoPage, Message: "browser page is closed"}
	}

	page := in.page.Context(ctx).Timeout(clampTimeout(timeoutSeconds))

	elem, err := page.Element(selector)
	if err != nil {
		return &BrowserError{
			Code:    ErrCodeElementNotFound,
			Message: fmt.Sprintf("Element not found: %s", selector),
			Details: map[string]interface{}{"selector": selector},
		}
	}

	// Best effort; a non-text element has nothing to select.
	_ = elem.SelectAllText()

	if err := elem.Input(value); err != nil {
		return &BrowserError{
			Code:    ErrCodeScriptExecution,
			Message: fmt.Sprintf("Failed to type into element: %v", err),
		}
	}

	in.logger.Debug().Str("selector", selector).Msg("Typed into element")
	return nil
}

// Scroll moves the viewport by the given number of pixels. Direction is
// "up" or "down".
func (in *Instance) Scroll(ctx context.Context, direction string, pixels int) error {
	delta, err := scrollDelta(direction, pixels)
	if err != nil {
		return err
	}

	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return &BrowserError{Code: ErrCodeNoPage, Message: "browser page is closed"}
	}

	page := in.page.Context(ctx).Timeout(clampTimeout(0))
	if _, err := page.Eval(`(y) => window.scrollBy(0, y)`, delta); err != nil {
		return &BrowserError{
			Code:    ErrCodeScriptExecution,
			Message: fmt.Sprintf("Failed to scroll: %v", err),
		}
	}

	return nil
}

// ExtractText returns the page's visible text.
func (in *Instance) ExtractText(ctx context.Context) (string, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return "", &BrowserError{Code: ErrCodeNoPage, Message: "browser page is closed"}
	}

	page := in.page.Context(ctx).Timeout(clampTimeout(0))
	result, err := page.Eval(`() => document.body.innerText`)
	if err != nil {
		return "", &BrowserError{
			Code:    ErrCodeScriptExecution,
			Message: fmt.Sprintf("Failed to extract text: %v", err),
		}
	}
	return result.Value.String(), nil
}

// ExtractHTML returns the page's full HTML.
func (in *Instance) ExtractHTML(ctx context.Context) (string, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return "", &BrowserError{Code: ErrCodeNoPage, Message: "browser page is closed"}
	}

	page := in.page.Context(ctx).Timeout(clampTimeout(0))
	html, err := page.HTML()
	if err != nil {
		return "", &BrowserError{
			Code:    ErrCodeScriptExecution,
			Message: fmt.Sprintf("Failed to extract HTML: %v", err),
		}
	}
	return html, nil
}

// ExtractLinks returns every anchor on the page.
func (in *Instance) ExtractLinks(ctx context.Context) ([]Link, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return nil, &BrowserError{Code: ErrCodeNoPage, Message: "browser page is closed"}
	}

	page := in.page.Context(ctx).Timeout(clampTimeout(0))
	result, err := page.Eval(`() => {
		const links = Array.from(document.querySelectorAll('a'));
		return links.map(a => ({ href: a.href, text: a.textContent.trim() }));
	}`)
	if err != nil {
		return nil, &BrowserError{
			Code:    ErrCodeScriptExecution,
			Message: fmt.Sprintf("Failed to extract links: %v", err),
		}
	}

	var links []Link
	if err := result.Value.Unmarshal(&links); err != nil {
		return nil, &BrowserError{
			Code:    ErrCodeScriptExecution,
			Message: fmt.Sprintf("Failed to decode links: %v", err),
		}
	}
	return links, nil
}

// ExtractSelector returns the text of the first element matching the
// selector.
func (in *Instance) ExtractSelector(ctx context.Context, selector string, timeoutSeconds int) (string, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return "", &BrowserError{Code: ErrCodeNoPage, Message: "browser page is closed"}
	}

	page := in.page.Context(ctx).Timeout(clampTimeout(timeoutSeconds))

	elem, err := page.Element(selector)
	if err != nil {
		return "", &BrowserError{
			Code:    ErrCodeElementNotFound,
			Message: fmt.Sprintf("Element not found: %s", selector),
			Details: map[string]interface{}{"selector": selector},
		}
	}

	text, err := elem.Text()
	if err != nil {
		return "", &BrowserError{
			Code:    ErrCodeScriptExecution,
			Message: fmt.Sprintf("Failed to extract text from element: %v", err),
		}
	}
	return text, nil
}

// Screenshot captures the page to a file under the screenshot directory
// and returns the file path.
func (in *Instance) Screenshot(ctx context.Context, fullPage bool) (string, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return "", &BrowserError{Code: ErrCodeNoPage, Message: "browser page is closed"}
	}

	page := in.page.Context(ctx).Timeout(clampTimeout(0))
	data, err := page.Screenshot(fullPage, nil)
	if err != nil {
		return "", &BrowserError{
			Code:    ErrCodeScriptExecution,
			Message: fmt.Sprintf("Failed to capture screenshot: %v", err),
		}
	}

	if err := os.MkdirAll(in.screenshotDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create screenshot directory: %w", err)
	}

	path := filepath.Join(in.screenshotDir, screenshotFilename(in.sessionKey, time.Now()))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write screenshot: %w", err)
	}

	in.lastScreenshot = path
	in.logger.Debug().Str("path", path).Bool("full_page", fullPage).Msg("Screenshot captured")
	return path, nil
}

// Info returns the page's current URL and title.
func (in *Instance) Info() (url, title string, err error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return "", "", &BrowserError{Code: ErrCodeNoPage, Message: "browser page is closed"}
	}

	info, err := in.page.Info()
	if err != nil {
		return "", "", &BrowserError{
			Code:    ErrCodeScriptExecution,
			Message: fmt.Sprintf("Failed to read page info: %v", err),
		}
	}
	return info.URL, info.Title, nil
}

// ElementSummary describes the interactive surface of the page in one
// line, so the planner knows what it can act on without a full extract.
func (in *Instance) ElementSummary(ctx context.Context) (string, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return "", &BrowserError{Code: ErrCodeNoPage, Message: "browser page is closed"}
	}

	page := in.page.Context(ctx).Timeout(clampTimeout(0))
	result, err := page.Eval(`() => {
		const label = el => (el.innerText || el.value || el.placeholder || el.getAttribute('aria-label') || '').trim().slice(0, 40);
		const pick = (selector, tag) => Array.from(document.querySelectorAll(selector))
			.filter(el => label(el))
			.slice(0, 5)
			.map(el => ({ tag, label: label(el) }));
		return {
			links: document.querySelectorAll('a').length,
			buttons: document.querySelectorAll('button, input[type=submit]').length,
			inputs: document.querySelectorAll('input, textarea, select').length,
			notable: [...pick('button, input[type=submit]', 'button'), ...pick('input, textarea', 'input'), ...pick('a', 'a')],
		};
	}`)
	if err != nil {
		return "", &BrowserError{
			Code:    ErrCodeScriptExecution,
			Message: fmt.Sprintf("Failed to summarize elements: %v", err),
		}
	}

	var elems pageElements
	if err := result.Value.Unmarshal(&elems); err != nil {
		return "", &BrowserError{
			Code:    ErrCodeScriptExecution,
			Message: fmt.Sprintf("Failed to decode element summary: %v", err),
		}
	}
	return formatElementSummary(elems), nil
}

// Close closes the underlying page. Further operations fail with NO_PAGE.
func (in *Instance) Close() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return nil
	}
	in.closed = true
	return in.page.Close()
}

// scrollDelta converts a direction word and pixel count into a signed
// scroll amount.
func scrollDelta(direction string, pixels int) (int, error) {
	if pixels <= 0 {
		pixels = 600
	}

	switch strings.ToLower(direction) {
	case "down", "":
		return pixels, nil
	case "up":
		return -pixels, nil
	default:
		return 0, &BrowserError{
			Code:    ErrCodeValidation,
			Message: fmt.Sprintf("Unknown scroll direction %q, use up or down", direction),
		}
	}
}

// formatElementSummary renders the element counts and labels as one
// compact line.
func formatElementSummary(elems pageElements) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d links, %d buttons, %d inputs", elems.Links, elems.Buttons, elems.Inputs)

	if len(elems.Notable) > 0 {
		parts := make([]string, 0, len(elems.Notable))
		for _, el := range elems.Notable {
			parts = append(parts, fmt.Sprintf("[%s] %s", el.Tag, el.Label))
		}
		b.WriteString(". Interactive: ")
		b.WriteString(strings.Join(parts, ", "))
	}

	return b.String()
}

// screenshotFilename builds a collision-free file name for a capture.
// Session keys are already path-safe, the transcript layer validates them.
func screenshotFilename(sessionKey string, at time.Time) string {
	return fmt.Sprintf("%s-%d.png", sessionKey, at.UnixMilli())
}
