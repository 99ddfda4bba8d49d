package export

import (
	"context"
	"encoding/base64"
	"os/exec"
	"strings"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/juju/errors"
)

const pdfTimeout = 30 * time.Second

var chromeBinaries = []string{"chromium-browser", "chromium", "google-chrome"}

func htmlDataURL(html string) string {
	return "data:text/html;charset=utf-8;base64," + base64.StdEncoding.EncodeToString([]byte(html))
}

// renderPDF prints the report HTML to an A4 landscape PDF in headless Chrome.
func renderPDF(parent context.Context, html string, title string) (*Result, error) {
	if !chromeInstalled() {
		return nil, errors.Annotate(ErrPDFDependencyMissing, "chromium not installed")
	}

	ctx, cancel := context.WithTimeout(parent, pdfTimeout)
	defer cancel()

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.Flag("disable-dev-shm-usage", true),
	)...)
	defer cancelAlloc()
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	var data []byte
	printAction := chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		data, _, err = page.PrintToPDF().
			WithPrintBackground(true).
			WithLandscape(true).
			WithPaperWidth(8.27).
			WithPaperHeight(11.69).
			WithMarginTop(0.5).
			WithMarginBottom(0.5).
			WithMarginLeft(0.4).
			WithMarginRight(0.4).
			Do(ctx)
		return err
	})
	if err := chromedp.Run(browserCtx, chromedp.Navigate(htmlDataURL(html)), chromedp.WaitReady("body"), printAction); err != nil {
		return nil, errors.Annotate(err, "print report pdf")
	}
	logger.Debugf("rendered %s pdf (%d bytes)", title, len(data))

	return &Result{
		Data:     data,
		Filename: sanitizeFilename(title) + ".pdf",
		MimeType: "application/pdf",
	}, nil
}

func chromeInstalled() bool {
	for _, name := range chromeBinaries {
		if _, err := exec.LookPath(name); err == nil {
			return true
		}
	}
	return false
}

// sanitizeFilename keeps ASCII letters, digits, '-' and '_', turns spaces into
// hyphens and caps the result at 50 characters.
func sanitizeFilename(title string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		case r == ' ':
			return '-'
		}
		return -1
	}, title)
	if len(name) > 50 {
		name = name[:50]
	}
	if name == "" {
		return "report"
	}
	return name
}
