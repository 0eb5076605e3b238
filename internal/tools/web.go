package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/parleylabs/parley/internal/domain"
)

var httpClient = &http.Client{Timeout: 30 * time.Second}

// ---------------------------------------------------------------------------
// http_fetch
// ---------------------------------------------------------------------------

func httpFetchTool() ToolDef {
	return ToolDef{
		Spec: Spec{
			Name:        "http_fetch",
			Description: "Fetch a URL over HTTP(S) and return the body. HTML is reduced to readable text. Response is truncated at 50KB.",
			Properties: map[string]Prop{
				"url": {Type: "string", Description: "URL to fetch (http or https)"},
			},
			Required:     []string{"url"},
			Capabilities: []string{"network"},
		},
		Execute: func(input map[string]any, tc *Context) (any, error) {
			rawURL, ok := input["url"].(string)
			if !ok || rawURL == "" {
				return nil, domain.Errorf(domain.CodeInvalidArguments, "url is required")
			}
			if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
				return nil, domain.Errorf(domain.CodeInvalidArguments, "url must be http or https")
			}

			parent := context.Background()
			if tc != nil && tc.Ctx != nil {
				parent = tc.Ctx
			}
			req, err := http.NewRequestWithContext(parent, http.MethodGet, rawURL, nil)
			if err != nil {
				return nil, fmt.Errorf("building request: %w", err)
			}
			req.Header.Set("User-Agent", "parley/1.0")

			resp, err := httpClient.Do(req)
			if err != nil {
				if parent.Err() != nil {
					return nil, domain.Errorf(domain.CodeToolInterrupted, "fetch interrupted")
				}
				return nil, fmt.Errorf("fetching %s: %w", rawURL, err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(io.LimitReader(resp.Body, 2*1024*1024))
			if err != nil {
				return nil, fmt.Errorf("reading body: %w", err)
			}

			text := string(body)
			if strings.Contains(resp.Header.Get("Content-Type"), "text/html") {
				text = htmlToText(text)
			}
			return fmt.Sprintf("HTTP %d\n\n%s", resp.StatusCode, capOutput(text)), nil
		},
	}
}

var (
	scriptBlockRe = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
	tagRe         = regexp.MustCompile(`(?s)<[^>]*>`)
	blankRunRe    = regexp.MustCompile(`\n{3,}`)
)

// htmlToText strips markup for a readable plain-text body.
func htmlToText(html string) string {
	text := scriptBlockRe.ReplaceAllString(html, "")
	text = tagRe.ReplaceAllString(text, "\n")
	text = strings.NewReplacer(
		"&amp;", "&", "&lt;", "<", "&gt;", ">",
		"&quot;", `"`, "&#39;", "'", "&nbsp;", " ",
	).Replace(text)

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	text = strings.Join(lines, "\n")
	return strings.TrimSpace(blankRunRe.ReplaceAllString(text, "\n\n"))
}
