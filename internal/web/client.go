// Package web fetches pages and runs web searches for the agent's network
// capabilities.
package web

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"golang.org/x/net/html"
)

const (
	defaultSearchURL = "https://html.duckduckgo.com/html/"
	defaultUserAgent = "Mozilla/5.0 (compatible; sysagent/1.0)"
	maxBodyBytes     = 1 << 20
	// DefaultMaxResults matches the number of hits handed to the model.
	DefaultMaxResults = 7
)

var (
	multiNewlinePattern = regexp.MustCompile(`\n{3,}`)
	multiSpacePattern   = regexp.MustCompile(`[ \t]{2,}`)
)

// SearchResult is a single search hit.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// Client performs outbound HTTP for fetch and search.
type Client struct {
	HTTP      *http.Client
	SearchURL string
	UserAgent string
	// MaxChars truncates fetched text; 0 disables truncation.
	MaxChars int
}

// NewClient returns a client with a 60s request timeout.
func NewClient() *Client {
	return &Client{
		HTTP:      &http.Client{Timeout: 60 * time.Second},
		SearchURL: defaultSearchURL,
		UserAgent: defaultUserAgent,
		MaxChars:  50000,
	}
}

// Fetch downloads rawURL and extracts its readable text.
func (c *Client) Fetch(ctx context.Context, rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return "", fmt.Errorf("invalid url %q: only http and https are supported", rawURL)
	}

	body, contentType, err := c.get(ctx, u.String())
	if err != nil {
		return "", err
	}

	var text string
	if strings.Contains(contentType, "text/plain") || strings.Contains(contentType, "text/markdown") {
		text = string(body)
	} else {
		text, err = ExtractText(string(body))
		if err != nil {
			return "", fmt.Errorf("extract text: %w", err)
		}
	}
	if c.MaxChars > 0 && len(text) > c.MaxChars {
		text = text[:c.MaxChars] + "\n\n[...truncated...]"
	}
	return text, nil
}

// Search queries the DuckDuckGo HTML endpoint.
func (c *Client) Search(ctx context.Context, query string, maxResults int) ([]SearchResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("query is required")
	}
	if maxResults <= 0 {
		maxResults = DefaultMaxResults
	}
	base := c.SearchURL
	if base == "" {
		base = defaultSearchURL
	}
	body, _, err := c.get(ctx, base+"?q="+url.QueryEscape(query))
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	return ParseResults(string(body), maxResults)
}

func (c *Client) get(ctx context.Context, target string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, "", fmt.Errorf("create request: %w", err)
	}
	ua := c.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	req.Header.Set("User-Agent", ua)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, "", fmt.Errorf("read response: %w", err)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

// ExtractText converts an HTML document into plain, lightly structured text.
func ExtractText(doc string) (string, error) {
	root, err := html.Parse(strings.NewReader(doc))
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	walkText(root, &sb, 0)
	out := multiSpacePattern.ReplaceAllString(sb.String(), " ")
	out = multiNewlinePattern.ReplaceAllString(out, "\n\n")
	return strings.TrimSpace(out), nil
}

func walkText(n *html.Node, sb *strings.Builder, depth int) {
	if depth > 200 {
		return
	}
	switch n.Type {
	case html.TextNode:
		if text := strings.TrimSpace(n.Data); text != "" {
			sb.WriteString(text)
			sb.WriteString(" ")
		}
	case html.ElementNode:
		switch n.Data {
		case "script", "style", "noscript", "iframe", "svg", "nav", "footer", "header":
			return
		case "h1", "h2", "h3", "h4", "h5", "h6", "p", "div", "section", "article", "tr":
			sb.WriteString("\n\n")
		case "br":
			sb.WriteString("\n")
		case "li":
			sb.WriteString("\n- ")
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walkText(c, sb, depth+1)
	}
}

// ParseResults extracts search hits from a DuckDuckGo HTML result page.
func ParseResults(doc string, maxResults int) ([]SearchResult, error) {
	root, err := html.Parse(strings.NewReader(doc))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	var results []SearchResult
	var find func(*html.Node)
	find = func(n *html.Node) {
		if len(results) >= maxResults {
			return
		}
		if n.Type == html.ElementNode && n.Data == "div" && hasClass(n, "result") && hasClass(n, "results_links") {
			if r := extractResult(n); r.URL != "" && r.Title != "" {
				results = append(results, r)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			find(c)
		}
	}
	find(root)
	return results, nil
}

func extractResult(n *html.Node) SearchResult {
	var r SearchResult
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			switch {
			case hasClass(n, "result__a"):
				r.URL = attr(n, "href")
				r.Title = textContent(n)
			case hasClass(n, "result__snippet"):
				r.Snippet = textContent(n)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)

	// Result links go through a redirector carrying the target in uddg.
	if strings.Contains(r.URL, "duckduckgo.com/l/?") {
		if u, err := url.Parse(r.URL); err == nil {
			if target := u.Query().Get("uddg"); target != "" {
				r.URL = target
			}
		}
	}
	return r
}

func hasClass(n *html.Node, class string) bool {
	for _, f := range strings.Fields(attr(n, "class")) {
		if f == class {
			return true
		}
	}
	return false
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func textContent(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(strings.TrimSpace(n.Data))
			sb.WriteString(" ")
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.TrimSpace(multiSpacePattern.ReplaceAllString(sb.String(), " "))
}
