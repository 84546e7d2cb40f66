package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/net/html"
)

const (
	defaultSearchLimit = 5
	maxSearchLimit     = 20
	maxSearchBody      = 2 << 20
)

func searchContentEmbeddingsTool(d Deps) Tool {
	def := mcp.NewTool(string(SearchContentEmbeddings),
		mcp.WithDescription("Semantic search over node content. Returns the nodes whose content is closest in meaning to the query."),
		mcp.WithString("query", mcp.Description("What to look for, in natural language"), mcp.Required()),
		mcp.WithNumber("limit", mcp.Description("Maximum number of matches (default 5, max 20)")),
	)
	return Tool{Def: def, Handler: func(ctx context.Context, req mcp.CallToolRequest) (any, error) {
		query, err := req.RequireString("query")
		if err != nil || strings.TrimSpace(query) == "" {
			return failedf("query is required"), nil
		}
		if d.Search == nil {
			return failedf("Semantic search is not available: embeddings are disabled"), nil
		}
		matches, err := d.Search.Search(ctx, query, clampLimit(req.GetInt("limit", 0), defaultSearchLimit, maxSearchLimit))
		if err != nil {
			return failedf("Semantic search failed: %v", err), nil
		}
		return succeeded("", matches), nil
	}}
}

func webSearchTool(d Deps) Tool {
	def := mcp.NewTool(string(WebSearch),
		mcp.WithDescription("Search the web. Returns titles, URLs and snippets."),
		mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
		mcp.WithNumber("max_results", mcp.Description("Maximum number of results (default 5, max 20)")),
	)
	return Tool{Def: def, Handler: func(ctx context.Context, req mcp.CallToolRequest) (any, error) {
		query, err := req.RequireString("query")
		if err != nil || strings.TrimSpace(query) == "" {
			return failedf("query is required"), nil
		}
		if d.Web == nil {
			return failedf("Web search is not configured"), nil
		}
		results, err := d.Web.Search(ctx, query, clampLimit(req.GetInt("max_results", 0), defaultSearchLimit, maxSearchLimit))
		if err != nil {
			return failedf("Web search failed: %v", err), nil
		}
		return succeeded("", results), nil
	}}
}

// WebResult is one organic search hit.
type WebResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// WebSearcher queries an HTML search endpoint that uses DuckDuckGo's
// result markup.
type WebSearcher struct {
	baseURL    string
	httpClient *http.Client
}

func NewWebSearcher(baseURL string) *WebSearcher {
	return &WebSearcher{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

func (w *WebSearcher) Search(ctx context.Context, query string, limit int) ([]WebResult, error) {
	u, err := url.Parse(w.baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing search url: %w", err)
	}
	q := u.Query()
	q.Set("q", query)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; rah/1.0)")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	doc, err := html.Parse(io.LimitReader(resp.Body, maxSearchBody))
	if err != nil {
		return nil, fmt.Errorf("parsing results: %w", err)
	}
	return parseResults(doc, limit), nil
}

// parseResults walks the document collecting result__a links and the
// result__snippet that follows each one.
func parseResults(doc *html.Node, limit int) []WebResult {
	var results []WebResult
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch {
			case n.Data == "a" && hasClass(n, "result__a"):
				results = append(results, WebResult{
					Title: strings.TrimSpace(textOf(n)),
					URL:   resolveResultURL(attr(n, "href")),
				})
				return
			case hasClass(n, "result__snippet"):
				if len(results) > 0 && results[len(results)-1].Snippet == "" {
					results[len(results)-1].Snippet = strings.TrimSpace(textOf(n))
				}
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}

// resolveResultURL unwraps DuckDuckGo redirect links (//duckduckgo.com/l/?uddg=...).
func resolveResultURL(href string) string {
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if target := u.Query().Get("uddg"); target != "" {
		return target
	}
	if u.Scheme == "" && strings.HasPrefix(href, "//") {
		return "https:" + href
	}
	return href
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasClass(n *html.Node, class string) bool {
	if n.Type != html.ElementNode {
		return false
	}
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

func textOf(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(b.String()), " ")
}
