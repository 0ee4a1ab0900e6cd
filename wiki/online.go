package wiki

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

const probeTitle = "测试"

// onlineClient talks to the MediaWiki action API and the REST summary
// endpoint of a Wikipedia instance.
type onlineClient struct {
	httpClient *http.Client
	apiURL     string
	restURL    string
}

func newOnlineClientFromEnv() *onlineClient {
	apiURL := strings.TrimSpace(os.Getenv("WIKI_API_URL"))
	if apiURL == "" {
		apiURL = "https://zh.wikipedia.org/w/api.php"
	}
	restURL := strings.TrimSpace(os.Getenv("WIKI_REST_URL"))
	if restURL == "" {
		restURL = "https://zh.wikipedia.org/api/rest_v1"
	}
	return &onlineClient{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		apiURL:     apiURL,
		restURL:    strings.TrimRight(restURL, "/"),
	}
}

// Probe checks reachability by fetching the summary of a fixed page
// with a short timeout. Any 2xx answer counts as reachable.
func (c *onlineClient) Probe(ctx context.Context) bool {
	if c == nil {
		return false
	}
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	endpoint := c.restURL + "/page/summary/" + url.PathEscape(probeTitle)
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode < 300
}

type searchHit struct {
	Title   string
	Snippet string
}

// SearchTitles runs a keyword search and returns the raw hits.
func (c *onlineClient) SearchTitles(ctx context.Context, query string, limit int) ([]searchHit, error) {
	if c == nil {
		return nil, fmt.Errorf("wiki: online client is not configured")
	}
	if limit <= 0 {
		limit = 5
	}
	params := url.Values{
		"action":   {"query"},
		"list":     {"search"},
		"srsearch": {query},
		"srlimit":  {fmt.Sprintf("%d", limit)},
		"format":   {"json"},
	}

	var decoded struct {
		Query struct {
			Search []struct {
				Title   string `json:"title"`
				Snippet string `json:"snippet"`
			} `json:"search"`
		} `json:"query"`
	}
	if err := c.get(ctx, c.apiURL+"?"+params.Encode(), &decoded); err != nil {
		return nil, err
	}

	hits := make([]searchHit, 0, len(decoded.Query.Search))
	for _, item := range decoded.Query.Search {
		hits = append(hits, searchHit{Title: item.Title, Snippet: stripTags(item.Snippet)})
	}
	return hits, nil
}

// Summary fetches the REST page summary (title + extract).
func (c *onlineClient) Summary(ctx context.Context, title string) (string, error) {
	var decoded struct {
		Extract string `json:"extract"`
	}
	endpoint := c.restURL + "/page/summary/" + url.PathEscape(title)
	if err := c.get(ctx, endpoint, &decoded); err != nil {
		return "", err
	}
	return decoded.Extract, nil
}

// Extract fetches the full plain-text extract of a page.
func (c *onlineClient) Extract(ctx context.Context, title string) (string, error) {
	params := url.Values{
		"action":      {"query"},
		"prop":        {"extracts"},
		"titles":      {title},
		"explaintext": {"1"},
		"format":      {"json"},
	}

	var decoded struct {
		Query struct {
			Pages map[string]struct {
				Extract string `json:"extract"`
			} `json:"pages"`
		} `json:"query"`
	}
	if err := c.get(ctx, c.apiURL+"?"+params.Encode(), &decoded); err != nil {
		return "", err
	}
	for _, page := range decoded.Query.Pages {
		if page.Extract != "" {
			return page.Extract, nil
		}
	}
	return "", nil
}

// Categories returns the category names of a page, without the
// namespace prefix.
func (c *onlineClient) Categories(ctx context.Context, title string) ([]string, error) {
	params := url.Values{
		"action":  {"query"},
		"prop":    {"categories"},
		"titles":  {title},
		"cllimit": {"20"},
		"format":  {"json"},
	}

	var decoded struct {
		Query struct {
			Pages map[string]struct {
				Categories []struct {
					Title string `json:"title"`
				} `json:"categories"`
			} `json:"pages"`
		} `json:"query"`
	}
	if err := c.get(ctx, c.apiURL+"?"+params.Encode(), &decoded); err != nil {
		return nil, err
	}

	var categories []string
	for _, page := range decoded.Query.Pages {
		for _, category := range page.Categories {
			name := category.Title
			if idx := strings.Index(name, ":"); idx >= 0 {
				name = name[idx+1:]
			}
			if name != "" {
				categories = append(categories, name)
			}
		}
	}
	return categories, nil
}

func (c *onlineClient) get(ctx context.Context, endpoint string, out interface{}) error {
	if c == nil {
		return fmt.Errorf("wiki: online client is not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("wiki: create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("wiki: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("wiki: API status %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("wiki: decode response: %w", err)
	}
	return nil
}

// stripTags removes the highlight markup MediaWiki embeds in search
// snippets.
func stripTags(value string) string {
	var b strings.Builder
	inTag := false
	for _, r := range value {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	return b.String()
}
