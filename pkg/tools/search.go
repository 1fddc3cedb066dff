package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/harunnryd/voicebridge/pkg/errorsx"
	"github.com/harunnryd/voicebridge/pkg/tools/tavily"
)

const SearchToolName = "tavily_search"

// ErrInvalidArguments means the backend sent arguments the tool cannot use.
var ErrInvalidArguments = errorsx.Wrap(errors.New("invalid tool arguments"), errorsx.ReasonToolInvocation)

const snippetLimit = 200

type searcher interface {
	Search(ctx context.Context, in tavily.Request) (tavily.Response, error)
}

// Search is an internet search tool backed by Tavily.
type Search struct {
	client     searcher
	maxResults int
}

func NewSearch(client *tavily.Client, maxResults int) *Search {
	if maxResults <= 0 {
		maxResults = 5
	}
	return &Search{client: client, maxResults: maxResults}
}

func (s *Search) Definition() Definition {
	return Definition{
		Name:        SearchToolName,
		Description: "Performs an internet search using the Tavily API.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "The query to search for on Tavily",
				},
				"days": map[string]any{
					"type":        "number",
					"description": "The number of days back from the current date to include in the search results, if specified by the user. Otherwise, return 3",
				},
				"topic": map[string]any{
					"type":        "string",
					"description": "The category of Tavily search. Currently only 'general' and 'news' are supported. If the user specifically asks for news, then return 'news', otherwise return 'general'.",
					"enum":        []string{"general", "news"},
				},
			},
			"required": []string{"query"},
		},
	}
}

type searchArgs struct {
	Query string   `json:"query"`
	Days  *float64 `json:"days"`
	Topic string   `json:"topic"`
}

func (s *Search) Call(ctx context.Context, rawArgs string) (Result, error) {
	var args searchArgs
	if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	args.Query = strings.TrimSpace(args.Query)
	if args.Query == "" {
		return Result{}, fmt.Errorf("%w: query is required", ErrInvalidArguments)
	}
	days := 3
	if args.Days != nil && *args.Days > 0 {
		days = int(*args.Days)
	}
	topic := strings.ToLower(strings.TrimSpace(args.Topic))
	if topic != "news" {
		topic = "general"
	}

	resp, err := s.client.Search(ctx, tavily.Request{
		Query:      args.Query,
		Topic:      topic,
		Days:       days,
		MaxResults: s.maxResults,
	})
	if err != nil {
		return Result{Query: args.Query}, err
	}
	if len(resp.Results) == 0 {
		return Result{Query: args.Query}, ErrNoResults
	}
	return Result{Query: args.Query, Content: FormatSearch(args.Query, resp)}, nil
}

// FormatSearch renders a short answer followed by numbered markdown links
// with snippets cut to 200 characters.
func FormatSearch(query string, resp tavily.Response) string {
	lines := make([]string, 0, len(resp.Results))
	for i, hit := range resp.Results {
		lines = append(lines, fmt.Sprintf("%d. [%s](%s)\n%s...", i+1, hit.Title, hit.URL, truncateRunes(hit.Content, snippetLimit)))
	}
	return fmt.Sprintf("Short answer for '%s': %s\n\nSearch Results:\n\n%s", query, resp.Answer, strings.Join(lines, "\n"))
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
