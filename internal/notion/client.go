// Package notion implements the external workspace sync: a minimal Notion
// REST client plus the search-or-create provisioning and push logic.
package notion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	defaultBaseURL    = "https://api.notion.com"
	defaultAPIVersion = "2022-06-28"
	defaultTimeout    = 20 * time.Second
)

// ErrInvalidToken is returned when the service rejects the credential.
var ErrInvalidToken = errors.New("notion token rejected")

// ClientOptions configures the REST client. Zero values fall back to
// defaults.
type ClientOptions struct {
	BaseURL    string
	APIVersion string
	HTTPClient *http.Client
	UserAgent  string
}

// Client is a minimal Notion REST client covering the calls the bot
// consumes: search, database creation, page creation, and identity lookup.
// Calls are not retried; failures surface to the caller for logging.
type Client struct {
	baseURL    string
	apiVersion string
	httpClient *http.Client
	userAgent  string
	logger     *slog.Logger
}

// NewClient creates a Notion REST client.
func NewClient(opts ClientOptions, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	apiVersion := strings.TrimSpace(opts.APIVersion)
	if apiVersion == "" {
		apiVersion = defaultAPIVersion
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{
		baseURL:    baseURL,
		apiVersion: apiVersion,
		httpClient: httpClient,
		userAgent:  strings.TrimSpace(opts.UserAgent),
		logger:     logger.With("component", "notion_client"),
	}
}

// Me fetches the identity behind a token, validating the credential.
func (c *Client) Me(ctx context.Context, token string) error {
	_, err := c.do(ctx, token, http.MethodGet, "/v1/users/me", nil)
	return err
}

// SearchByTitle looks up an object ("page" or "database") whose title
// matches exactly. Returns the object's id, or "" when nothing matches.
func (c *Client) SearchByTitle(ctx context.Context, token, objectType, title string) (string, error) {
	payload := map[string]any{
		"query": title,
		"filter": map[string]string{
			"property": "object",
			"value":    objectType,
		},
	}
	body, err := c.do(ctx, token, http.MethodPost, "/v1/search", payload)
	if err != nil {
		return "", err
	}

	var response struct {
		Results []searchResult `json:"results"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("failed to decode search response: %w", err)
	}

	for _, result := range response.Results {
		if result.titleText() == title {
			return result.ID, nil
		}
	}
	return "", nil
}

// CreateDatabase creates a database under the given parent page with the
// fixed link-record schema and returns its id.
func (c *Client) CreateDatabase(ctx context.Context, token, parentPageID, title string) (string, error) {
	payload := map[string]any{
		"parent": map[string]string{"page_id": parentPageID},
		"title": []map[string]any{
			{"type": "text", "text": map[string]string{"content": title}},
		},
		"properties": map[string]any{
			"title":    map[string]any{"type": "title", "title": map[string]any{}},
			"link":     map[string]any{"type": "url", "url": map[string]any{}},
			"category": map[string]any{"type": "rich_text", "rich_text": map[string]any{}},
			"source":   map[string]any{"type": "rich_text", "rich_text": map[string]any{}},
			"priority": map[string]any{"type": "number", "number": map[string]any{}},
		},
	}
	body, err := c.do(ctx, token, http.MethodPost, "/v1/databases", payload)
	if err != nil {
		return "", err
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &created); err != nil {
		return "", fmt.Errorf("failed to decode database create response: %w", err)
	}
	return created.ID, nil
}

// LinkRecord is one saved link as it appears in the external container.
type LinkRecord struct {
	Title    string
	URL      string
	Category string
	Source   string
	Priority int
}

// CreatePage creates one record for a saved link in the container.
func (c *Client) CreatePage(ctx context.Context, token, databaseID string, record LinkRecord) error {
	payload := map[string]any{
		"parent": map[string]string{"database_id": databaseID},
		"properties": map[string]any{
			"title": map[string]any{
				"title": []map[string]any{
					{"text": map[string]string{"content": record.Title}},
				},
			},
			"link": map[string]any{"url": record.URL},
			"category": map[string]any{
				"rich_text": []map[string]any{
					{"text": map[string]string{"content": record.Category}},
				},
			},
			"source": map[string]any{
				"rich_text": []map[string]any{
					{"text": map[string]string{"content": record.Source}},
				},
			},
			"priority": map[string]any{"number": record.Priority},
		},
	}
	_, err := c.do(ctx, token, http.MethodPost, "/v1/pages", payload)
	return err
}

func (c *Client) do(ctx context.Context, token, method, path string, payload any) ([]byte, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}

	var reqBody io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request payload: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Notion-Version", c.apiVersion)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	respBody, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return nil, readErr
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return respBody, nil
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, ErrInvalidToken
	}

	errCode := ""
	errMessage := strings.TrimSpace(string(respBody))
	var parsed map[string]any
	if json.Unmarshal(respBody, &parsed) == nil {
		if code, ok := parsed["code"].(string); ok {
			errCode = code
		}
		if message, ok := parsed["message"].(string); ok && strings.TrimSpace(message) != "" {
			errMessage = message
		}
	}
	if errCode != "" {
		return nil, fmt.Errorf("notion request failed: status=%d code=%s message=%s", resp.StatusCode, errCode, errMessage)
	}
	return nil, fmt.Errorf("notion request failed: status=%d message=%s", resp.StatusCode, errMessage)
}

type richText struct {
	Text struct {
		Content string `json:"content"`
	} `json:"text"`
}

type searchResult struct {
	Object     string     `json:"object"`
	ID         string     `json:"id"`
	Title      []richText `json:"title"`
	Properties map[string]struct {
		Title []richText `json:"title"`
	} `json:"properties"`
}

// titleText extracts the display title of a search hit. Databases carry it
// at the top level; pages carry it in the title property.
func (r searchResult) titleText() string {
	for _, t := range r.Title {
		if content := strings.TrimSpace(t.Text.Content); content != "" {
			return content
		}
	}
	for _, prop := range r.Properties {
		for _, t := range prop.Title {
			if content := strings.TrimSpace(t.Text.Content); content != "" {
				return content
			}
		}
	}
	return ""
}
