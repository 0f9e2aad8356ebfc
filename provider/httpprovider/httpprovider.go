package httpprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/zlnvch/cosketch/provider"
)

// Credentials select how requests to the provider are authorized. A client id
// and token URL use the OAuth2 client credentials flow; otherwise APIKey is
// sent as a static bearer token. All empty means no auth.
type Credentials struct {
	APIKey       string
	ClientId     string
	ClientSecret string
	TokenURL     string
}

// HTTPProvider talks to a prediction-style JSON API:
//
//	POST {base}/jobs        body: job input        -> {"id": "..."}
//	GET  {base}/jobs/{id}                          -> {"status": "...", "output": ..., "error": "..."}
type HTTPProvider struct {
	baseURL string
	client  *http.Client
}

const requestTimeout = 30 * time.Second

func NewHTTPProvider(ctx context.Context, baseURL string, creds Credentials) *HTTPProvider {
	var client *http.Client
	switch {
	case creds.ClientId != "" && creds.TokenURL != "":
		cc := &clientcredentials.Config{
			ClientID:     creds.ClientId,
			ClientSecret: creds.ClientSecret,
			TokenURL:     creds.TokenURL,
		}
		client = cc.Client(ctx)
	case creds.APIKey != "":
		client = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
			AccessToken: creds.APIKey,
			TokenType:   "Bearer",
		}))
	default:
		client = &http.Client{}
	}
	client.Timeout = requestTimeout

	return &HTTPProvider{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  client,
	}
}

type submitResponse struct {
	Id string `json:"id"`
}

type pollResponse struct {
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  json.RawMessage `json:"error"`
}

func (p *HTTPProvider) Submit(ctx context.Context, input json.RawMessage) (string, error) {
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}

	var resp submitResponse
	if err := p.do(ctx, http.MethodPost, p.baseURL+"/jobs", input, &resp); err != nil {
		return "", err
	}
	if resp.Id == "" {
		return "", fmt.Errorf("provider returned no job id")
	}
	return resp.Id, nil
}

func (p *HTTPProvider) Poll(ctx context.Context, providerJobId string) (provider.PollResult, error) {
	var resp pollResponse
	if err := p.do(ctx, http.MethodGet, p.baseURL+"/jobs/"+url.PathEscape(providerJobId), nil, &resp); err != nil {
		return provider.PollResult{}, err
	}

	status, ok := normalizeStatus(resp.Status)
	if !ok {
		return provider.PollResult{}, fmt.Errorf("provider returned unknown status %q", resp.Status)
	}

	return provider.PollResult{
		Status: status,
		Output: resp.Output,
		Error:  errorText(resp.Error),
	}, nil
}

func (p *HTTPProvider) do(ctx context.Context, method string, target string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return fmt.Errorf("provider %s %s: status %d: %s", method, target, res.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode provider response: %w", err)
	}
	return nil
}

func normalizeStatus(s string) (provider.Status, bool) {
	switch strings.ToLower(s) {
	case "starting", "queued", "pending", "processing", "running", "in_progress":
		return provider.StatusRunning, true
	case "succeeded", "success", "completed", "done":
		return provider.StatusSucceeded, true
	case "failed", "error", "canceled", "cancelled":
		return provider.StatusFailed, true
	}
	return "", false
}

// Providers report errors either as a string or as an object
func errorText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
