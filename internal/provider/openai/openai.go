package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/praxisllmlab/tianjibatch/internal/config"
	"github.com/praxisllmlab/tianjibatch/internal/model"
	"github.com/praxisllmlab/tianjibatch/internal/provider"
)

const providerName = "openai"

// reserved keys cannot be overridden by APIConfig.Params.
var reserved = map[string]bool{"model": true, "messages": true, "stream": true}

// Provider calls any OpenAI-compatible /chat/completions endpoint.
type Provider struct {
	client *http.Client
}

// New creates a Provider. A nil client uses http.DefaultClient; deadlines
// come from the context passed to Invoke.
func New(client *http.Client) *Provider {
	if client == nil {
		client = http.DefaultClient
	}
	return &Provider{client: client}
}

var _ provider.Invoker = (*Provider)(nil)

// Invoke sends payload (a JSON array of chat messages) to api.
func (p *Provider) Invoke(ctx context.Context, payload json.RawMessage, api config.APIConfig) (*provider.Outcome, error) {
	req, err := p.TransformRequest(ctx, payload, api)
	if err != nil {
		return nil, &model.TianjiError{
			Message:  err.Error(),
			Type:     "invalid_request_error",
			Provider: providerName,
			Model:    api.Model,
			Class:    model.ClassClientError,
			Err:      model.ErrInvalidRequest,
		}
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, transportError(err, api)
	}
	return p.TransformResponse(resp, api)
}

func (p *Provider) TransformRequest(ctx context.Context, payload json.RawMessage, api config.APIConfig) (*http.Request, error) {
	body := map[string]any{
		"model":    api.Model,
		"messages": payload,
	}
	if api.MaxTokens != nil {
		body["max_tokens"] = *api.MaxTokens
	}
	if api.Temperature != nil {
		body["temperature"] = *api.Temperature
	}
	for k, v := range api.Params {
		if !reserved[k] {
			body[k] = v
		}
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, requestURL(api.APIBase), bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if api.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+api.APIKey)
	}
	return httpReq, nil
}

func (p *Provider) TransformResponse(resp *http.Response, api config.APIConfig) (*provider.Outcome, error) {
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, parseErrorResponse(resp, api)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(fmt.Errorf("read response: %w", err), api)
	}

	var result model.ModelResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, &model.TianjiError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("parse response: %v", err),
			Type:       "api_error",
			Provider:   providerName,
			Model:      api.Model,
			Class:      model.ClassServerError,
			Err:        model.ErrServiceUnavailable,
		}
	}

	return &provider.Outcome{
		Content: result.FirstContent(),
		Body:    body,
		Usage:   result.Usage,
	}, nil
}

func requestURL(base string) string {
	base = strings.TrimRight(base, "/")
	if strings.HasSuffix(base, "/chat/completions") {
		return base
	}
	return base + "/chat/completions"
}

func transportError(err error, api config.APIConfig) error {
	class := model.ClassifyError(err)
	sentinel := model.ErrTimeout
	if class != model.ClassTimeout {
		class = model.ClassNetworkError
		sentinel = model.ErrNetwork
	}
	return &model.TianjiError{
		Message:  err.Error(),
		Type:     string(class),
		Provider: providerName,
		Model:    api.Model,
		Class:    class,
		Err:      fmt.Errorf("%w: %w", sentinel, err),
	}
}

func parseErrorResponse(resp *http.Response, api config.APIConfig) error {
	body, _ := io.ReadAll(resp.Body)

	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}

	msg := string(body)
	errType := "api_error"
	if json.Unmarshal(body, &errResp) == nil && errResp.Error.Message != "" {
		msg = errResp.Error.Message
		if errResp.Error.Type != "" {
			errType = errResp.Error.Type
		}
	}

	return &model.TianjiError{
		StatusCode: resp.StatusCode,
		Message:    msg,
		Type:       errType,
		Provider:   providerName,
		Model:      api.Model,
		Class:      model.ClassForStatus(resp.StatusCode),
		Err:        model.MapHTTPStatusToError(resp.StatusCode),
	}
}
