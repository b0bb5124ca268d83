package aigateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

const (
	defaultOpenAIBaseURL = "https://api.openai.com/v1"
	defaultChatModel     = "gpt-4o-mini"
	defaultSearchModel   = "gpt-4o-mini-search-preview"
	defaultImageModel    = "dall-e-3"
	defaultVideoModel    = "sora-2"

	videoStatusCompleted = "completed"
	videoStatusFailed    = "failed"
)

var (
	errMissingAPIKey  = errors.New("openai: api key is required")
	errEmptyResponse  = errors.New("openai: empty response")
	errMissingImage   = errors.New("openai: image payload missing")
	errMissingVideoID = errors.New("openai: video job id missing")
)

// OpenAIConfig configures an OpenAI-compatible backend.
type OpenAIConfig struct {
	APIKey    string
	BaseURL   string
	ChatModel string
	// SearchModel answers grounded requests. It must be a model that searches the web
	// on every completion.
	SearchModel string
	ImageModel  string
	VideoModel  string
	HTTPClient  *http.Client
}

// OpenAIBackend implements Backend against an OpenAI-compatible API. Chat, image and
// structured calls use go-openai; video jobs use the /videos resource directly.
type OpenAIBackend struct {
	client      *openai.Client
	httpClient  *http.Client
	apiKey      string
	baseURL     string
	chatModel   string
	searchModel string
	imageModel  string
	videoModel  string
}

func NewOpenAIBackend(cfg OpenAIConfig) (*OpenAIBackend, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errMissingAPIKey
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 90 * time.Second}
	}

	clientConfig := openai.DefaultConfig(apiKey)
	clientConfig.BaseURL = baseURL
	clientConfig.HTTPClient = httpClient

	return &OpenAIBackend{
		client:      openai.NewClientWithConfig(clientConfig),
		httpClient:  httpClient,
		apiKey:      apiKey,
		baseURL:     baseURL,
		chatModel:   valueOrDefault(cfg.ChatModel, defaultChatModel),
		searchModel: valueOrDefault(cfg.SearchModel, defaultSearchModel),
		imageModel:  valueOrDefault(cfg.ImageModel, defaultImageModel),
		videoModel:  valueOrDefault(cfg.VideoModel, defaultVideoModel),
	}, nil
}

func (b *OpenAIBackend) GenerateText(ctx context.Context, prompt string, history []Turn, systemInstruction string) (string, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(history)+2)
	if strings.TrimSpace(systemInstruction) != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: systemInstruction})
	}
	for _, turn := range history {
		role := openai.ChatMessageRoleUser
		if turn.Role == RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: turn.Content})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: prompt})

	resp, err := b.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    b.chatModel,
		Messages: messages,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errEmptyResponse
	}
	return resp.Choices[0].Message.Content, nil
}

func (b *OpenAIBackend) GenerateImage(ctx context.Context, prompt string) ([]byte, error) {
	resp, err := b.client.CreateImage(ctx, openai.ImageRequest{
		Prompt:         prompt,
		Model:          b.imageModel,
		N:              1,
		Size:           openai.CreateImageSize1024x1024,
		ResponseFormat: openai.CreateImageResponseFormatB64JSON,
	})
	if err != nil {
		return nil, fmt.Errorf("image generation: %w", err)
	}
	if len(resp.Data) == 0 || resp.Data[0].B64JSON == "" {
		return nil, errMissingImage
	}
	decoded, err := base64.StdEncoding.DecodeString(resp.Data[0].B64JSON)
	if err != nil {
		return nil, fmt.Errorf("image decode: %w", err)
	}
	return decoded, nil
}

func (b *OpenAIBackend) GenerateStructured(ctx context.Context, prompt string, schemaHint string) ([]byte, error) {
	instruction := structuredInstruction(schemaHint)
	resp, err := b.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: b.chatModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: instruction},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0.2,
	})
	if err != nil {
		return nil, fmt.Errorf("structured completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errEmptyResponse
	}
	return []byte(resp.Choices[0].Message.Content), nil
}

// GenerateGroundedStructured runs on the search model. Search models reject
// response_format and temperature, so the JSON shape is requested in the instruction
// only and DecodeStructured strips any fence around the answer.
func (b *OpenAIBackend) GenerateGroundedStructured(ctx context.Context, prompt string, schemaHint string) ([]byte, error) {
	instruction := structuredInstruction(schemaHint) +
		" Search the web and only include resources you found in the search results."
	resp, err := b.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: b.searchModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: instruction},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("grounded completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errEmptyResponse
	}
	return []byte(resp.Choices[0].Message.Content), nil
}

func structuredInstruction(schemaHint string) string {
	instruction := "Respond only with a single JSON object."
	if strings.TrimSpace(schemaHint) != "" {
		instruction += " The object must match this shape: " + schemaHint
	}
	return instruction
}

type videoJobRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type videoJobResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (b *OpenAIBackend) StartLongRunningGeneration(ctx context.Context, prompt string) (OperationHandle, error) {
	body, err := json.Marshal(videoJobRequest{Model: b.videoModel, Prompt: prompt})
	if err != nil {
		return OperationHandle{}, err
	}
	job, err := b.doVideoRequest(ctx, http.MethodPost, b.baseURL+"/videos", body)
	if err != nil {
		return OperationHandle{}, fmt.Errorf("video start: %w", err)
	}
	return b.handleFromJob(job)
}

func (b *OpenAIBackend) PollOperation(ctx context.Context, handle OperationHandle) (OperationHandle, error) {
	if strings.TrimSpace(handle.ID) == "" {
		return handle, errMissingVideoID
	}
	job, err := b.doVideoRequest(ctx, http.MethodGet, b.baseURL+"/videos/"+url.PathEscape(handle.ID), nil)
	if err != nil {
		return handle, fmt.Errorf("video poll: %w", err)
	}
	return b.handleFromJob(job)
}

func (b *OpenAIBackend) handleFromJob(job videoJobResponse) (OperationHandle, error) {
	if job.ID == "" {
		return OperationHandle{}, errMissingVideoID
	}
	handle := OperationHandle{ID: job.ID}
	switch job.Status {
	case videoStatusCompleted:
		// the content endpoint needs the api key; callers go through OpenOperationResult
		handle.Done = true
	case videoStatusFailed:
		handle.Done = true
		handle.Error = "generation failed"
		if job.Error != nil && job.Error.Message != "" {
			handle.Error = job.Error.Message
		}
	}
	return handle, nil
}

func (b *OpenAIBackend) OpenOperationResult(ctx context.Context, handle OperationHandle) (OperationContent, error) {
	if strings.TrimSpace(handle.ID) == "" {
		return OperationContent{}, errMissingVideoID
	}
	resp, err := b.sendVideoRequest(ctx, http.MethodGet, b.baseURL+"/videos/"+url.PathEscape(handle.ID)+"/content", nil)
	if err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
			return OperationContent{}, fmt.Errorf("video content: %w", ErrResultNotReady)
		}
		return OperationContent{}, fmt.Errorf("video content: %w", err)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "video/mp4"
	}
	return OperationContent{Body: resp.Body, ContentType: contentType}, nil
}

// sendVideoRequest returns the response of a successful call; the caller closes its body.
func (b *OpenAIBackend) sendVideoRequest(ctx context.Context, method, endpoint string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+b.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		msg := strings.TrimSpace(string(raw))
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, &StatusError{StatusCode: resp.StatusCode, Message: msg}
	}
	return resp, nil
}

func (b *OpenAIBackend) doVideoRequest(ctx context.Context, method, endpoint string, body []byte) (videoJobResponse, error) {
	resp, err := b.sendVideoRequest(ctx, method, endpoint, body)
	if err != nil {
		return videoJobResponse{}, err
	}
	defer resp.Body.Close()

	var decoded videoJobResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return videoJobResponse{}, err
	}
	return decoded, nil
}

func valueOrDefault(value, fallback string) string {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		return trimmed
	}
	return fallback
}
