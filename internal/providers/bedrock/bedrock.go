// Package bedrock implements the providers.Adapter interface for AWS Bedrock
// via the Converse API with AWS SigV4 request signing.
//
// The credential supplies the access key, secret key, optional session token,
// region, and an optional region prefix ("us", "eu", …) that is prepended to
// the model id for cross-region inference profiles.
package bedrock

import (
	"bufio"
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/relaypoint/llm-gateway/internal/providers"
)

const (
	providerName = "bedrock"
	service      = "bedrock"
	algorithm    = "AWS4-HMAC-SHA256"
)

// Adapter translates normalized requests to Bedrock Converse calls.
type Adapter struct {
	endpointURL string // optional override for the base endpoint (testing)
	client      *http.Client
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithEndpointURL overrides the Bedrock endpoint base URL (e.g. for local
// mocks). When set, all API calls use this URL instead of the regional AWS
// endpoint.
func WithEndpointURL(u string) Option {
	return func(a *Adapter) { a.endpointURL = u }
}

// New creates the Bedrock adapter.
func New(opts ...Option) *Adapter {
	a := &Adapter{
		client: &http.Client{Timeout: providers.ProviderTimeout},
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Adapter) Name() string { return providerName }

func (a *Adapter) Check(req *providers.Request, caps providers.Capabilities) error {
	return providers.CheckCapabilities(providerName, req, caps)
}

// ─── Converse API types ───────────────────────────────────────────────────────

type converseRequest struct {
	Messages        []converseMessage `json:"messages"`
	System          []systemContent   `json:"system,omitempty"`
	InferenceConfig *inferenceConfig  `json:"inferenceConfig,omitempty"`
}

type converseMessage struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Text string `json:"text"`
}

type systemContent struct {
	Text string `json:"text"`
}

type inferenceConfig struct {
	MaxTokens     int      `json:"maxTokens,omitempty"`
	Temperature   *float64 `json:"temperature,omitempty"`
	TopP          *float64 `json:"topP,omitempty"`
	StopSequences []string `json:"stopSequences,omitempty"`
}

type converseResponse struct {
	Output     converseOutput `json:"output"`
	StopReason string         `json:"stopReason"`
	Usage      converseUsage  `json:"usage"`
}

type converseOutput struct {
	Message converseMessage `json:"message"`
}

type converseUsage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
	TotalTokens  int `json:"totalTokens"`
}

// ─── Request building ─────────────────────────────────────────────────────────

func buildConverseRequest(req *providers.Request) converseRequest {
	var systemTexts []systemContent
	msgs := make([]converseMessage, 0, len(req.Messages))

	for _, m := range req.Messages {
		text := providers.TextContent(m)
		switch strings.ToLower(m.Role) {
		case providers.RoleSystem, "developer":
			systemTexts = append(systemTexts, systemContent{Text: text})
		default:
			role := "user"
			if strings.ToLower(m.Role) == providers.RoleAssistant {
				role = "assistant"
			}
			msgs = append(msgs, converseMessage{
				Role:    role,
				Content: []contentBlock{{Text: text}},
			})
		}
	}

	cr := converseRequest{
		Messages: msgs,
		System:   systemTexts,
	}

	if req.MaxTokens > 0 || req.Temperature != nil || req.TopP != nil || len(req.Stop) > 0 {
		cr.InferenceConfig = &inferenceConfig{
			MaxTokens:     req.MaxTokens,
			Temperature:   req.Temperature,
			TopP:          req.TopP,
			StopSequences: req.Stop,
		}
	}

	return cr
}

// modelID applies the cross-region inference profile prefix when configured.
func modelID(req *providers.Request, cred providers.Credential) string {
	if cred.RegionPrefix == "" || strings.HasPrefix(req.Model, cred.RegionPrefix+".") {
		return req.Model
	}
	return cred.RegionPrefix + "." + req.Model
}

// ─── Non-streaming ────────────────────────────────────────────────────────────

func (a *Adapter) Complete(ctx context.Context, req *providers.Request, cred providers.Credential) (*providers.Response, error) {
	payload, err := json.Marshal(buildConverseRequest(req))
	if err != nil {
		return nil, fmt.Errorf("bedrock: marshal: %w", err)
	}

	endpoint := a.converseEndpoint(modelID(req, cred), cred, false)
	resp, err := a.send(ctx, endpoint, payload, cred)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, parseError(resp)
	}

	var cr converseResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, fmt.Errorf("bedrock: decode response: %w", err)
	}

	content := ""
	if len(cr.Output.Message.Content) > 0 {
		content = cr.Output.Message.Content[0].Text
	}

	return &providers.Response{
		ID:      req.RequestID,
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []providers.Choice{{
			Message:      providers.Message{Role: providers.RoleAssistant, Content: content},
			FinishReason: normalizeStopReason(cr.StopReason),
		}},
		Usage: providers.ClampUsage(providers.Usage{
			PromptTokens:     cr.Usage.InputTokens,
			CompletionTokens: cr.Usage.OutputTokens,
			TotalTokens:      cr.Usage.TotalTokens,
		}),
	}, nil
}

// ─── Streaming ────────────────────────────────────────────────────────────────

type streamEvent struct {
	ContentBlockDelta *struct {
		Delta struct {
			Text string `json:"text"`
		} `json:"delta"`
	} `json:"contentBlockDelta"`
	MessageStop *struct {
		StopReason string `json:"stopReason"`
	} `json:"messageStop"`
	Metadata *struct {
		Usage converseUsage `json:"usage"`
	} `json:"metadata"`
}

func (a *Adapter) Stream(ctx context.Context, req *providers.Request, cred providers.Credential) (<-chan providers.Frame, error) {
	payload, err := json.Marshal(buildConverseRequest(req))
	if err != nil {
		return nil, fmt.Errorf("bedrock: marshal: %w", err)
	}

	endpoint := a.converseEndpoint(modelID(req, cred), cred, true)
	resp, err := a.send(ctx, endpoint, payload, cred)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, parseError(resp)
	}

	ch := make(chan providers.Frame, 64)

	go func() {
		defer resp.Body.Close()
		defer close(ch)

		finish := providers.FinishStop
		var usage providers.Usage

		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

			var ev streamEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				continue
			}

			if ev.ContentBlockDelta != nil && ev.ContentBlockDelta.Delta.Text != "" {
				select {
				case ch <- providers.Frame{Type: providers.FrameDelta, Content: ev.ContentBlockDelta.Delta.Text}:
				case <-ctx.Done():
					return
				}
			}
			if ev.MessageStop != nil {
				finish = normalizeStopReason(ev.MessageStop.StopReason)
			}
			if ev.Metadata != nil {
				usage = providers.Usage{
					PromptTokens:     ev.Metadata.Usage.InputTokens,
					CompletionTokens: ev.Metadata.Usage.OutputTokens,
					TotalTokens:      ev.Metadata.Usage.TotalTokens,
				}
			}
		}

		if err := scanner.Err(); err != nil {
			ch <- providers.Frame{Type: providers.FrameError, Err: fmt.Errorf("bedrock: stream: %w", err)}
			return
		}

		u := providers.ClampUsage(usage)
		ch <- providers.Frame{Type: providers.FrameDone, FinishReason: finish, Usage: &u}
	}()

	return ch, nil
}

func (a *Adapter) send(ctx context.Context, endpoint string, payload []byte, cred providers.Credential) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("bedrock: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	if err := signRequest(httpReq, payload, cred); err != nil {
		return nil, fmt.Errorf("bedrock: sign: %w", err)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("bedrock: %w", err)
	}
	return resp, nil
}

// normalizeStopReason maps Converse stop reasons onto the canonical set.
func normalizeStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence", "":
		return providers.FinishStop
	case "tool_use":
		return providers.FinishToolCalls
	case "max_tokens":
		return providers.FinishLength
	case "content_filtered", "guardrail_intervened":
		return providers.FinishContentFilter
	default:
		return providers.FinishStop
	}
}

// ─── Endpoints ───────────────────────────────────────────────────────────────

func (a *Adapter) converseEndpoint(modelID string, cred providers.Credential, stream bool) string {
	op := "converse"
	if stream {
		op = "converse-stream"
	}
	if a.endpointURL != "" {
		return fmt.Sprintf("%s/model/%s/%s", strings.TrimRight(a.endpointURL, "/"), modelID, op)
	}
	return fmt.Sprintf(
		"https://bedrock-runtime.%s.amazonaws.com/model/%s/%s",
		cred.Region, modelID, op,
	)
}

// ─── AWS SigV4 signing ────────────────────────────────────────────────────────

func signRequest(req *http.Request, payload []byte, cred providers.Credential) error {
	now := time.Now().UTC()
	datestamp := now.Format("20060102")
	amzdate := now.Format("20060102T150405Z")

	req.Header.Set("X-Amz-Date", amzdate)

	payloadHash := sha256Hex(payload)

	host := req.URL.Host
	if host == "" {
		host = req.Host
	}
	req.Header.Set("Host", host)

	signedHeaders := "content-type;host;x-amz-date"
	canonicalHeaders := fmt.Sprintf(
		"content-type:%s\nhost:%s\nx-amz-date:%s\n",
		req.Header.Get("Content-Type"), host, amzdate,
	)
	if cred.AWSSessionToken != "" {
		req.Header.Set("X-Amz-Security-Token", cred.AWSSessionToken)
		signedHeaders = "content-type;host;x-amz-date;x-amz-security-token"
		canonicalHeaders = fmt.Sprintf(
			"content-type:%s\nhost:%s\nx-amz-date:%s\nx-amz-security-token:%s\n",
			req.Header.Get("Content-Type"), host, amzdate, cred.AWSSessionToken,
		)
	}

	canonicalURI := req.URL.Path
	if canonicalURI == "" {
		canonicalURI = "/"
	}

	canonicalRequest := strings.Join([]string{
		req.Method,
		canonicalURI,
		req.URL.RawQuery,
		canonicalHeaders,
		signedHeaders,
		payloadHash,
	}, "\n")

	credentialScope := fmt.Sprintf("%s/%s/%s/aws4_request", datestamp, cred.Region, service)

	stringToSign := strings.Join([]string{
		algorithm,
		amzdate,
		credentialScope,
		sha256Hex([]byte(canonicalRequest)),
	}, "\n")

	signingKey := deriveSigningKey(cred.AWSSecretKey, datestamp, cred.Region, service)
	signature := hex.EncodeToString(hmacSHA256(signingKey, stringToSign))

	req.Header.Set("Authorization", fmt.Sprintf(
		"%s Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		algorithm, cred.AWSAccessKey, credentialScope, signedHeaders, signature,
	))

	return nil
}

func deriveSigningKey(secretKey, date, region, svc string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+secretKey), date)
	kRegion := hmacSHA256(kDate, region)
	kService := hmacSHA256(kRegion, svc)
	return hmacSHA256(kService, "aws4_request")
}

func hmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// ─── Error handling ───────────────────────────────────────────────────────────

type bedrockError struct {
	Message string `json:"message"`
	Type    string `json:"__type"`
}

// ProviderError is a structured error returned by the Bedrock API.
type ProviderError = providers.Error

func parseError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var be bedrockError
	if json.Unmarshal(body, &be) == nil && be.Message != "" {
		return &providers.Error{Provider: providerName, Status: resp.StatusCode, Message: be.Message, Type: be.Type}
	}

	return &providers.Error{
		Provider: providerName,
		Status:   resp.StatusCode,
		Message:  fmt.Sprintf("unexpected status %d", resp.StatusCode),
	}
}
