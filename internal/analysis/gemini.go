package analysis

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"go.uber.org/zap"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"atlasvet/backend/internal/logger"
)

// ErrEmptyOutput is returned when the model produced no text.
var ErrEmptyOutput = errors.New("model returned no text")

// Generator produces text for a system instruction and user prompt.
type Generator interface {
	Generate(ctx context.Context, system, prompt string) (string, error)
}

type callFunc func(ctx context.Context, model, system, prompt string) (string, error)

// Gemini calls the Gemini API with a primary model, retrying once on the fallback model when the
// primary is over quota or not available.
type Gemini struct {
	client   *genai.Client
	primary  string
	fallback string
	call     callFunc
	log      *zap.Logger
}

// NewGemini connects to the Gemini API with apiKey.
func NewGemini(ctx context.Context, apiKey, primary, fallback string, log *zap.Logger) (*Gemini, error) {
	if apiKey == "" {
		return nil, errors.New("analysis: GEMINI_API_KEY is required")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("analysis: gemini client: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	g := &Gemini{client: client, primary: primary, fallback: fallback, log: log}
	g.call = g.generateWith
	return g, nil
}

// Close releases the client.
func (g *Gemini) Close() error {
	if g.client == nil {
		return nil
	}
	return g.client.Close()
}

// Generate implements Generator.
func (g *Gemini) Generate(ctx context.Context, system, prompt string) (string, error) {
	text, err := g.call(ctx, g.primary, system, prompt)
	if err == nil || g.fallback == "" || g.fallback == g.primary || !retryable(err) {
		return text, err
	}
	logger.OrNop(g.log).Warn("gemini primary model failed, trying fallback",
		zap.String("model", g.primary), zap.String("fallback", g.fallback), zap.Error(err))
	return g.call(ctx, g.fallback, system, prompt)
}

func (g *Gemini) generateWith(ctx context.Context, name, system, prompt string) (string, error) {
	model := g.client.GenerativeModel(name)
	model.SystemInstruction = genai.NewUserContent(genai.Text(system))
	model.SetTemperature(0.7)
	model.SetTopK(40)
	model.SetTopP(0.95)
	model.SetMaxOutputTokens(2048)
	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("gemini %s: %w", name, err)
	}
	return responseText(resp)
}

func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil {
		return "", ErrEmptyOutput
	}
	var sb strings.Builder
	for _, c := range resp.Candidates {
		if c == nil || c.Content == nil {
			continue
		}
		for _, part := range c.Content.Parts {
			if t, ok := part.(genai.Text); ok {
				sb.WriteString(string(t))
			}
		}
		if sb.Len() > 0 {
			break
		}
	}
	if strings.TrimSpace(sb.String()) == "" {
		return "", ErrEmptyOutput
	}
	return sb.String(), nil
}

// retryable reports quota and not-found failures from either the REST or the gRPC transport.
func retryable(err error) bool {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code == http.StatusTooManyRequests || gerr.Code == http.StatusNotFound
	}
	switch status.Code(err) {
	case codes.ResourceExhausted, codes.NotFound:
		return true
	}
	return false
}
