package runner

import (
	"context"
	"fmt"
	"strings"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/botmaster/botmaster/internal/common/logger"
)

const apiMaxTokens = 8192

// Pricing used for the estimated-cost counter, dollars per million tokens.
// Coarse on purpose: the broker treats cost as advisory.
const (
	inputCostPerMTok  = 3.0
	outputCostPerMTok = 15.0
)

// messagesClient is the slice of the SDK the runner needs. Satisfied by
// *sdk.MessageService; tests substitute a scripted implementation.
type messagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// APIRunner answers text-only bots directly through the Anthropic Messages
// API. No tool use. Transcripts are kept in memory per session id so a
// resumed invocation continues the conversation.
type APIRunner struct {
	messages     messagesClient
	defaultModel string
	logger       *logger.Logger

	mu       sync.Mutex
	sessions map[string][]sdk.MessageParam
}

// NewAPIRunner creates a runner backed by the Anthropic API.
func NewAPIRunner(apiKey, defaultModel string, log *logger.Logger) (*APIRunner, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("api key is required")
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return newAPIRunner(&client.Messages, defaultModel, log), nil
}

func newAPIRunner(messages messagesClient, defaultModel string, log *logger.Logger) *APIRunner {
	if log == nil {
		log = logger.Default()
	}
	return &APIRunner{
		messages:     messages,
		defaultModel: defaultModel,
		logger:       log.WithFields(zap.String("component", "api-runner")),
		sessions:     make(map[string][]sdk.MessageParam),
	}
}

// Run issues one Messages call and records the exchange in the session
// transcript.
func (r *APIRunner) Run(ctx context.Context, inv Invocation, emit EmitFunc) (*Result, error) {
	sessionID := inv.ResumeSessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	emit(Event{Kind: EventSession, SessionID: sessionID})

	r.mu.Lock()
	transcript := append([]sdk.MessageParam(nil), r.sessions[sessionID]...)
	r.mu.Unlock()
	transcript = append(transcript, sdk.NewUserMessage(sdk.NewTextBlock(inv.Prompt)))

	model := inv.Model
	if model == "" {
		model = r.defaultModel
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: apiMaxTokens,
		Messages:  transcript,
	}
	if inv.SystemPrompt != "" {
		params.System = []sdk.TextBlockParam{{Text: inv.SystemPrompt}}
	}

	msg, err := r.messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("messages call: %w", err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" && block.Text != "" {
			text.WriteString(block.Text)
		}
	}
	answer := text.String()
	if answer != "" {
		emit(Event{Kind: EventText, Text: answer})
	}

	transcript = append(transcript, sdk.NewAssistantMessage(sdk.NewTextBlock(answer)))
	r.mu.Lock()
	r.sessions[sessionID] = transcript
	r.mu.Unlock()

	in := msg.Usage.InputTokens
	out := msg.Usage.OutputTokens
	return &Result{
		Text:         answer,
		SessionID:    sessionID,
		NumTurns:     1,
		InputTokens:  in,
		OutputTokens: out,
		CostUSD:      float64(in)/1e6*inputCostPerMTok + float64(out)/1e6*outputCostPerMTok,
	}, nil
}

// ForgetSession drops a transcript, bounding memory for long-lived agents.
func (r *APIRunner) ForgetSession(sessionID string) {
	r.mu.Lock()
	delete(r.sessions, sessionID)
	r.mu.Unlock()
}
