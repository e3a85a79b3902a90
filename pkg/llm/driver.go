// Package llm drives streamed reply generation through the Gemini API,
// including one round of function calling against the tool registry.
package llm

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/UtkarshKm/ai-voice-agent/pkg/core"
	"github.com/UtkarshKm/ai-voice-agent/pkg/store"
	"github.com/UtkarshKm/ai-voice-agent/pkg/tools"
)

// DefaultModel is the model used when none is configured.
const DefaultModel = "gemini-2.0-flash"

// DefaultTimeout bounds a full generation, tool round included.
const DefaultTimeout = 30 * time.Second

// streamer abstracts the streaming generate call so tests can script
// model behavior without the network.
type streamer interface {
	generateStream(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error]
}

type genaiStreamer struct {
	client *genai.Client
}

func (g genaiStreamer) generateStream(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error] {
	return g.client.Models.GenerateContentStream(ctx, model, contents, config)
}

// Driver generates streamed assistant replies for a conversation.
type Driver struct {
	stream   streamer
	model    string
	registry *tools.Registry
	timeout  time.Duration
	logger   *slog.Logger
}

// Options configures a Driver.
type Options struct {
	// Model selects the Gemini model (default: DefaultModel).
	Model string
	// Timeout bounds one full generation (default: DefaultTimeout).
	Timeout time.Duration
	Logger  *slog.Logger
}

// NewDriver creates a driver backed by the Gemini API.
func NewDriver(ctx context.Context, apiKey string, registry *tools.Registry, opts Options) (*Driver, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("gemini api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return newDriver(genaiStreamer{client: client}, registry, opts), nil
}

func newDriver(s streamer, registry *tools.Registry, opts Options) *Driver {
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Driver{
		stream:   s,
		model:    opts.Model,
		registry: registry,
		timeout:  opts.Timeout,
		logger:   opts.Logger,
	}
}

// Result is a completed generation.
type Result struct {
	// Text is the full assistant reply.
	Text string
	// ToolTurns records any tool invocation made during the turn, in
	// order, ready to be appended to the session history.
	ToolTurns []store.Turn
}

// Generate streams a reply for the given history. Text fragments are sent
// on chunks as they arrive and the channel is closed before Generate
// returns, success or not.
//
// At most one tool round runs per turn: when the model requests a
// function, the tool executes and its response is fed back for a second,
// final stream. Tool failures are returned to the model as data so the
// conversation can recover in its own voice.
//
// The whole call is bounded by the configured timeout; hitting it yields
// a generation_timeout error.
func (d *Driver) Generate(ctx context.Context, systemPrompt string, history []store.Turn, chunks chan<- string) (*Result, error) {
	defer close(chunks)

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	config := &genai.GenerateContentConfig{}
	if systemPrompt != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: systemPrompt}},
		}
	}
	if decls := d.registry.Declarations(); len(decls) > 0 {
		config.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	contents := buildContents(history)

	result := &Result{}
	text, call, err := d.streamOnce(ctx, contents, config, chunks)
	if err != nil {
		return nil, d.classify(err)
	}
	result.Text = text
	if call == nil {
		return result, nil
	}

	d.logger.Debug("executing tool", "tool", call.Name)
	response, err := d.registry.Execute(ctx, call.Name, call.Args)
	if err != nil {
		if ctx.Err() != nil {
			return nil, d.classify(ctx.Err())
		}
		d.logger.Warn("tool execution failed", "tool", call.Name, "error", err)
		// The model hears about the failure and answers around it.
		response = map[string]any{"error": err.Error()}
	}
	result.ToolTurns = append(result.ToolTurns, store.ToolTurn(call.Name, response))

	contents = append(contents,
		&genai.Content{
			Role:  "model",
			Parts: []*genai.Part{{FunctionCall: call}},
		},
		&genai.Content{
			Role: "function",
			Parts: []*genai.Part{{FunctionResponse: &genai.FunctionResponse{
				Name:     call.Name,
				Response: response,
			}}},
		},
	)

	// Final stream; a further function call here is ignored.
	text, _, err = d.streamOnce(ctx, contents, config, chunks)
	if err != nil {
		return nil, d.classify(err)
	}
	result.Text += text
	return result, nil
}

// streamOnce runs one streaming generate call, forwarding text fragments
// and returning the first function call, if any.
func (d *Driver) streamOnce(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig, chunks chan<- string) (string, *genai.FunctionCall, error) {
	var full strings.Builder
	var call *genai.FunctionCall

	for resp, err := range d.stream.generateStream(ctx, d.model, contents, config) {
		if err != nil {
			return "", nil, err
		}
		if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
			continue
		}
		for _, part := range resp.Candidates[0].Content.Parts {
			if part.Text != "" {
				full.WriteString(part.Text)
				select {
				case chunks <- part.Text:
				case <-ctx.Done():
					return "", nil, ctx.Err()
				}
			}
			if part.FunctionCall != nil && call == nil {
				call = part.FunctionCall
			}
		}
	}
	return full.String(), call, nil
}

func (d *Driver) classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return core.NewGenerationTimeout("model did not respond in time")
	}
	return fmt.Errorf("%w: %s", core.NewGenerationError("generation failed"), err)
}

// buildContents maps stored turns onto Gemini content. Tool turns replay
// as function responses so the model keeps its grounding across turns.
func buildContents(history []store.Turn) []*genai.Content {
	contents := make([]*genai.Content, 0, len(history))
	for _, turn := range history {
		switch turn.Role {
		case store.RoleUser:
			contents = append(contents, &genai.Content{
				Role:  "user",
				Parts: []*genai.Part{{Text: turn.Text}},
			})
		case store.RoleModel:
			contents = append(contents, &genai.Content{
				Role:  "model",
				Parts: []*genai.Part{{Text: turn.Text}},
			})
		case store.RoleTool:
			contents = append(contents, &genai.Content{
				Role: "function",
				Parts: []*genai.Part{{FunctionResponse: &genai.FunctionResponse{
					Name:     turn.ToolName,
					Response: turn.ToolResult,
				}}},
			})
		}
	}
	return contents
}
