package escalation

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"warehouse-arbiter/pkg/arbiter"
	"warehouse-arbiter/pkg/utils"
)

// Summarizer renders a decision request into prose for the reviewer.
type Summarizer interface {
	Summarize(ctx context.Context, group *arbiter.ConflictGroup, res *arbiter.Resolution) (string, error)
}

// StaticSummarizer composes the summary deterministically from the
// resolution itself. It is the default and the fallback when the LLM
// path is unavailable.
type StaticSummarizer struct{}

func (StaticSummarizer) Summarize(_ context.Context, group *arbiter.ConflictGroup, res *arbiter.Resolution) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Conflict group %s in zone %s (%s, %d proposals, resources %s).\n",
		group.ID, group.ZoneID, group.Kind, len(group.Members), strings.Join(group.Resources, ", "))
	b.WriteString(res.Summary)
	return b.String(), nil
}

// LLMSummarizer asks a chat model for a short reviewer-facing summary of
// the conflict and the proposed resolution. Any failure falls back to
// the static summary; the decision flow never depends on the model.
type LLMSummarizer struct {
	client   *openai.Client
	model    string
	fallback Summarizer
	logger   *utils.Logger
}

// NewLLMSummarizer creates the LLM-backed summarizer. An empty model
// selects gpt-4o-mini.
func NewLLMSummarizer(apiKey, model string, verbose bool) *LLMSummarizer {
	if model == "" {
		model = openai.GPT4oMini
	}
	return &LLMSummarizer{
		client:   openai.NewClient(apiKey),
		model:    model,
		fallback: StaticSummarizer{},
		logger:   utils.NewLogger("summarizer", verbose),
	}
}

func (s *LLMSummarizer) Summarize(ctx context.Context, group *arbiter.ConflictGroup, res *arbiter.Resolution) (string, error) {
	static, _ := s.fallback.Summarize(ctx, group, res)

	prompt := fmt.Sprintf(
		"Summarize this warehouse resource conflict for the planner reviewing it. "+
			"Two to four sentences, plain language, keep proposal ids. "+
			"State what is contended, what the proposed resolution does, and what the reviewer must weigh.\n\n%s",
		static)

	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleUser,
				Content: prompt,
			},
		},
		Temperature: 0.2,
		MaxTokens:   300,
	})
	if err != nil {
		s.logger.Warning("chat completion failed, using static summary: %v", err)
		return static, nil
	}
	if len(resp.Choices) == 0 {
		return static, nil
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
