// Package ai implements the AI proxy the mediation engine talks to, backed by
// a hosted chat model. Prompt construction lives entirely here; the engine
// treats requests and responses as opaque text.
package ai

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"

	"hwahaego/internal/config"
	"hwahaego/internal/mediation"
	"hwahaego/internal/models"
)

// mediatorInstruction is the fixed system prompt seeding every exchange. It
// is never user-authored and never shown in the UI transcript.
const mediatorInstruction = `당신은 학교 또래 갈등을 중재하는 전문 중재자입니다. 참여 학생: %s.
- 모든 참여자의 이야기를 공평하게 듣고, 감정을 인정해 주세요.
- 한 번에 한 명에게만 발언을 요청하세요.
- 해결을 강요하지 말고 학생들이 스스로 합의에 이르도록 도우세요.
- 모든 답변의 마지막 줄에 반드시 [다음 화자: 이름] 형식으로 다음 발언자를 표시하세요.`

const openingRequest = `중재를 시작합니다. 참여자 모두에게 인사하고 대화 규칙을 짧게 안내한 뒤, 먼저 이야기할 사람을 정해 주세요.`

const summaryInstruction = `당신은 또래 중재 기록을 정리하는 조력자입니다. 아래 대화를 바탕으로
무슨 갈등이 있었는지, 각자 어떤 입장이었는지, 어떤 약속이 오갔는지를
4문장 이내로 중립적으로 요약하세요. 요약만 출력하세요.`

// Service is the eino-backed Exchanger implementation.
type Service struct {
	chatModel model.ToolCallingChatModel
}

var _ mediation.Exchanger = (*Service)(nil)

// NewService builds the chat model for the configured provider.
func NewService(ctx context.Context, cfg *config.Config) (*Service, error) {
	provider := cfg.BasicConfig.Provider
	provCfg, ok := cfg.Providers[provider]
	if !ok {
		return nil, fmt.Errorf("provider %s not configured", provider)
	}

	var (
		chatModel model.ToolCallingChatModel
		err       error
	)
	switch provider {
	case "openai":
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: provCfg.BaseURL,
			Model:   provCfg.Model,
			APIKey:  provCfg.APIKey,
		})
	case "gemini":
		var client *genai.Client
		client, err = genai.NewClient(ctx, &genai.ClientConfig{
			APIKey: provCfg.APIKey,
		})
		if err != nil {
			return nil, fmt.Errorf("gemini client: %w", err)
		}
		chatModel, err = gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  provCfg.Model,
		})
	case "claude":
		var baseURLPtr *string
		if provCfg.BaseURL != "" {
			baseURLPtr = &provCfg.BaseURL
		}
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:    provCfg.APIKey,
			Model:     provCfg.Model,
			BaseURL:   baseURLPtr,
			MaxTokens: 3000,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s chat model: %w", provider, err)
	}
	return &Service{chatModel: chatModel}, nil
}

// Start runs the opening exchange from the fixed instruction.
func (s *Service) Start(ctx context.Context, roster models.Roster) (string, error) {
	messages := []*schema.Message{
		{Role: schema.System, Content: systemPrompt(roster)},
		{Role: schema.User, Content: openingRequest},
	}
	resp, err := s.chatModel.Generate(ctx, messages)
	if err != nil {
		return "", fmt.Errorf("generate opening: %w", err)
	}
	return resp.Content, nil
}

// Exchange runs one mid-conversation turn. The history already carries the
// current human turn as its last entry, with attribution.
func (s *Service) Exchange(ctx context.Context, roster models.Roster, speaker, text string, history []mediation.Turn) (string, error) {
	messages := make([]*schema.Message, 0, len(history)+1)
	messages = append(messages, &schema.Message{Role: schema.System, Content: systemPrompt(roster)})
	for _, turn := range history {
		switch turn.Role {
		case mediation.RoleAssistant:
			messages = append(messages, &schema.Message{Role: schema.Assistant, Content: turn.Text})
		default:
			messages = append(messages, &schema.Message{
				Role:    schema.User,
				Content: fmt.Sprintf("%s: %s", turn.Speaker, turn.Text),
			})
		}
	}
	resp, err := s.chatModel.Generate(ctx, messages)
	if err != nil {
		return "", fmt.Errorf("generate reply to %s: %w", speaker, err)
	}
	return resp.Content, nil
}

// Summarize produces the closing summary over the full transcript.
func (s *Service) Summarize(ctx context.Context, roster models.Roster, transcript []models.Message) (string, error) {
	var sb strings.Builder
	for _, msg := range transcript {
		if msg.Kind == models.KindHuman {
			fmt.Fprintf(&sb, "%s: %s\n", msg.Speaker, msg.Content)
		} else {
			fmt.Fprintf(&sb, "중재자: %s\n", msg.Content)
		}
	}
	messages := []*schema.Message{
		{Role: schema.System, Content: summaryInstruction},
		{Role: schema.User, Content: fmt.Sprintf("대화 기록:\n%s", sb.String())},
	}
	resp, err := s.chatModel.Generate(ctx, messages)
	if err != nil {
		return "", fmt.Errorf("generate summary: %w", err)
	}
	return resp.Content, nil
}

func systemPrompt(roster models.Roster) string {
	return fmt.Sprintf(mediatorInstruction, strings.Join(roster, ", "))
}
