package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"

	"github.com/SoulEchoPlan/soul-echo-sub000/internal/config"
	"github.com/SoulEchoPlan/soul-echo-sub000/internal/logger"
	"github.com/SoulEchoPlan/soul-echo-sub000/internal/models"
)

const knowledgePreamble = "Reference material about the character. Use it when relevant and stay in character:"

// ChatService streams replies from one configured chat model.
type ChatService struct {
	chatModel model.BaseChatModel
	logger    *slog.Logger
}

// NewChatModel builds the eino chat model for provider.
func NewChatModel(ctx context.Context, provider string, provCfg config.ProviderConfig) (model.BaseChatModel, error) {
	if provCfg.APIKey == "" {
		return nil, fmt.Errorf("provider %s: api key not configured", provider)
	}
	var (
		chatModel model.BaseChatModel
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
		client, cerr := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey: provCfg.APIKey,
		})
		if cerr != nil {
			return nil, fmt.Errorf("new gemini client: %w", cerr)
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
			MaxTokens: 2000,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s chat model: %w", provider, err)
	}
	return chatModel, nil
}

func NewChatService(chatModel model.BaseChatModel) *ChatService {
	return &ChatService{
		chatModel: chatModel,
		logger:    logger.WithComponent("llm"),
	}
}

// ChatStream streams the reply for req, forwarding every non-empty delta to
// onChunk in order, and returns the full reply. An error from onChunk stops
// the stream and is returned as is.
func (s *ChatService) ChatStream(ctx context.Context, req models.ChatRequest, onChunk func(string) error) (string, error) {
	if s == nil || s.chatModel == nil {
		return "", errors.New("chat model not configured")
	}
	reader, err := s.chatModel.Stream(ctx, BuildMessages(req))
	if err != nil {
		return "", fmt.Errorf("generate ai stream failed: %w", err)
	}
	defer reader.Close()

	var full strings.Builder
	for {
		chunk, err := reader.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return full.String(), fmt.Errorf("receive ai stream: %w", err)
		}
		if chunk == nil || chunk.Content == "" {
			continue
		}
		full.WriteString(chunk.Content)
		if onChunk != nil {
			if err := onChunk(chunk.Content); err != nil {
				return full.String(), err
			}
		}
	}
	return full.String(), nil
}

// BuildMessages lays out persona, history, knowledge and user input in the
// order the model expects.
func BuildMessages(req models.ChatRequest) []*schema.Message {
	messages := make([]*schema.Message, 0, len(req.History)+3)
	if persona := strings.TrimSpace(req.PersonaPrompt); persona != "" {
		messages = append(messages, schema.SystemMessage(persona))
	}
	for _, msg := range req.History {
		var role schema.RoleType
		switch msg.Role {
		case models.RoleAssistant:
			role = schema.Assistant
		case models.RoleSystem:
			role = schema.System
		default:
			role = schema.User
		}
		messages = append(messages, &schema.Message{Role: role, Content: msg.Content})
	}
	if len(req.Knowledge) > 0 {
		var b strings.Builder
		b.WriteString(knowledgePreamble)
		for i, snippet := range req.Knowledge {
			fmt.Fprintf(&b, "\n[%d] %s", i+1, snippet)
		}
		messages = append(messages, schema.SystemMessage(b.String()))
	}
	messages = append(messages, schema.UserMessage(req.Input))
	return messages
}
