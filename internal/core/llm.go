package core

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/pathlens/caseserver/internal/config"
)

const defaultChatModelName = "gemini-1.5-flash-latest"

// LLMService is the Gemini-backed ModelClient.
type LLMService struct {
	client *genai.Client
}

func NewLLMService() *LLMService {
	ctx := context.Background()
	client, err := genai.NewClient(ctx, option.WithAPIKey(config.AppConfig.GeminiAPIKey))
	if err != nil {
		log.Fatalf("Failed to create GenAI client: %v", err)
	}

	return &LLMService{client: client}
}

func (s *LLMService) Close() {
	if s.client != nil {
		if err := s.client.Close(); err != nil {
			log.Printf("Error closing GenAI client: %v", err)
		} else {
			log.Println("GenAI client closed.")
		}
	}
}

// Complete sends the assembled message list as a chat session: system
// messages become the system instruction, prior turns become the session
// history, and the final user message is sent live.
func (s *LLMService) Complete(ctx context.Context, messages []Message, maxTokens int32) (string, error) {
	model := s.client.GenerativeModel(defaultChatModelName)

	var systemParts []string
	var contents []*genai.Content
	for _, msg := range messages {
		if msg.Role == RoleSystem {
			for _, b := range msg.Blocks {
				if !b.IsImage() {
					systemParts = append(systemParts, b.Text)
				}
			}
			continue
		}
		contents = append(contents, toGenaiContent(msg))
	}
	if len(systemParts) > 0 {
		model.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(strings.Join(systemParts, "\n\n"))},
		}
	}
	if maxTokens > 0 {
		model.GenerationConfig = genai.GenerationConfig{MaxOutputTokens: &maxTokens}
	}

	if len(contents) == 0 {
		return "", fmt.Errorf("message list is empty for chat completion")
	}
	last := contents[len(contents)-1]
	if last.Role != "user" {
		return "", fmt.Errorf("last message in list is not from 'user', cannot proceed with chat completion")
	}

	chatSession := model.StartChat()
	chatSession.History = contents[:len(contents)-1]

	resp, err := chatSession.SendMessage(ctx, last.Parts...)
	if err != nil {
		return "", fmt.Errorf("gemini chat SendMessage failed: %w", err)
	}

	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		log.Println("Gemini response was empty or had no valid candidates/parts.")
		return "I'm sorry, I couldn't generate a response at this time. Please try again.", nil
	}

	var responseText strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			responseText.WriteString(string(txt))
		} else {
			log.Printf("Gemini response part was not text: %T", part)
		}
	}

	if responseText.Len() == 0 {
		log.Println("Gemini response part was not text or was empty after processing.")
		return "I received an empty or non-text response, please try rephrasing your question.", nil
	}

	return responseText.String(), nil
}

func toGenaiContent(msg Message) *genai.Content {
	content := &genai.Content{Role: string(msg.Role)}
	for _, b := range msg.Blocks {
		if b.IsImage() {
			content.Parts = append(content.Parts, genai.ImageData(b.MIME, b.Data))
		} else {
			content.Parts = append(content.Parts, genai.Text(b.Text))
		}
	}
	return content
}
