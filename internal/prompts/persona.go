package prompts

import (
	"github.com/pm-ju/anya-web-extension/internal/config"
	"github.com/pm-ju/anya-web-extension/internal/interfaces"
)

const (
	// PersonaTemplate is the name the system prompt is registered under
	PersonaTemplate = "anya_persona"

	noPageContext = "No page context available"
)

const defaultPersona = `You are Anya from Spy X Family. Be helpful and cheerful. Keep responses SHORT (2-3 sentences max).

CURRENT PAGE CONTEXT:
{{page_context}}

{{memory_context}}

If the user asks about past conversations or things they told you before, use the previous conversations above to answer accurately.`

// InitializeDefaultTemplates registers the built-in persona
func (e *TemplateEngine) InitializeDefaultTemplates() error {
	return e.RegisterTemplate(&Template{
		Name:        PersonaTemplate,
		Content:     defaultPersona,
		Description: "Cheerful assistant persona with page and memory context",
	})
}

// Builder assembles generation requests for one turn
type Builder struct {
	engine       *TemplateEngine
	contextLimit int
	historyLimit int
	maxTokens    int
	temperature  float64
}

// NewBuilder registers the default persona, or the one in
// pipeline.PersonaFile when set, and returns a builder using it
func NewBuilder(pipeline config.PipelineConfig, llm config.LLMConfig) (*Builder, error) {
	engine := NewTemplateEngine()
	if err := engine.InitializeDefaultTemplates(); err != nil {
		return nil, err
	}
	if pipeline.PersonaFile != "" {
		if err := engine.LoadTemplateFile(PersonaTemplate, pipeline.PersonaFile); err != nil {
			return nil, err
		}
	}

	return &Builder{
		engine:       engine,
		contextLimit: pipeline.PromptContextLimit,
		historyLimit: pipeline.PromptHistory,
		maxTokens:    llm.MaxTokens,
		temperature:  llm.Temperature,
	}, nil
}

// Build returns the request for userText: the persona with page and memory
// context as system prompt, then the most recent history, then the new
// utterance.
func (b *Builder) Build(pageContext, memoryContext string, history []interfaces.ChatMessage, userText string) (*interfaces.GenerateRequest, error) {
	page := truncateRunes(pageContext, b.contextLimit)
	if page == "" {
		page = noPageContext
	}

	system, err := b.engine.Render(PersonaTemplate, map[string]string{
		"page_context":   page,
		"memory_context": memoryContext,
	})
	if err != nil {
		return nil, err
	}

	if len(history) > b.historyLimit {
		history = history[len(history)-b.historyLimit:]
	}

	messages := make([]interfaces.ChatMessage, 0, len(history)+1)
	messages = append(messages, history...)
	messages = append(messages, interfaces.ChatMessage{Role: interfaces.RoleUser, Content: userText})

	return &interfaces.GenerateRequest{
		System:      system,
		Messages:    messages,
		MaxTokens:   b.maxTokens,
		Temperature: b.temperature,
	}, nil
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
