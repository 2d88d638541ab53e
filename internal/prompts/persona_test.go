package prompts

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pm-ju/anya-web-extension/internal/config"
	"github.com/pm-ju/anya-web-extension/internal/interfaces"
)

func newTestBuilder(t *testing.T) *Builder {
	t.Helper()
	cfg := config.Default()
	b, err := NewBuilder(cfg.Pipeline, cfg.LLM)
	require.NoError(t, err)
	return b
}

func history(n int) []interfaces.ChatMessage {
	out := make([]interfaces.ChatMessage, 0, n)
	for i := 0; i < n; i++ {
		role := interfaces.RoleUser
		if i%2 == 1 {
			role = interfaces.RoleAssistant
		}
		out = append(out, interfaces.ChatMessage{Role: role, Content: fmt.Sprintf("turn %d", i)})
	}
	return out
}

func TestBuilder_Build(t *testing.T) {
	b := newTestBuilder(t)

	req, err := b.Build("Recipe: banana bread", "Previous relevant conversations:\nuser: I love baking", history(10), "what should I bake?")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(req.System, "You are Anya from Spy X Family."))
	assert.Contains(t, req.System, "CURRENT PAGE CONTEXT:\nRecipe: banana bread")
	assert.Contains(t, req.System, "Previous relevant conversations:\nuser: I love baking")
	assert.True(t, strings.HasSuffix(req.System, "use the previous conversations above to answer accurately."))

	require.Len(t, req.Messages, 7)
	assert.Equal(t, "turn 4", req.Messages[0].Content)
	assert.Equal(t, "turn 9", req.Messages[5].Content)
	assert.Equal(t, interfaces.ChatMessage{Role: interfaces.RoleUser, Content: "what should I bake?"}, req.Messages[6])

	assert.Equal(t, 150, req.MaxTokens)
	assert.Equal(t, 0.7, req.Temperature)
}

func TestBuilder_EmptyContexts(t *testing.T) {
	b := newTestBuilder(t)

	req, err := b.Build("", "", nil, "hi")
	require.NoError(t, err)

	assert.Contains(t, req.System, "CURRENT PAGE CONTEXT:\nNo page context available\n\nIf the user asks")
	assert.NotContains(t, req.System, "{{")
	assert.NotContains(t, req.System, "Previous relevant conversations")
	require.Len(t, req.Messages, 1)
}

func TestBuilder_PageContextLimited(t *testing.T) {
	b := newTestBuilder(t)

	page := strings.Repeat("x", 8000)
	req, err := b.Build(page, "", nil, "hi")
	require.NoError(t, err)

	assert.Contains(t, req.System, strings.Repeat("x", 2000))
	assert.NotContains(t, req.System, strings.Repeat("x", 2001))
}

func TestBuilder_PlaceholdersInValuesAreLiteral(t *testing.T) {
	b := newTestBuilder(t)

	req, err := b.Build("page mentions {{memory_context}}", "", nil, "hi")
	require.NoError(t, err)
	assert.Contains(t, req.System, "page mentions {{memory_context}}")
}

func TestBuilder_PersonaFile(t *testing.T) {
	dir := t.TempDir()
	textFile := filepath.Join(dir, "persona.txt")
	require.NoError(t, os.WriteFile(textFile, []byte("Be brief.\n{{page_context}}\n\n{{memory_context}}\n"), 0o644))

	cfg := config.Default()
	cfg.Pipeline.PersonaFile = textFile
	b, err := NewBuilder(cfg.Pipeline, cfg.LLM)
	require.NoError(t, err)

	req, err := b.Build("page", "memories", nil, "hi")
	require.NoError(t, err)
	assert.Equal(t, "Be brief.\npage\n\nmemories", req.System)
}

func TestTemplateEngine_ImportJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "persona.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"name":"other","content":"Hello {{name}}, {{name}}! {{page}}"}`), 0o644))

	e := NewTemplateEngine()
	require.NoError(t, e.LoadTemplateFile("greeting", path))

	tmpl, err := e.GetTemplate("greeting")
	require.NoError(t, err)
	assert.Equal(t, []string{"name", "page"}, tmpl.Variables)

	out, err := e.Render("greeting", map[string]string{"name": "Loid"})
	require.NoError(t, err)
	assert.Equal(t, "Hello Loid, Loid! {{page}}", out)
}

func TestTemplateEngine_Errors(t *testing.T) {
	e := NewTemplateEngine()

	_, err := e.Render("missing", nil)
	assert.Error(t, err)

	assert.Error(t, e.RegisterTemplate(&Template{}))
	assert.Error(t, e.LoadTemplateFile("x", filepath.Join(t.TempDir(), "nope.txt")))

	_, err = e.ImportTemplate([]byte("{not json"))
	assert.Error(t, err)
}
