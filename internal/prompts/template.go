package prompts

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/m-mizutani/goerr/v2"
)

var varRegex = regexp.MustCompile(`\{\{(\w+)\}\}`)

// TemplateEngine manages prompt templates
type TemplateEngine struct {
	templates map[string]*Template
	mu        sync.RWMutex
}

// Template represents a prompt template with {{variable}} placeholders
type Template struct {
	Name        string   `json:"name"`
	Content     string   `json:"content"`
	Variables   []string `json:"variables"`
	Description string   `json:"description"`
}

// NewTemplateEngine creates a new template engine
func NewTemplateEngine() *TemplateEngine {
	return &TemplateEngine{
		templates: make(map[string]*Template),
	}
}

// RegisterTemplate registers or replaces a template
func (e *TemplateEngine) RegisterTemplate(tmpl *Template) error {
	if tmpl.Name == "" {
		return goerr.New("template name is empty")
	}
	if len(tmpl.Variables) == 0 {
		tmpl.Variables = ParseTemplateVariables(tmpl.Content)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[tmpl.Name] = tmpl
	return nil
}

// GetTemplate retrieves a template by name
func (e *TemplateEngine) GetTemplate(name string) (*Template, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	tmpl, ok := e.templates[name]
	if !ok {
		return nil, goerr.New("template not found", goerr.V("name", name))
	}
	return tmpl, nil
}

// Render substitutes vars into the named template. Unknown placeholders are
// kept as written. A placeholder whose value is empty is dropped together
// with the blank lines around it.
func (e *TemplateEngine) Render(name string, vars map[string]string) (string, error) {
	tmpl, err := e.GetTemplate(name)
	if err != nil {
		return "", err
	}

	content := tmpl.Content
	for key, value := range vars {
		if value == "" {
			empty := regexp.MustCompile(`\n*\{\{` + regexp.QuoteMeta(key) + `\}\}\n*`)
			content = empty.ReplaceAllString(content, "\n\n")
		}
	}

	result := varRegex.ReplaceAllStringFunc(content, func(match string) string {
		varName := varRegex.FindStringSubmatch(match)[1]
		if value, ok := vars[varName]; ok {
			return value
		}
		return match
	})

	return strings.TrimSpace(result), nil
}

// ImportTemplate registers a template from its JSON form
func (e *TemplateEngine) ImportTemplate(jsonData []byte) (*Template, error) {
	var tmpl Template
	if err := json.Unmarshal(jsonData, &tmpl); err != nil {
		return nil, goerr.Wrap(err, "failed to unmarshal template")
	}

	tmpl.Variables = ParseTemplateVariables(tmpl.Content)

	if err := e.RegisterTemplate(&tmpl); err != nil {
		return nil, err
	}
	return &tmpl, nil
}

// LoadTemplateFile registers the file at path under name. A .json file is
// read as a Template document; anything else is the template text itself.
func (e *TemplateEngine) LoadTemplateFile(name, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return goerr.Wrap(err, "failed to read template file", goerr.V("path", path))
	}

	if strings.EqualFold(filepath.Ext(path), ".json") {
		tmpl, err := e.ImportTemplate(data)
		if err != nil {
			return goerr.Wrap(err, "invalid template file", goerr.V("path", path))
		}
		if tmpl.Name != name {
			tmpl.Name = name
			return e.RegisterTemplate(tmpl)
		}
		return nil
	}

	return e.RegisterTemplate(&Template{
		Name:        name,
		Content:     string(data),
		Description: "loaded from " + filepath.Base(path),
	})
}

// ParseTemplateVariables extracts variable names from template content
func ParseTemplateVariables(templateContent string) []string {
	matches := varRegex.FindAllStringSubmatch(templateContent, -1)

	uniqueVars := make(map[string]bool)
	for _, match := range matches {
		if len(match) > 1 {
			uniqueVars[match[1]] = true
		}
	}

	vars := make([]string, 0, len(uniqueVars))
	for v := range uniqueVars {
		vars = append(vars, v)
	}
	sort.Strings(vars)

	return vars
}
