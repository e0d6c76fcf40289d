// Package prompt keeps the named prompt templates and assembles the message
// sequence submitted to a provider.
package prompt

import (
	"embed"
	"fmt"
	"math"
	"os"
	"path"
	"regexp"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"mimir/internal/apperr"
	"mimir/internal/providers"
)

const (
	TemplateSystem          = "system"
	TemplateCodeGeneration  = "codeGeneration"
	TemplateBugFix          = "bugFix"
	TemplateCodeExplanation = "codeExplanation"

	// DefaultHistory is how many history entries CreatePrompt keeps when
	// Options.MaxHistory is zero.
	DefaultHistory = 5
)

var ErrUnknownTemplate = fmt.Errorf("%w: unknown prompt template", apperr.ErrConfiguration)

//go:embed templates/*.md
var builtin embed.FS

var placeholder = regexp.MustCompile(`\{[a-zA-Z0-9_]+\}`)

type Formatter struct {
	mu        sync.RWMutex
	templates map[string]string
}

// New returns a formatter preloaded with the built-in templates.
func New() *Formatter {
	f := &Formatter{templates: map[string]string{}}
	entries, err := builtin.ReadDir("templates")
	if err != nil {
		panic(fmt.Sprintf("prompt: read embedded templates: %v", err))
	}
	for _, e := range entries {
		b, err := builtin.ReadFile(path.Join("templates", e.Name()))
		if err != nil {
			panic(fmt.Sprintf("prompt: read %s: %v", e.Name(), err))
		}
		f.templates[strings.TrimSuffix(e.Name(), path.Ext(e.Name()))] = string(b)
	}
	return f
}

// Register adds or replaces a template.
func (f *Formatter) Register(name, text string) {
	f.mu.Lock()
	f.templates[name] = text
	f.mu.Unlock()
}

// LoadTemplateFile registers the contents of a file under name.
func (f *Formatter) LoadTemplateFile(file, name string) error {
	b, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("load template %s: %w", file, err)
	}
	f.Register(name, string(b))
	return nil
}

func (f *Formatter) Names() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.templates))
	for k := range f.templates {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// FormatTemplate replaces every {key} with its value in a single pass and
// drops placeholders without a value. Missing variables are not an error;
// placeholders inside substituted values are left as they are.
func (f *Formatter) FormatTemplate(name string, vars map[string]string) (string, error) {
	f.mu.RLock()
	text, ok := f.templates[name]
	f.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTemplate, name)
	}
	return placeholder.ReplaceAllStringFunc(text, func(m string) string {
		return vars[m[1:len(m)-1]]
	}), nil
}

type CodeContext struct {
	FileName string `json:"fileName,omitempty"`
	Path     string `json:"path,omitempty"`
	Language string `json:"language,omitempty"`
	Code     string `json:"code"`
}

type Options struct {
	TemplateName      string
	TemplateVariables map[string]string
	CodeContext       []CodeContext
	History           []providers.Message
	ProjectContext    string
	// MaxHistory bounds History: 0 keeps the last DefaultHistory entries,
	// a negative value keeps all of them.
	MaxHistory  int
	Temperature float64
	MaxTokens   int
}

type Prompt struct {
	Messages    []providers.Message `json:"messages"`
	Temperature float64             `json:"temperature"`
	MaxTokens   int                 `json:"maxTokens"`
}

// CreatePrompt builds [system, ...history, user]. Project and code context
// are prepended to the user query.
func (f *Formatter) CreatePrompt(query string, opts Options) (Prompt, error) {
	name := opts.TemplateName
	if name == "" {
		name = TemplateSystem
	}
	system, err := f.FormatTemplate(name, opts.TemplateVariables)
	if err != nil {
		return Prompt{}, err
	}

	msgs := []providers.Message{{Role: providers.RoleSystem, Content: system}}
	msgs = append(msgs, trimHistory(opts.History, opts.MaxHistory)...)

	var project string
	if opts.ProjectContext != "" {
		project = "\n# Project Context\n" + opts.ProjectContext + "\n"
	}
	user := project + "\n" + renderCodeContext(opts.CodeContext) + "\n" + query
	msgs = append(msgs, providers.Message{Role: providers.RoleUser, Content: user})

	p := Prompt{Messages: msgs, Temperature: opts.Temperature, MaxTokens: opts.MaxTokens}
	if p.Temperature <= 0 {
		p.Temperature = providers.DefaultTemperature
	}
	if p.MaxTokens <= 0 {
		p.MaxTokens = providers.DefaultMaxTokens
	}
	return p, nil
}

func trimHistory(h []providers.Message, max int) []providers.Message {
	switch {
	case max < 0:
		return h
	case max == 0:
		max = DefaultHistory
	}
	if len(h) <= max {
		return h
	}
	return h[len(h)-max:]
}

func renderCodeContext(items []CodeContext) string {
	if len(items) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("# Code Context\n\n")
	for _, c := range items {
		label := c.FileName
		if label == "" {
			label = c.Path
		}
		lang := c.Language
		if lang == "" {
			lang = "javascript"
		}
		fmt.Fprintf(&sb, "## File: %s\n\n```%s\n%s\n```\n\n", label, lang, c.Code)
	}
	return sb.String()
}

// EstimateTokens approximates the size of a message sequence at four
// characters per token.
func EstimateTokens(msgs []providers.Message) int {
	n := 0
	for _, m := range msgs {
		n += utf8.RuneCountInString(m.Content)
	}
	return int(math.Ceil(float64(n) / 4))
}
