package actions

import (
	"fmt"
	"regexp"
	"strings"
)

type CodeBlock struct {
	Language string `json:"language"`
	Code     string `json:"code"`
}

var fenceRe = regexp.MustCompile("```([a-zA-Z0-9_]+)?\n([\\s\\S]+?)\n```")

// ExtractCodeBlocks returns fenced blocks in document order. Blocks without
// a language tag are reported as "text".
func ExtractCodeBlocks(text string) []CodeBlock {
	var out []CodeBlock
	for _, m := range fenceRe.FindAllStringSubmatch(text, -1) {
		lang := m[1]
		if lang == "" {
			lang = "text"
		}
		out = append(out, CodeBlock{Language: lang, Code: strings.TrimSpace(m[2])})
	}
	return out
}

type Validation struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
}

var bracketed = map[string]bool{
	"javascript": true, "js": true,
	"typescript": true, "ts": true,
	"go": true, "golang": true,
}

var pairs = map[rune]rune{'{': '}', '(': ')', '[': ']'}

// ValidateCode runs a bracket balance check for brace languages. Other
// languages are reported valid.
func ValidateCode(code, language string) Validation {
	if !bracketed[strings.ToLower(language)] {
		return Validation{Valid: true, Errors: []string{}}
	}
	errs := []string{}
	var stack []rune
	pos := 0
	for _, r := range code {
		switch r {
		case '{', '(', '[':
			stack = append(stack, r)
		case '}', ')', ']':
			if len(stack) == 0 {
				errs = append(errs, fmt.Sprintf("Mismatched bracket at position %d: expected none, got %c", pos, r))
				break
			}
			last := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if pairs[last] != r {
				errs = append(errs, fmt.Sprintf("Mismatched bracket at position %d: expected %c, got %c", pos, pairs[last], r))
			}
		}
		pos++
	}
	if len(stack) > 0 {
		closers := make([]string, 0, len(stack))
		for _, r := range stack {
			closers = append(closers, string(pairs[r]))
		}
		errs = append(errs, "Unclosed brackets: "+strings.Join(closers, ", "))
	}
	return Validation{Valid: len(errs) == 0, Errors: errs}
}
