// Package actions recognizes the mimir action tags a model embeds in its
// reply and turns them into structured records.
package actions

import (
	"encoding/json"
	"regexp"
	"strings"
)

type Kind string

const (
	KindWrite         Kind = "write"
	KindChatSummary   Kind = "chatSummary"
	KindRename        Kind = "rename"
	KindDelete        Kind = "delete"
	KindAddDependency Kind = "addDependency"
)

type Write struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type ChatSummary struct {
	Summary string `json:"summary"`
}

type Rename struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason"`
}

type Delete struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

type Dependency struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	IsDev   bool   `json:"isDev"`
	Reason  string `json:"reason"`
}

// Set groups extracted actions by kind, each in document order.
type Set struct {
	Write         []Write       `json:"write"`
	ChatSummary   []ChatSummary `json:"chatSummary"`
	Rename        []Rename      `json:"rename"`
	Delete        []Delete      `json:"delete"`
	AddDependency []Dependency  `json:"addDependency"`
}

func (s Set) Len() int {
	return len(s.Write) + len(s.ChatSummary) + len(s.Rename) + len(s.Delete) + len(s.AddDependency)
}

func (s Set) Empty() bool { return s.Len() == 0 }

// FileOps reports whether s holds anything that touches the filesystem.
func (s Set) FileOps() bool {
	return len(s.Write)+len(s.Rename)+len(s.Delete) > 0
}

// MarshalJSON emits empty arrays rather than null for absent kinds.
func (s Set) MarshalJSON() ([]byte, error) {
	type plain Set
	p := plain(s)
	if p.Write == nil {
		p.Write = []Write{}
	}
	if p.ChatSummary == nil {
		p.ChatSummary = []ChatSummary{}
	}
	if p.Rename == nil {
		p.Rename = []Rename{}
	}
	if p.Delete == nil {
		p.Delete = []Delete{}
	}
	if p.AddDependency == nil {
		p.AddDependency = []Dependency{}
	}
	return json.Marshal(p)
}

type tag struct {
	kind     Kind
	open     string
	close    string
	attrs    bool
	required []string
}

var tags = []tag{
	{kind: KindWrite, open: "<mimir-write", close: "</mimir-write>", attrs: true, required: []string{"path"}},
	{kind: KindChatSummary, open: "<mimir-chat-summary>", close: "</mimir-chat-summary>"},
	{kind: KindRename, open: "<mimir-rename", close: "</mimir-rename>", attrs: true, required: []string{"from", "to"}},
	{kind: KindDelete, open: "<mimir-delete", close: "</mimir-delete>", attrs: true, required: []string{"path"}},
	{kind: KindAddDependency, open: "<mimir-add-dependency", close: "</mimir-add-dependency>", attrs: true, required: []string{"name", "version", "dev"}},
}

var attrRe = regexp.MustCompile(`([A-Za-z_][A-Za-z0-9_-]*)="([^"]*)"`)

// Extract scans text once from left to right. Each well-formed tag is
// replaced by its placeholder and recorded; the body runs to the first
// matching close tag, so an opener inside a body is plain body text. Tags
// that lack a required attribute or a close tag are kept verbatim.
func Extract(text string) (string, Set) {
	var out strings.Builder
	var set Set
	i := 0
	for i < len(text) {
		j := strings.Index(text[i:], "<mimir-")
		if j < 0 {
			break
		}
		out.WriteString(text[i : i+j])
		i += j

		end, ok := match(text, i, &set, &out)
		if !ok {
			out.WriteByte('<')
			i++
			continue
		}
		i = end
	}
	out.WriteString(text[i:])
	return out.String(), set
}

// match tries every tag kind at position i. On success it appends the
// placeholder to out and returns the index just past the close tag.
func match(text string, i int, set *Set, out *strings.Builder) (int, bool) {
	rest := text[i:]
	for _, t := range tags {
		if !strings.HasPrefix(rest, t.open) {
			continue
		}
		bodyStart := len(t.open)
		var attrs map[string]string
		if t.attrs {
			after := rest[len(t.open):]
			if after == "" || !(after[0] == '>' || isSpace(after[0])) {
				continue
			}
			gt := strings.IndexByte(after, '>')
			if gt < 0 {
				return 0, false
			}
			attrs = parseAttrs(after[:gt])
			for _, name := range t.required {
				if attrs[name] == "" {
					return 0, false
				}
			}
			bodyStart += gt + 1
		}
		closeAt := strings.Index(rest[bodyStart:], t.close)
		if closeAt < 0 {
			return 0, false
		}
		body := rest[bodyStart : bodyStart+closeAt]
		out.WriteString(record(t.kind, attrs, body, set))
		return i + bodyStart + closeAt + len(t.close), true
	}
	return 0, false
}

func record(kind Kind, attrs map[string]string, body string, set *Set) string {
	body = strings.TrimSpace(body)
	switch kind {
	case KindWrite:
		set.Write = append(set.Write, Write{Path: attrs["path"], Content: body})
		return "[Writing to " + attrs["path"] + "]"
	case KindChatSummary:
		set.ChatSummary = append(set.ChatSummary, ChatSummary{Summary: body})
		return "[Chat summary created]"
	case KindRename:
		set.Rename = append(set.Rename, Rename{From: attrs["from"], To: attrs["to"], Reason: body})
		return "[Renaming " + attrs["from"] + " to " + attrs["to"] + "]"
	case KindDelete:
		set.Delete = append(set.Delete, Delete{Path: attrs["path"], Reason: body})
		return "[Deleting " + attrs["path"] + "]"
	default:
		set.AddDependency = append(set.AddDependency, Dependency{
			Name:    attrs["name"],
			Version: attrs["version"],
			IsDev:   attrs["dev"] == "true",
			Reason:  body,
		})
		return "[Adding dependency " + attrs["name"] + "@" + attrs["version"] + "]"
	}
}

func parseAttrs(s string) map[string]string {
	out := map[string]string{}
	for _, m := range attrRe.FindAllStringSubmatch(s, -1) {
		if _, seen := out[m[1]]; !seen {
			out[m[1]] = m[2]
		}
	}
	return out
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}
