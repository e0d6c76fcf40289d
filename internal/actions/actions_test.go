package actions

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestExtractWriteScenario(t *testing.T) {
	cleaned, set := Extract(`<mimir-write path="src/a.js">console.log(1)</mimir-write>Done.`)
	if cleaned != "[Writing to src/a.js]Done." {
		t.Fatalf("unexpected cleaned text %q", cleaned)
	}
	if len(set.Write) != 1 || set.Write[0] != (Write{Path: "src/a.js", Content: "console.log(1)"}) {
		t.Fatalf("unexpected write actions %+v", set.Write)
	}
}

func TestExtractOneOfEachInOrder(t *testing.T) {
	in := strings.Join([]string{
		"Intro.",
		`<mimir-write path="a.go">
package a
</mimir-write>`,
		"<mimir-chat-summary>  talked about a  </mimir-chat-summary>",
		`<mimir-rename from="x.js" to="y.js">clearer name</mimir-rename>`,
		`<mimir-delete path="old.txt">unused</mimir-delete>`,
		`<mimir-add-dependency name="lodash" version="^4.17.21" dev="false">utils</mimir-add-dependency>`,
		"Outro.",
	}, "\n")

	cleaned, set := Extract(in)
	want := strings.Join([]string{
		"Intro.",
		"[Writing to a.go]",
		"[Chat summary created]",
		"[Renaming x.js to y.js]",
		"[Deleting old.txt]",
		"[Adding dependency lodash@^4.17.21]",
		"Outro.",
	}, "\n")
	if cleaned != want {
		t.Fatalf("unexpected cleaned text:\n%s", cleaned)
	}
	if set.Len() != 5 {
		t.Fatalf("expected 5 actions, got %d", set.Len())
	}
	if set.Write[0].Content != "package a" {
		t.Fatalf("write content not trimmed: %q", set.Write[0].Content)
	}
	if set.ChatSummary[0].Summary != "talked about a" {
		t.Fatalf("summary not trimmed: %q", set.ChatSummary[0].Summary)
	}
	if set.Rename[0] != (Rename{From: "x.js", To: "y.js", Reason: "clearer name"}) {
		t.Fatalf("unexpected rename %+v", set.Rename[0])
	}
	if set.Delete[0] != (Delete{Path: "old.txt", Reason: "unused"}) {
		t.Fatalf("unexpected delete %+v", set.Delete[0])
	}
	if d := set.AddDependency[0]; d.Name != "lodash" || d.Version != "^4.17.21" || d.IsDev || d.Reason != "utils" {
		t.Fatalf("unexpected dependency %+v", d)
	}
}

func TestExtractManyOccurrencesNonGreedy(t *testing.T) {
	in := `<mimir-write path="a">1</mimir-write> and <mimir-write path="b">2</mimir-write>`
	cleaned, set := Extract(in)
	if cleaned != "[Writing to a] and [Writing to b]" {
		t.Fatalf("unexpected cleaned %q", cleaned)
	}
	if len(set.Write) != 2 || set.Write[1].Path != "b" || set.Write[1].Content != "2" {
		t.Fatalf("unexpected writes %+v", set.Write)
	}
}

func TestExtractLeavesMalformedTagsVerbatim(t *testing.T) {
	cases := []string{
		`<mimir-write>no path</mimir-write>`,
		`<mimir-write path="a.js">never closed`,
		`<mimir-rename from="a">missing to</mimir-rename>`,
		`<mimir-add-dependency name="x" version="1">no dev flag</mimir-add-dependency>`,
		`<mimir-writer path="a">not our tag</mimir-writer>`,
		`<mimir-chat-summary>open only`,
	}
	for _, in := range cases {
		cleaned, set := Extract(in)
		if cleaned != in || !set.Empty() {
			t.Fatalf("expected %q untouched, got %q with %+v", in, cleaned, set)
		}
	}
}

func TestExtractMalformedDoesNotHideLaterTags(t *testing.T) {
	in := `<mimir-write>bad</mimir-write> <mimir-delete path="d">gone</mimir-delete>`
	cleaned, set := Extract(in)
	if cleaned != `<mimir-write>bad</mimir-write> [Deleting d]` {
		t.Fatalf("unexpected cleaned %q", cleaned)
	}
	if len(set.Delete) != 1 || len(set.Write) != 0 {
		t.Fatalf("unexpected set %+v", set)
	}
}

func TestExtractNestedOpenerIsBodyText(t *testing.T) {
	in := `<mimir-write path="notes.md">see <mimir-delete path="x">y</mimir-delete></mimir-write>`
	cleaned, set := Extract(in)
	if len(set.Write) != 1 || len(set.Delete) != 0 {
		t.Fatalf("outer tag should win, got %+v", set)
	}
	if set.Write[0].Content != `see <mimir-delete path="x">y</mimir-delete>` {
		t.Fatalf("unexpected body %q", set.Write[0].Content)
	}
	if cleaned != "[Writing to notes.md]" {
		t.Fatalf("unexpected cleaned %q", cleaned)
	}
}

func TestExtractDevFlagAndAttributeOrder(t *testing.T) {
	_, set := Extract(`<mimir-add-dependency dev="true" version="2.0.0" name="vitest">tests</mimir-add-dependency>`)
	if len(set.AddDependency) != 1 || !set.AddDependency[0].IsDev || set.AddDependency[0].Name != "vitest" {
		t.Fatalf("unexpected dependency %+v", set.AddDependency)
	}
}

func TestSetMarshalsEmptyKindsAsArrays(t *testing.T) {
	b, err := json.Marshal(Set{})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `{"write":[],"chatSummary":[],"rename":[],"delete":[],"addDependency":[]}` {
		t.Fatalf("unexpected json %s", b)
	}
}

func TestExtractCodeBlocks(t *testing.T) {
	got := ExtractCodeBlocks("text\n```js\nconst x=1;\n```\nmore")
	if len(got) != 1 || got[0] != (CodeBlock{Language: "js", Code: "const x=1;"}) {
		t.Fatalf("unexpected blocks %+v", got)
	}

	got = ExtractCodeBlocks("```\nplain\n```\n\n```go\nfunc f() {}\n```")
	if len(got) != 2 || got[0].Language != "text" || got[1].Language != "go" {
		t.Fatalf("unexpected blocks %+v", got)
	}
	if ExtractCodeBlocks("no fences here") != nil {
		t.Fatalf("expected no blocks")
	}
}

func TestValidateCode(t *testing.T) {
	if v := ValidateCode("function f() { return [1, (2)]; }", "javascript"); !v.Valid {
		t.Fatalf("expected valid, got %+v", v)
	}
	v := ValidateCode("func f() { x := []int{1, 2}", "go")
	if v.Valid || len(v.Errors) != 1 || v.Errors[0] != "Unclosed brackets: }" {
		t.Fatalf("expected unclosed brace, got %+v", v)
	}
	v = ValidateCode("f(]", "ts")
	if v.Valid || !strings.Contains(v.Errors[0], "expected ), got ]") {
		t.Fatalf("expected mismatch, got %+v", v)
	}
	if v := ValidateCode("def f(:", "python"); !v.Valid {
		t.Fatalf("unchecked languages are valid")
	}
}
