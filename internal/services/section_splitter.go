package services

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/Lllllllleong/markforge/internal/models"
)

type heading struct {
	title     string
	level     int
	lineStart int
	bodyStart int
}

// SplitSections splits Markdown into heading-delimited sections. Each
// section runs up to the next heading of any level. Text before the first
// heading becomes an untitled level 0 section.
func SplitSections(markdown string) []models.Section {
	src := []byte(markdown)
	root := goldmark.New().Parser().Parse(text.NewReader(src))

	var heads []heading
	_ = ast.Walk(root, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		h, ok := n.(*ast.Heading)
		if !ok {
			return ast.WalkContinue, nil
		}
		lines := h.Lines()
		if lines.Len() == 0 {
			return ast.WalkSkipChildren, nil
		}
		first, last := lines.At(0), lines.At(lines.Len()-1)
		heads = append(heads, heading{
			title:     headingTitle(h, src),
			level:     h.Level,
			lineStart: lineStart(src, first.Start),
			bodyStart: bodyStart(src, last.Stop),
		})
		return ast.WalkSkipChildren, nil
	})

	var sections []models.Section
	if len(heads) == 0 {
		if body := strings.TrimSpace(markdown); body != "" {
			sections = append(sections, models.Section{Content: body})
		}
		return sections
	}

	if pre := strings.TrimSpace(string(src[:heads[0].lineStart])); pre != "" {
		sections = append(sections, models.Section{Content: pre})
	}
	for i, h := range heads {
		end := len(src)
		if i+1 < len(heads) {
			end = heads[i+1].lineStart
		}
		body := ""
		if h.bodyStart < end {
			body = strings.TrimSpace(string(src[h.bodyStart:end]))
		}
		sections = append(sections, models.Section{Title: h.title, Level: h.level, Content: body})
	}
	return sections
}

// headingTitle collects the literal text under a heading, including text
// nested in emphasis or links.
func headingTitle(h *ast.Heading, src []byte) string {
	var sb strings.Builder
	_ = ast.Walk(h, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch t := n.(type) {
		case *ast.Text:
			sb.Write(t.Segment.Value(src))
			if t.SoftLineBreak() {
				sb.WriteByte(' ')
			}
		case *ast.String:
			sb.Write(t.Value)
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(sb.String())
}

func lineStart(src []byte, pos int) int {
	return bytes.LastIndexByte(src[:pos], '\n') + 1
}

// bodyStart returns the offset after the heading's last line, skipping a
// setext underline if one follows.
func bodyStart(src []byte, stop int) int {
	i := bytes.IndexByte(src[stop:], '\n')
	if i < 0 {
		return len(src)
	}
	next := stop + i + 1
	end := len(src)
	if i := bytes.IndexByte(src[next:], '\n'); i >= 0 {
		end = next + i
	}
	underline := strings.TrimSpace(string(src[next:end]))
	if underline != "" && isSetextCandidate(src, stop) &&
		(strings.Trim(underline, "=") == "" || strings.Trim(underline, "-") == "") {
		if end < len(src) {
			return end + 1
		}
		return len(src)
	}
	return next
}

// isSetextCandidate reports whether the line ending at stop is not an ATX
// heading, so a following dash line underlines it.
func isSetextCandidate(src []byte, stop int) bool {
	line := strings.TrimSpace(string(src[lineStart(src, stop):stop]))
	return !strings.HasPrefix(line, "#")
}

// sectionsJSON renders sections for the <stem>.sections.json sidecar.
func sectionsJSON(sections []models.Section) ([]byte, error) {
	return json.MarshalIndent(sections, "", "  ")
}
