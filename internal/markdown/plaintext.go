// ABOUTME: Converts model-generated markdown to plain text suitable for SMS and WhatsApp
// ABOUTME: Walks the goldmark AST, keeping text, list markers, code and link targets

package markdown

import (
	"strconv"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

var parser = goldmark.New().Parser()

// ToPlainText renders markdown as plain text. Emphasis and heading markers are
// dropped, list items keep a "- " or "N. " prefix, links become "text (url)"
// and raw HTML is removed.
func ToPlainText(src string) string {
	source := []byte(src)
	doc := parser.Parse(text.NewReader(source))

	var b strings.Builder
	linkStarts := []int{}

	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		switch node := n.(type) {
		case *ast.Text:
			if entering {
				b.Write(node.Segment.Value(source))
				if node.SoftLineBreak() || node.HardLineBreak() {
					b.WriteByte('\n')
				}
			}
		case *ast.String:
			if entering {
				b.Write(node.Value)
			}
		case *ast.AutoLink:
			if entering {
				b.Write(node.URL(source))
			}
			return ast.WalkSkipChildren, nil
		case *ast.Link, *ast.Image:
			if entering {
				linkStarts = append(linkStarts, b.Len())
				break
			}
			start := linkStarts[len(linkStarts)-1]
			linkStarts = linkStarts[:len(linkStarts)-1]
			dest := destination(node)
			if dest != "" && b.String()[start:] != dest {
				b.WriteString(" (" + dest + ")")
			}
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			if entering {
				lines := n.Lines()
				for i := 0; i < lines.Len(); i++ {
					seg := lines.At(i)
					b.Write(seg.Value(source))
				}
				b.WriteString("\n\n")
			}
			return ast.WalkSkipChildren, nil
		case *ast.HTMLBlock, *ast.RawHTML:
			return ast.WalkSkipChildren, nil
		case *ast.ListItem:
			if entering {
				b.WriteString(listMarker(node))
			} else {
				b.WriteByte('\n')
			}
		case *ast.List:
			if !entering {
				b.WriteByte('\n')
			}
		case *ast.Paragraph, *ast.Heading, *ast.ThematicBreak:
			if !entering {
				b.WriteString("\n\n")
			}
		}
		return ast.WalkContinue, nil
	})

	return tidy(b.String())
}

func destination(n ast.Node) string {
	switch node := n.(type) {
	case *ast.Link:
		return string(node.Destination)
	case *ast.Image:
		return string(node.Destination)
	}
	return ""
}

func listMarker(item *ast.ListItem) string {
	list, ok := item.Parent().(*ast.List)
	if !ok || !list.IsOrdered() {
		return "- "
	}
	n := list.Start
	for c := list.FirstChild(); c != nil && c != ast.Node(item); c = c.NextSibling() {
		n++
	}
	return strconv.Itoa(n) + ". "
}

// tidy trims trailing spaces on each line and collapses runs of blank lines.
func tidy(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	blank := false
	for _, line := range lines {
		line = strings.TrimRight(line, " \t")
		if line == "" {
			if blank {
				continue
			}
			blank = true
		} else {
			blank = false
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
