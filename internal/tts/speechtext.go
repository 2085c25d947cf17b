package tts

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

var spaceRegex = regexp.MustCompile(`\s+`)

// SpeechText turns a markdown answer into plain text suitable for speech.
// Code blocks, HTML and link targets are dropped; headings, paragraphs and
// list items end with a sentence break so the voice pauses between them.
func SpeechText(markdown string) string {
	md := goldmark.New()
	reader := text.NewReader([]byte(markdown))
	doc := md.Parser().Parse(reader)

	var buf strings.Builder
	walkNode(doc, reader.Source(), &buf)

	return strings.TrimSpace(spaceRegex.ReplaceAllString(buf.String(), " "))
}

// walkNode recursively walks the AST and extracts text content.
func walkNode(node ast.Node, source []byte, buf *strings.Builder) {
	switch n := node.(type) {
	case *ast.CodeBlock, *ast.FencedCodeBlock, *ast.HTMLBlock, *ast.RawHTML:
		return

	case *ast.Text:
		buf.Write(n.Segment.Value(source))
		if n.SoftLineBreak() || n.HardLineBreak() {
			buf.WriteString(" ")
		}
		return

	case *ast.String:
		buf.Write(n.Value)
		return

	case *ast.CodeSpan:
		for c := n.FirstChild(); c != nil; c = c.NextSibling() {
			if t, ok := c.(*ast.Text); ok {
				buf.Write(t.Segment.Value(source))
			}
		}
		return

	case *ast.AutoLink:
		return

	case *ast.Image:
		// Alt text only.
		walkChildren(n, source, buf)
		return

	case *ast.Heading, *ast.Paragraph, *ast.ListItem:
		walkChildren(n, source, buf)
		endSentence(buf)
		return

	case *ast.ThematicBreak:
		endSentence(buf)
		return
	}

	walkChildren(node, source, buf)
}

func walkChildren(node ast.Node, source []byte, buf *strings.Builder) {
	for c := node.FirstChild(); c != nil; c = c.NextSibling() {
		walkNode(c, source, buf)
	}
}

// endSentence adds a full stop unless the text already ends a sentence.
// The Devanagari danda counts as a full stop.
func endSentence(buf *strings.Builder) {
	content := strings.TrimRight(buf.String(), " ")
	if content == "" {
		return
	}
	last, _ := utf8.DecodeLastRuneInString(content)
	switch last {
	case '.', '!', '?', ':', '।', '॥':
		buf.WriteString(" ")
	default:
		buf.WriteString(". ")
	}
}
