// Package richtext holds the canonical document tree shared by every issue
// provider, plus one parser and one serializer per external format.
package richtext

import (
	"strings"
)

type NodeType string

const (
	NodeDoc            NodeType = "doc"
	NodeParagraph      NodeType = "paragraph"
	NodeHeading        NodeType = "heading"
	NodeBulletList     NodeType = "bulletList"
	NodeOrderedList    NodeType = "orderedList"
	NodeListItem       NodeType = "listItem"
	NodeBlockquote     NodeType = "blockquote"
	NodeCodeBlock      NodeType = "codeBlock"
	NodeTable          NodeType = "table"
	NodeTableRow       NodeType = "tableRow"
	NodeTableHeader    NodeType = "tableHeader"
	NodeTableCell      NodeType = "tableCell"
	NodeHardBreak      NodeType = "hardBreak"
	NodeHorizontalRule NodeType = "horizontalRule"
	NodeText           NodeType = "text"
)

type MarkType string

const (
	MarkBold      MarkType = "bold"
	MarkItalic    MarkType = "italic"
	MarkUnderline MarkType = "underline"
	MarkStrike    MarkType = "strike"
	MarkCode      MarkType = "code"
	MarkLink      MarkType = "link"
)

type Mark struct {
	Type  MarkType       `json:"type"`
	Attrs map[string]any `json:"attrs,omitempty"`
}

type Node struct {
	Type    NodeType       `json:"type"`
	Attrs   map[string]any `json:"attrs,omitempty"`
	Content []*Node        `json:"content,omitempty"`
	Text    string         `json:"text,omitempty"`
	Marks   []Mark         `json:"marks,omitempty"`
}

// Document is the root of the canonical editor tree.
type Document struct {
	Type    NodeType `json:"type"`
	Content []*Node  `json:"content"`
}

func NewDocument(content ...*Node) *Document {
	return &Document{
		Type:    NodeDoc,
		Content: content,
	}
}

func (d *Document) IsEmpty() bool {
	return d == nil || strings.TrimSpace(PlainText(d)) == ""
}

func Text(text string, marks ...Mark) *Node {
	return &Node{Type: NodeText, Text: text, Marks: marks}
}

func Paragraph(children ...*Node) *Node {
	return &Node{Type: NodeParagraph, Content: children}
}

func Heading(level int, children ...*Node) *Node {
	return &Node{Type: NodeHeading, Attrs: map[string]any{"level": level}, Content: children}
}

func BulletList(items ...*Node) *Node {
	return &Node{Type: NodeBulletList, Content: items}
}

func OrderedList(items ...*Node) *Node {
	return &Node{Type: NodeOrderedList, Content: items}
}

func ListItem(children ...*Node) *Node {
	return &Node{Type: NodeListItem, Content: children}
}

func Blockquote(children ...*Node) *Node {
	return &Node{Type: NodeBlockquote, Content: children}
}

func CodeBlock(language, code string) *Node {
	node := &Node{Type: NodeCodeBlock, Content: []*Node{Text(code)}}
	if language != "" {
		node.Attrs = map[string]any{"language": language}
	}
	return node
}

func Bold() Mark      { return Mark{Type: MarkBold} }
func Italic() Mark    { return Mark{Type: MarkItalic} }
func Underline() Mark { return Mark{Type: MarkUnderline} }
func Strike() Mark    { return Mark{Type: MarkStrike} }
func Code() Mark      { return Mark{Type: MarkCode} }

func Link(href string) Mark {
	return Mark{Type: MarkLink, Attrs: map[string]any{"href": href}}
}

// FromPlainText builds a document with one paragraph per line block.
func FromPlainText(text string) *Document {
	doc := NewDocument()
	text = strings.ReplaceAll(text, "\r\n", "\n")
	for _, block := range strings.Split(text, "\n\n") {
		if strings.TrimSpace(block) == "" {
			continue
		}

		para := Paragraph()
		for i, line := range strings.Split(block, "\n") {
			if i > 0 {
				para.Content = append(para.Content, &Node{Type: NodeHardBreak})
			}
			if line != "" {
				para.Content = append(para.Content, Text(line))
			}
		}
		doc.Content = append(doc.Content, para)
	}
	return doc
}

func (n *Node) headingLevel() int {
	return intAttr(n.Attrs, "level", 1)
}

func (n *Node) attrString(key string) string {
	if n.Attrs == nil {
		return ""
	}
	s, _ := n.Attrs[key].(string)
	return s
}

func (m Mark) href() string {
	if m.Attrs == nil {
		return ""
	}
	s, _ := m.Attrs["href"].(string)
	return s
}

// intAttr reads a numeric attribute that may have come from JSON (float64) or code (int).
func intAttr(attrs map[string]any, key string, fallback int) int {
	if attrs == nil {
		return fallback
	}
	switch v := attrs[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return fallback
}

func hasMark(marks []Mark, t MarkType) bool {
	for _, m := range marks {
		if m.Type == t {
			return true
		}
	}
	return false
}

func withMark(marks []Mark, m Mark) []Mark {
	out := make([]Mark, 0, len(marks)+1)
	for _, existing := range marks {
		if existing.Type != m.Type {
			out = append(out, existing)
		}
	}
	return append(out, m)
}

func withoutMark(marks []Mark, t MarkType) []Mark {
	out := make([]Mark, 0, len(marks))
	for _, existing := range marks {
		if existing.Type != t {
			out = append(out, existing)
		}
	}
	return out
}

func requiresBlockContent(t NodeType) bool {
	switch t {
	case NodeListItem, NodeBlockquote, NodeTableCell, NodeTableHeader:
		return true
	}
	return false
}

// wrapInline groups consecutive inline nodes into paragraphs so that block
// containers only hold blocks.
func wrapInline(nodes []*Node) []*Node {
	var out []*Node
	var para *Node
	for _, n := range nodes {
		if isBlock(n.Type) {
			para = nil
			out = append(out, n)
			continue
		}
		if para == nil {
			para = Paragraph()
			out = append(out, para)
		}
		para.Content = append(para.Content, n)
	}
	return out
}
