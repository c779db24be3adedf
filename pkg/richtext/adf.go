package richtext

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ADFNode represents a node in the Atlassian Document Format.
type ADFNode struct {
	Type    string         `json:"type"`
	Version int            `json:"version,omitempty"`
	Content []ADFNode      `json:"content,omitempty"`
	Text    string         `json:"text,omitempty"`
	Attrs   map[string]any `json:"attrs,omitempty"`
	Marks   []ADFMark      `json:"marks,omitempty"`
}

// ADFMark represents an inline formatting mark in ADF.
type ADFMark struct {
	Type  string         `json:"type"`
	Attrs map[string]any `json:"attrs,omitempty"`
}

var adfNodeTypes = map[NodeType]string{
	NodeParagraph:      "paragraph",
	NodeHeading:        "heading",
	NodeBulletList:     "bulletList",
	NodeOrderedList:    "orderedList",
	NodeListItem:       "listItem",
	NodeBlockquote:     "blockquote",
	NodeCodeBlock:      "codeBlock",
	NodeTable:          "table",
	NodeTableRow:       "tableRow",
	NodeTableHeader:    "tableHeader",
	NodeTableCell:      "tableCell",
	NodeHardBreak:      "hardBreak",
	NodeHorizontalRule: "rule",
	NodeText:           "text",
}

var adfMarkTypes = map[MarkType]string{
	MarkBold:      "strong",
	MarkItalic:    "em",
	MarkUnderline: "underline",
	MarkStrike:    "strike",
	MarkCode:      "code",
	MarkLink:      "link",
}

var canonicalNodeTypes = invertNodeTypes(adfNodeTypes)
var canonicalMarkTypes = invertMarkTypes(adfMarkTypes)

// ToADF converts a canonical document into an ADF "doc" node.
func ToADF(doc *Document) ADFNode {
	root := ADFNode{Type: "doc", Version: 1, Content: []ADFNode{}}
	if doc == nil {
		return root
	}

	for _, node := range doc.Content {
		root.Content = append(root.Content, toADFNode(node))
	}
	return root
}

func toADFNode(node *Node) ADFNode {
	adfType, ok := adfNodeTypes[node.Type]
	if !ok {
		return ADFNode{Type: "paragraph", Content: []ADFNode{{Type: "text", Text: flattenText(node)}}}
	}

	out := ADFNode{Type: adfType, Text: node.Text}

	switch node.Type {
	case NodeHeading:
		out.Attrs = map[string]any{"level": node.headingLevel()}
	case NodeOrderedList:
		if order := intAttr(node.Attrs, "order", 1); order != 1 {
			out.Attrs = map[string]any{"order": order}
		}
	case NodeCodeBlock:
		if lang := node.attrString("language"); lang != "" {
			out.Attrs = map[string]any{"language": lang}
		}
	case NodeText:
		for _, m := range node.Marks {
			out.Marks = append(out.Marks, toADFMark(m))
		}
	}

	for _, child := range node.Content {
		out.Content = append(out.Content, toADFNode(child))
	}

	// ADF rejects empty text nodes.
	if node.Type == NodeText && out.Text == "" {
		out.Text = " "
	}

	return out
}

func toADFMark(m Mark) ADFMark {
	out := ADFMark{Type: adfMarkTypes[m.Type]}
	if m.Type == MarkLink {
		out.Attrs = map[string]any{"href": m.href()}
	}
	return out
}

// FromADF converts an ADF tree into the canonical document.
func FromADF(root ADFNode) *Document {
	doc := NewDocument()
	if root.Type != "doc" {
		doc.Content = append(doc.Content, fromADFBlock(root)...)
		return doc
	}

	for _, child := range root.Content {
		doc.Content = append(doc.Content, fromADFBlock(child)...)
	}
	return doc
}

// ParseADF decodes raw ADF JSON. A JSON string value is treated as plain text,
// which is what Jira REST v2 returns.
func ParseADF(raw json.RawMessage) (*Document, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return NewDocument(), nil
	}

	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("failed to decode description string: %w", err)
		}
		return FromPlainText(s), nil
	}

	var root ADFNode
	if err := json.Unmarshal(raw, &root); err != nil {
		return nil, fmt.Errorf("failed to decode ADF document: %w", err)
	}

	return FromADF(root), nil
}

func fromADFBlock(node ADFNode) []*Node {
	converted := fromADFNode(node)
	if converted == nil {
		return nil
	}
	if isBlock(converted.Type) {
		return []*Node{converted}
	}
	return []*Node{Paragraph(converted)}
}

func fromADFNode(node ADFNode) *Node {
	switch node.Type {
	case "text":
		return &Node{Type: NodeText, Text: node.Text, Marks: fromADFMarks(node.Marks)}
	case "mention":
		return Text(adfAttrString(node.Attrs, "text"))
	case "emoji":
		text := adfAttrString(node.Attrs, "text")
		if text == "" {
			text = adfAttrString(node.Attrs, "shortName")
		}
		return Text(text)
	case "inlineCard", "blockCard":
		url := adfAttrString(node.Attrs, "url")
		return Text(url, Link(url))
	case "panel":
		return &Node{Type: NodeBlockquote, Content: wrapInline(fromADFChildren(node.Content))}
	}

	canonical, ok := canonicalNodeTypes[node.Type]
	if !ok {
		// Unknown node types keep their text and lose their structure.
		text := flattenADFText(node)
		if text == "" {
			return nil
		}
		return Text(text)
	}

	out := &Node{Type: canonical}

	switch canonical {
	case NodeHeading:
		out.Attrs = map[string]any{"level": intAttr(node.Attrs, "level", 1)}
	case NodeOrderedList:
		if order := intAttr(node.Attrs, "order", 1); order != 1 {
			out.Attrs = map[string]any{"order": order}
		}
	case NodeCodeBlock:
		if lang := adfAttrString(node.Attrs, "language"); lang != "" {
			out.Attrs = map[string]any{"language": lang}
		}
	}

	out.Content = fromADFChildren(node.Content)
	if requiresBlockContent(canonical) {
		out.Content = wrapInline(out.Content)
	}
	return out
}

func fromADFChildren(children []ADFNode) []*Node {
	var out []*Node
	for _, child := range children {
		if converted := fromADFNode(child); converted != nil {
			out = append(out, converted)
		}
	}
	return out
}

func fromADFMarks(marks []ADFMark) []Mark {
	var out []Mark
	for _, m := range marks {
		canonical, ok := canonicalMarkTypes[m.Type]
		if !ok {
			continue
		}
		mark := Mark{Type: canonical}
		if canonical == MarkLink {
			mark.Attrs = map[string]any{"href": adfAttrString(m.Attrs, "href")}
		}
		out = append(out, mark)
	}
	return out
}

func flattenADFText(node ADFNode) string {
	if node.Type == "text" {
		return node.Text
	}

	var sb strings.Builder
	for _, child := range node.Content {
		sb.WriteString(flattenADFText(child))
	}
	return sb.String()
}

func adfAttrString(attrs map[string]any, key string) string {
	if attrs == nil {
		return ""
	}
	s, _ := attrs[key].(string)
	return s
}

func invertNodeTypes(m map[NodeType]string) map[string]NodeType {
	out := make(map[string]NodeType, len(m))
	for k, v := range m {
		out[v] = k
	}
	return out
}

func invertMarkTypes(m map[MarkType]string) map[string]MarkType {
	out := make(map[string]MarkType, len(m))
	for k, v := range m {
		out[v] = k
	}
	return out
}
