package richtext

import (
	"fmt"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	east "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

var markdownParser = goldmark.New(
	goldmark.WithExtensions(
		extension.Table,
		extension.Strikethrough,
		extension.Linkify,
	),
)

// ToMarkdown renders the document as GitHub flavoured Markdown. Underline has
// no Markdown syntax and is emitted as an inline <u> tag.
func ToMarkdown(doc *Document) string {
	if doc == nil {
		return ""
	}

	blocks := make([]string, 0, len(doc.Content))
	for _, node := range doc.Content {
		if rendered := markdownBlock(node); rendered != "" {
			blocks = append(blocks, rendered)
		}
	}
	return strings.Join(blocks, "\n\n")
}

func markdownBlock(node *Node) string {
	switch node.Type {
	case NodeParagraph:
		return markdownInline(node.Content)
	case NodeHeading:
		return strings.Repeat("#", node.headingLevel()) + " " + markdownInline(node.Content)
	case NodeBulletList, NodeOrderedList:
		return markdownList(node)
	case NodeBlockquote:
		inner := make([]string, 0, len(node.Content))
		for _, child := range node.Content {
			inner = append(inner, markdownBlock(child))
		}
		return prefixLines(strings.Join(inner, "\n\n"), "> ", "> ")
	case NodeCodeBlock:
		return "```" + node.attrString("language") + "\n" + strings.TrimRight(flattenText(node), "\n") + "\n```"
	case NodeTable:
		return markdownTable(node)
	case NodeHorizontalRule:
		return "---"
	case NodeText, NodeHardBreak:
		return markdownInline([]*Node{node})
	}
	return flattenText(node)
}

func markdownList(list *Node) string {
	lines := make([]string, 0, len(list.Content))
	order := intAttr(list.Attrs, "order", 1)
	for i, item := range list.Content {
		marker := "- "
		if list.Type == NodeOrderedList {
			marker = fmt.Sprintf("%d. ", order+i)
		}

		parts := make([]string, 0, len(item.Content))
		for _, child := range item.Content {
			parts = append(parts, markdownBlock(child))
		}
		indent := strings.Repeat(" ", len(marker))
		lines = append(lines, prefixLines(strings.Join(parts, "\n"), marker, indent))
	}
	return strings.Join(lines, "\n")
}

func markdownTable(table *Node) string {
	var rows []string
	for i, row := range table.Content {
		cells := make([]string, 0, len(row.Content))
		for _, cell := range row.Content {
			parts := make([]string, 0, len(cell.Content))
			for _, child := range cell.Content {
				parts = append(parts, markdownBlock(child))
			}
			cells = append(cells, strings.ReplaceAll(strings.Join(parts, " "), "|", `\|`))
		}
		rows = append(rows, "| "+strings.Join(cells, " | ")+" |")
		if i == 0 {
			sep := make([]string, len(cells))
			for j := range sep {
				sep[j] = "---"
			}
			rows = append(rows, "| "+strings.Join(sep, " | ")+" |")
		}
	}
	return strings.Join(rows, "\n")
}

func markdownInline(nodes []*Node) string {
	var sb strings.Builder
	for _, node := range nodes {
		switch node.Type {
		case NodeText:
			sb.WriteString(wrapMarksMarkdown(node.Text, node.Marks))
		case NodeHardBreak:
			sb.WriteString("  \n")
		default:
			sb.WriteString(flattenText(node))
		}
	}
	return sb.String()
}

func wrapMarksMarkdown(s string, marks []Mark) string {
	if s == "" {
		return s
	}
	for i := len(marks) - 1; i >= 0; i-- {
		switch marks[i].Type {
		case MarkBold:
			s = "**" + s + "**"
		case MarkItalic:
			s = "*" + s + "*"
		case MarkUnderline:
			s = "<u>" + s + "</u>"
		case MarkStrike:
			s = "~~" + s + "~~"
		case MarkCode:
			s = "`" + s + "`"
		case MarkLink:
			s = "[" + s + "](" + marks[i].href() + ")"
		}
	}
	return s
}

func prefixLines(s, first, rest string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		p := rest
		if i == 0 {
			p = first
		}
		if line == "" && p == rest {
			lines[i] = strings.TrimRight(p, " ")
			continue
		}
		lines[i] = p + line
	}
	return strings.Join(lines, "\n")
}

// FromMarkdown parses Markdown (GFM tables and strikethrough included) into
// the canonical document.
func FromMarkdown(source string) *Document {
	src := []byte(source)
	root := markdownParser.Parser().Parse(text.NewReader(src))

	conv := &markdownConverter{source: src}
	return NewDocument(conv.blocks(root)...)
}

type markdownConverter struct {
	source    []byte
	underline int
}

func (c *markdownConverter) blocks(parent ast.Node) []*Node {
	var out []*Node
	for child := parent.FirstChild(); child != nil; child = child.NextSibling() {
		out = append(out, c.block(child)...)
	}
	return out
}

func (c *markdownConverter) block(n ast.Node) []*Node {
	switch node := n.(type) {
	case *ast.Paragraph, *ast.TextBlock:
		inline := c.inlines(node, nil)
		if len(inline) == 0 {
			return nil
		}
		return []*Node{Paragraph(inline...)}
	case *ast.Heading:
		return []*Node{Heading(node.Level, c.inlines(node, nil)...)}
	case *ast.List:
		list := BulletList()
		if node.IsOrdered() {
			list = OrderedList()
			if node.Start > 1 {
				list.Attrs = map[string]any{"order": node.Start}
			}
		}
		for item := node.FirstChild(); item != nil; item = item.NextSibling() {
			list.Content = append(list.Content, ListItem(c.blocks(item)...))
		}
		return []*Node{list}
	case *ast.Blockquote:
		return []*Node{Blockquote(c.blocks(node)...)}
	case *ast.FencedCodeBlock:
		return []*Node{CodeBlock(string(node.Language(c.source)), c.lines(node.Lines()))}
	case *ast.CodeBlock:
		return []*Node{CodeBlock("", c.lines(node.Lines()))}
	case *ast.ThematicBreak:
		return []*Node{{Type: NodeHorizontalRule}}
	case *ast.HTMLBlock:
		doc, err := FromHTML(c.lines(node.Lines()))
		if err != nil {
			return nil
		}
		return doc.Content
	case *east.Table:
		return []*Node{c.table(node)}
	}

	// Unknown blocks keep their text.
	inline := c.inlines(n, nil)
	if len(inline) == 0 {
		return nil
	}
	return []*Node{Paragraph(inline...)}
}

func (c *markdownConverter) table(table *east.Table) *Node {
	out := &Node{Type: NodeTable}
	for row := table.FirstChild(); row != nil; row = row.NextSibling() {
		cellType := NodeTableCell
		if _, ok := row.(*east.TableHeader); ok {
			cellType = NodeTableHeader
		}

		tr := &Node{Type: NodeTableRow}
		for cell := row.FirstChild(); cell != nil; cell = cell.NextSibling() {
			tr.Content = append(tr.Content, &Node{
				Type:    cellType,
				Content: []*Node{Paragraph(c.inlines(cell, nil)...)},
			})
		}
		out.Content = append(out.Content, tr)
	}
	return out
}

func (c *markdownConverter) lines(segments *text.Segments) string {
	var sb strings.Builder
	for i := 0; i < segments.Len(); i++ {
		segment := segments.At(i)
		sb.Write(segment.Value(c.source))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (c *markdownConverter) inlines(parent ast.Node, marks []Mark) []*Node {
	var out []*Node
	for child := parent.FirstChild(); child != nil; child = child.NextSibling() {
		out = append(out, c.inline(child, marks)...)
	}
	return out
}

func (c *markdownConverter) inline(n ast.Node, marks []Mark) []*Node {
	if c.underline > 0 {
		marks = withMark(marks, Underline())
	}

	switch node := n.(type) {
	case *ast.Text:
		out := []*Node{{Type: NodeText, Text: string(node.Segment.Value(c.source)), Marks: cloneMarks(marks)}}
		if node.HardLineBreak() {
			out = append(out, &Node{Type: NodeHardBreak})
		} else if node.SoftLineBreak() {
			out = append(out, &Node{Type: NodeText, Text: " ", Marks: cloneMarks(marks)})
		}
		return out
	case *ast.String:
		return []*Node{{Type: NodeText, Text: string(node.Value), Marks: cloneMarks(marks)}}
	case *ast.Emphasis:
		if node.Level >= 2 {
			return c.inlines(node, withMark(marks, Bold()))
		}
		return c.inlines(node, withMark(marks, Italic()))
	case *east.Strikethrough:
		return c.inlines(node, withMark(marks, Strike()))
	case *ast.CodeSpan:
		var sb strings.Builder
		for child := node.FirstChild(); child != nil; child = child.NextSibling() {
			if t, ok := child.(*ast.Text); ok {
				sb.Write(t.Segment.Value(c.source))
			}
		}
		return []*Node{{Type: NodeText, Text: sb.String(), Marks: cloneMarks(withMark(marks, Code()))}}
	case *ast.Link:
		return c.inlines(node, withMark(marks, Link(string(node.Destination))))
	case *ast.AutoLink:
		url := string(node.URL(c.source))
		return []*Node{{Type: NodeText, Text: string(node.Label(c.source)), Marks: cloneMarks(withMark(marks, Link(url)))}}
	case *ast.Image:
		label := c.inlines(node, nil)
		alt := string(node.Destination)
		if len(label) > 0 {
			alt = label[0].Text
		}
		return []*Node{{Type: NodeText, Text: alt, Marks: cloneMarks(withMark(marks, Link(string(node.Destination))))}}
	case *ast.RawHTML:
		c.applyRawHTML(node)
		return nil
	}

	return c.inlines(n, marks)
}

// applyRawHTML tracks the only inline tag ToMarkdown emits. Other raw tags
// are dropped and their inner text is kept by the surrounding walk.
func (c *markdownConverter) applyRawHTML(node *ast.RawHTML) {
	raw := strings.ToLower(c.lines(node.Segments))
	switch raw {
	case "<u>", "<ins>":
		c.underline++
	case "</u>", "</ins>":
		if c.underline > 0 {
			c.underline--
		}
	}
}

var htmlToMarkdown = md.NewConverter("", true, nil)

// HTMLToMarkdown converts an HTML description into Markdown for providers that
// only accept Markdown bodies.
func HTMLToMarkdown(source string) (string, error) {
	if strings.TrimSpace(source) == "" {
		return "", nil
	}

	out, err := htmlToMarkdown.ConvertString(source)
	if err != nil {
		return "", fmt.Errorf("failed to convert html to markdown: %w", err)
	}
	return out, nil
}
