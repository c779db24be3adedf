package richtext

import (
	"fmt"
	"html"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ToHTML renders the document for read-only display and for providers that
// store HTML descriptions.
func ToHTML(doc *Document) string {
	if doc == nil {
		return ""
	}

	var sb strings.Builder
	for _, node := range doc.Content {
		writeHTMLNode(&sb, node)
	}
	return sb.String()
}

func writeHTMLNode(sb *strings.Builder, node *Node) {
	switch node.Type {
	case NodeText:
		sb.WriteString(wrapMarksHTML(html.EscapeString(node.Text), node.Marks))
	case NodeHardBreak:
		sb.WriteString("<br>")
	case NodeHorizontalRule:
		sb.WriteString("<hr>")
	case NodeParagraph:
		writeHTMLElement(sb, "p", node.Content)
	case NodeHeading:
		level := node.headingLevel()
		if level < 1 || level > 6 {
			level = 1
		}
		writeHTMLElement(sb, fmt.Sprintf("h%d", level), node.Content)
	case NodeBulletList:
		writeHTMLElement(sb, "ul", node.Content)
	case NodeOrderedList:
		if order := intAttr(node.Attrs, "order", 1); order != 1 {
			fmt.Fprintf(sb, `<ol start="%d">`, order)
			writeHTMLChildren(sb, node.Content)
			sb.WriteString("</ol>")
			return
		}
		writeHTMLElement(sb, "ol", node.Content)
	case NodeListItem:
		writeHTMLElement(sb, "li", node.Content)
	case NodeBlockquote:
		writeHTMLElement(sb, "blockquote", node.Content)
	case NodeCodeBlock:
		sb.WriteString("<pre><code")
		if lang := node.attrString("language"); lang != "" {
			fmt.Fprintf(sb, ` class="language-%s"`, html.EscapeString(lang))
		}
		sb.WriteString(">")
		sb.WriteString(html.EscapeString(flattenText(node)))
		sb.WriteString("</code></pre>")
	case NodeTable:
		sb.WriteString("<table><tbody>")
		writeHTMLChildren(sb, node.Content)
		sb.WriteString("</tbody></table>")
	case NodeTableRow:
		writeHTMLElement(sb, "tr", node.Content)
	case NodeTableHeader:
		writeHTMLElement(sb, "th", node.Content)
	case NodeTableCell:
		writeHTMLElement(sb, "td", node.Content)
	default:
		sb.WriteString(html.EscapeString(flattenText(node)))
	}
}

func writeHTMLElement(sb *strings.Builder, tag string, children []*Node) {
	sb.WriteString("<" + tag + ">")
	writeHTMLChildren(sb, children)
	sb.WriteString("</" + tag + ">")
}

func writeHTMLChildren(sb *strings.Builder, children []*Node) {
	for _, child := range children {
		writeHTMLNode(sb, child)
	}
}

// wrapMarksHTML wraps text in one inline tag per mark, first mark outermost.
func wrapMarksHTML(text string, marks []Mark) string {
	for i := len(marks) - 1; i >= 0; i-- {
		switch marks[i].Type {
		case MarkBold:
			text = "<strong>" + text + "</strong>"
		case MarkItalic:
			text = "<em>" + text + "</em>"
		case MarkUnderline:
			text = "<u>" + text + "</u>"
		case MarkStrike:
			text = "<s>" + text + "</s>"
		case MarkCode:
			text = "<code>" + text + "</code>"
		case MarkLink:
			text = fmt.Sprintf(`<a href="%s">%s</a>`, html.EscapeString(marks[i].href()), text)
		}
	}
	return text
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// FromHTML parses an HTML fragment into the canonical document. Tags without
// a canonical counterpart contribute their text only.
func FromHTML(source string) (*Document, error) {
	if strings.TrimSpace(source) == "" {
		return NewDocument(), nil
	}

	parsed, err := goquery.NewDocumentFromReader(strings.NewReader(source))
	if err != nil {
		return nil, fmt.Errorf("failed to parse html: %w", err)
	}

	body := parsed.Find("body")
	if body.Length() == 0 {
		body = parsed.Selection
	}

	return NewDocument(parseHTMLBlocks(body)...), nil
}

func parseHTMLBlocks(sel *goquery.Selection) []*Node {
	var blocks []*Node
	var inline []*Node

	flush := func() {
		if para := trimParagraph(inline); para != nil {
			blocks = append(blocks, para)
		}
		inline = nil
	}

	sel.Contents().Each(func(_ int, child *goquery.Selection) {
		name := goquery.NodeName(child)
		switch name {
		case "p":
			flush()
			if para := trimParagraph(parseHTMLInline(child, nil)); para != nil {
				blocks = append(blocks, para)
			}
		case "h1", "h2", "h3", "h4", "h5", "h6":
			flush()
			blocks = append(blocks, Heading(int(name[1]-'0'), trimInline(parseHTMLInline(child, nil))...))
		case "ul", "ol":
			flush()
			blocks = append(blocks, parseHTMLList(child, name == "ol"))
		case "blockquote":
			flush()
			blocks = append(blocks, Blockquote(parseHTMLBlocks(child)...))
		case "pre":
			flush()
			blocks = append(blocks, parseHTMLCode(child))
		case "table":
			flush()
			blocks = append(blocks, parseHTMLTable(child))
		case "hr":
			flush()
			blocks = append(blocks, &Node{Type: NodeHorizontalRule})
		case "div", "section", "article", "header", "footer", "main", "body", "li":
			flush()
			blocks = append(blocks, parseHTMLBlocks(child)...)
		case "script", "style", "head":
		default:
			inline = append(inline, parseHTMLInlineNode(child, nil)...)
		}
	})
	flush()

	return blocks
}

func parseHTMLInline(sel *goquery.Selection, marks []Mark) []*Node {
	var out []*Node
	sel.Contents().Each(func(_ int, child *goquery.Selection) {
		out = append(out, parseHTMLInlineNode(child, marks)...)
	})
	return out
}

func parseHTMLInlineNode(sel *goquery.Selection, marks []Mark) []*Node {
	switch goquery.NodeName(sel) {
	case "#text":
		text := whitespaceRun.ReplaceAllString(sel.Text(), " ")
		if text == "" {
			return nil
		}
		return []*Node{{Type: NodeText, Text: text, Marks: cloneMarks(marks)}}
	case "br":
		return []*Node{{Type: NodeHardBreak}}
	case "strong", "b":
		return parseHTMLInline(sel, withMark(marks, Bold()))
	case "em", "i":
		return parseHTMLInline(sel, withMark(marks, Italic()))
	case "u", "ins":
		return parseHTMLInline(sel, withMark(marks, Underline()))
	case "s", "strike", "del":
		return parseHTMLInline(sel, withMark(marks, Strike()))
	case "code":
		return parseHTMLInline(sel, withMark(marks, Code()))
	case "a":
		href, _ := sel.Attr("href")
		if href == "" {
			return parseHTMLInline(sel, marks)
		}
		return parseHTMLInline(sel, withMark(marks, Link(href)))
	case "img":
		alt, _ := sel.Attr("alt")
		src, _ := sel.Attr("src")
		if src == "" {
			return nil
		}
		if alt == "" {
			alt = src
		}
		return []*Node{{Type: NodeText, Text: alt, Marks: cloneMarks(withMark(marks, Link(src)))}}
	case "#comment", "script", "style":
		return nil
	}

	return parseHTMLInline(sel, marks)
}

func parseHTMLList(sel *goquery.Selection, ordered bool) *Node {
	list := BulletList()
	if ordered {
		list = OrderedList()
	}

	sel.ChildrenFiltered("li").Each(func(_ int, li *goquery.Selection) {
		list.Content = append(list.Content, ListItem(parseHTMLBlocks(li)...))
	})
	return list
}

func parseHTMLCode(sel *goquery.Selection) *Node {
	code := sel.Find("code").First()
	language := ""
	if code.Length() > 0 {
		if class, ok := code.Attr("class"); ok {
			for _, c := range strings.Fields(class) {
				if strings.HasPrefix(c, "language-") {
					language = strings.TrimPrefix(c, "language-")
				}
			}
		}
		return CodeBlock(language, code.Text())
	}
	return CodeBlock(language, sel.Text())
}

func parseHTMLTable(sel *goquery.Selection) *Node {
	table := &Node{Type: NodeTable}
	sel.Find("tr").Each(func(_ int, tr *goquery.Selection) {
		row := &Node{Type: NodeTableRow}
		tr.Children().Each(func(_ int, cell *goquery.Selection) {
			cellType := NodeTableCell
			if goquery.NodeName(cell) == "th" {
				cellType = NodeTableHeader
			}
			content := parseHTMLBlocks(cell)
			if len(content) == 0 {
				content = []*Node{Paragraph()}
			}
			row.Content = append(row.Content, &Node{Type: cellType, Content: content})
		})
		table.Content = append(table.Content, row)
	})
	return table
}

// trimParagraph drops leading and trailing whitespace and returns nil for a
// paragraph that holds nothing visible.
func trimParagraph(inline []*Node) *Node {
	inline = trimInline(inline)
	if len(inline) == 0 {
		return nil
	}
	return Paragraph(inline...)
}

func trimInline(inline []*Node) []*Node {
	for len(inline) > 0 && inline[0].Type == NodeText && strings.TrimSpace(inline[0].Text) == "" {
		inline = inline[1:]
	}
	for len(inline) > 0 && inline[len(inline)-1].Type == NodeText && strings.TrimSpace(inline[len(inline)-1].Text) == "" {
		inline = inline[:len(inline)-1]
	}
	if len(inline) == 0 {
		return nil
	}

	first := *inline[0]
	if first.Type == NodeText {
		first.Text = strings.TrimLeft(first.Text, " ")
		inline[0] = &first
	}
	last := *inline[len(inline)-1]
	if last.Type == NodeText {
		last.Text = strings.TrimRight(last.Text, " ")
		inline[len(inline)-1] = &last
	}
	return inline
}

func cloneMarks(marks []Mark) []Mark {
	if len(marks) == 0 {
		return nil
	}
	out := make([]Mark, len(marks))
	copy(out, marks)
	return out
}
