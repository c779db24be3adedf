package richtext

import (
	"strconv"
	"strings"
)

// PlainText renders the document without formatting, one block per line.
func PlainText(doc *Document) string {
	if doc == nil {
		return ""
	}

	lines := make([]string, 0, len(doc.Content))
	for _, node := range doc.Content {
		lines = appendBlockText(lines, node, "")
	}
	return strings.TrimRight(strings.Join(lines, "\n"), "\n")
}

func appendBlockText(lines []string, node *Node, prefix string) []string {
	switch node.Type {
	case NodeBulletList, NodeOrderedList:
		for i, item := range node.Content {
			marker := "- "
			if node.Type == NodeOrderedList {
				marker = strconv.Itoa(intAttr(node.Attrs, "order", 1)+i) + ". "
			}
			for j, child := range item.Content {
				p := prefix + "  "
				if j == 0 {
					p = prefix + marker
				}
				lines = appendBlockText(lines, child, p)
			}
		}
		return lines
	case NodeBlockquote:
		for _, child := range node.Content {
			lines = appendBlockText(lines, child, prefix+"> ")
		}
		return lines
	case NodeTable:
		for _, row := range node.Content {
			cells := make([]string, 0, len(row.Content))
			for _, cell := range row.Content {
				cells = append(cells, strings.TrimSpace(flattenText(cell)))
			}
			lines = append(lines, prefix+strings.Join(cells, " | "))
		}
		return lines
	case NodeHorizontalRule:
		return append(lines, prefix+"---")
	}

	return append(lines, prefix+flattenText(node))
}

// flattenText concatenates every text leaf below node. Block children are
// separated by newlines and hard breaks become newlines.
func flattenText(node *Node) string {
	if node == nil {
		return ""
	}

	switch node.Type {
	case NodeText:
		return node.Text
	case NodeHardBreak:
		return "\n"
	}

	var sb strings.Builder
	for i, child := range node.Content {
		if i > 0 && isBlock(child.Type) {
			sb.WriteString("\n")
		}
		sb.WriteString(flattenText(child))
	}
	return sb.String()
}

func isBlock(t NodeType) bool {
	switch t {
	case NodeText, NodeHardBreak:
		return false
	}
	return true
}
