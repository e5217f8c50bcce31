package decoder

import (
	"strings"

	xhtml "golang.org/x/net/html"
)

// imagePlaceholder replaces <img> elements so the reader knows media
// was present in the original message.
const imagePlaceholder = "image"

// CleanHTML extracts readable text from an HTML body. Anchor elements
// are deleted entirely (including their inner text), images become a
// literal placeholder token, and script/style content is dropped.
func CleanHTML(body string) string {
	root, err := xhtml.Parse(strings.NewReader(body))
	if err != nil {
		return body
	}
	var b strings.Builder
	collectText(root, &b)
	return strings.TrimSpace(b.String())
}

func collectText(n *xhtml.Node, b *strings.Builder) {
	if n.Type == xhtml.ElementNode {
		switch n.Data {
		case "a", "script", "style", "head":
			return
		case "img":
			b.WriteString(imagePlaceholder)
			b.WriteByte(' ')
			return
		case "br", "p", "div", "tr", "li":
			b.WriteByte(' ')
		}
	}
	if n.Type == xhtml.TextNode {
		b.WriteString(n.Data)
		b.WriteByte(' ')
		return
	}
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		collectText(child, b)
	}
}
