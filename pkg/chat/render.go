package chat

import (
	"bytes"
	"fmt"
	"html/template"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

var imgTag = regexp.MustCompile(`<img\s+[^>]*?src="([^"]+)"[^>]*?>`)

var md = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
	goldmark.WithRendererOptions(html.WithHardWraps()),
)

// ParseResponse splits an answer into its text and the src values of its
// <img> tags. The tags are removed from the text.
func ParseResponse(s string) (text string, images []string) {
	for _, m := range imgTag.FindAllStringSubmatch(s, -1) {
		images = append(images, m[1])
	}
	return strings.TrimSpace(imgTag.ReplaceAllString(s, "")), images
}

// RenderMarkdown converts text to HTML with GitHub flavored markdown.
// Raw HTML in text is not passed through.
func RenderMarkdown(text string) (template.HTML, error) {
	var buf bytes.Buffer
	if err := md.Convert([]byte(text), &buf); err != nil {
		return "", fmt.Errorf("rendering markdown: %w", err)
	}
	return template.HTML(buf.String()), nil
}

// Rendered is a message prepared for the chat page.
type Rendered struct {
	Role   string
	HTML   template.HTML
	Images []string
}

// Render parses and renders every message. Image paths of the form
// "./files/x.png" become "/files/x.png" so they resolve from any page.
func Render(msgs []Message) ([]Rendered, error) {
	out := make([]Rendered, 0, len(msgs))
	for _, m := range msgs {
		text, images := ParseResponse(m.Content)
		h, err := RenderMarkdown(text)
		if err != nil {
			return nil, err
		}
		for i, src := range images {
			if strings.HasPrefix(src, "./") {
				images[i] = strings.TrimPrefix(src, ".")
			}
		}
		out = append(out, Rendered{Role: m.Role, HTML: h, Images: images})
	}
	return out, nil
}
