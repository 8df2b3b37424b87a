package email

import (
	"fmt"
	"strings"
	"sync"
	"text/template"

	"github.com/PuerkitoBio/goquery"

	"comment-notify/pkg/notifier"
	"comment-notify/settings"
)

// Data is the context a notification template is executed against.
type Data struct {
	Comment        notifier.Comment
	Entity         notifier.Entity
	Recipient      notifier.Subscriber
	UnsubscribeURL string // Empty for entity-author mail
	PlainBody      string // Comment body with markup stripped
}

// Renderer executes subject/body templates, caching parsed templates by source text.
type Renderer struct {
	mu    sync.Mutex
	cache map[string]*template.Template
}

// NewRenderer creates an empty renderer.
func NewRenderer() *Renderer {
	return &Renderer{cache: make(map[string]*template.Template)}
}

// Render produces the final subject and body for one recipient.
// The subject is collapsed to a single line.
func (r *Renderer) Render(tmpl settings.Template, data *Data) (subject, body string, err error) {
	if data.PlainBody == "" && data.Comment.Body != "" {
		data.PlainBody = PlainText(data.Comment.Body)
	}

	subject, err = r.execute(tmpl.Subject, data)
	if err != nil {
		return "", "", fmt.Errorf("render subject: %w", err)
	}
	body, err = r.execute(tmpl.Body, data)
	if err != nil {
		return "", "", fmt.Errorf("render body: %w", err)
	}
	return strings.Join(strings.Fields(subject), " "), body, nil
}

func (r *Renderer) execute(text string, data *Data) (string, error) {
	t, err := r.parse(text)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	if err := t.Execute(&b, data); err != nil {
		return "", err
	}
	return b.String(), nil
}

func (r *Renderer) parse(text string) (*template.Template, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.cache[text]; ok {
		return t, nil
	}
	t, err := template.New("mail").Option("missingkey=zero").Parse(text)
	if err != nil {
		return nil, err
	}
	r.cache[text] = t
	return t, nil
}

// PlainText converts a comment's HTML body to readable text. Paragraph-level
// elements and <br> become line breaks; runs of blank lines collapse to one.
func PlainText(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return strings.TrimSpace(html)
	}

	doc.Find("script, style").Remove()
	doc.Find("br").ReplaceWithHtml("\n")
	doc.Find("p, div, li, blockquote, h1, h2, h3, h4, h5, h6, pre").Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml("\n")
	})

	var lines []string
	blank := false
	for _, line := range strings.Split(doc.Text(), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			if !blank && len(lines) > 0 {
				lines = append(lines, "")
			}
			blank = true
			continue
		}
		blank = false
		lines = append(lines, line)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
