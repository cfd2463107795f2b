package export

import (
	"bytes"
	"html/template"
	"strings"
	"time"
)

// TemplateData holds data for letter template rendering.
type TemplateData struct {
	Title           string
	Recipient       string
	State           string
	VersionNumber   int
	ComplianceScore int
	BodyHTML        template.HTML
	Author          string
	UpdatedAt       time.Time
	Approval        *TemplateApproval
}

// TemplateApproval holds the approval certificate block.
type TemplateApproval struct {
	SignedBy      string
	VersionNumber int
	SignatureKey  string
	SignedAt      time.Time
}

var letterTemplate = template.Must(template.New("letter").Parse(letterTemplateText))

// letterBodyHTML converts the plain-text letter body to HTML. Blank lines
// separate paragraphs; single newlines become line breaks.
func letterBodyHTML(content string) template.HTML {
	normalized := strings.ReplaceAll(content, "\r\n", "\n")
	paragraphs := strings.Split(normalized, "\n\n")

	var b strings.Builder
	for _, p := range paragraphs {
		if strings.TrimSpace(p) == "" {
			continue
		}
		b.WriteString("<p>")
		lines := strings.Split(p, "\n")
		for i, line := range lines {
			if i > 0 {
				b.WriteString("<br>")
			}
			b.WriteString(template.HTMLEscapeString(line))
		}
		b.WriteString("</p>\n")
	}
	return template.HTML(b.String())
}

// RenderLetterHTML renders the letter template with provided data.
func RenderLetterHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := letterTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const letterTemplateText = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.Title}}</title>
  <style>
    body { font-family: Georgia, 'Times New Roman', serif; line-height: 1.6; max-width: 800px; margin: 2rem auto; color: #1a1a1a; }
    h1 { font-size: 1.4rem; border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    .meta { color: #666; font-size: 0.85em; margin-bottom: 2rem; }
    .body p { margin: 0 0 1em; }
    .certificate { margin-top: 3rem; padding: 1rem; border: 1px solid #999; background: #fafafa; font-size: 0.9em; }
    .certificate h2 { font-size: 1rem; margin-top: 0; }
    .sig { font-family: monospace; word-break: break-all; color: #555; }
  </style>
</head>
<body>
  <h1>{{.Title}}</h1>
  <div class="meta">
    To: {{.Recipient}}<br>
    Prepared by {{.Author}} | Version {{.VersionNumber}} | {{.State}} | Compliance {{.ComplianceScore}}/100 | {{.UpdatedAt.Format "Jan 2, 2006"}}
  </div>
  <div class="body">{{.BodyHTML}}</div>
  {{if .Approval}}
  <div class="certificate">
    <h2>Approval Certificate</h2>
    <p>Approved by {{.Approval.SignedBy}} at version {{.Approval.VersionNumber}} on {{.Approval.SignedAt.Format "Jan 2, 2006 15:04 MST"}}.</p>
    <p class="sig">{{.Approval.SignatureKey}}</p>
  </div>
  {{end}}
</body>
</html>`
