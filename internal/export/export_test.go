package export

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"redress/api/internal/store"
)

func TestLetterBodyHTML(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
	}{
		{
			name:     "single paragraph",
			input:    "Demand is hereby made for payment in full.",
			expected: []string{"<p>Demand is hereby made for payment in full.</p>"},
		},
		{
			name:     "paragraph break on blank line",
			input:    "Dear Sir or Madam,\n\nDemand is hereby made.",
			expected: []string{"<p>Dear Sir or Madam,</p>", "<p>Demand is hereby made.</p>"},
		},
		{
			name:     "single newline becomes line break",
			input:    "Regards,\nAvery",
			expected: []string{"<p>Regards,<br>Avery</p>"},
		},
		{
			name:     "html is escaped",
			input:    "pay <b>now</b> & promptly",
			expected: []string{"pay &lt;b&gt;now&lt;/b&gt; &amp; promptly"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := string(letterBodyHTML(tt.input))
			for _, want := range tt.expected {
				if !strings.Contains(result, want) {
					t.Errorf("letterBodyHTML(%q) = %q, missing %q", tt.input, result, want)
				}
			}
		})
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Hello World", "Hello-World"},
		{"Demand for Payment: Invoice #2481", "Demand-for-Payment-Invoice-2481"},
		{"Special!@#$%Chars", "SpecialChars"},
		{"", "letter"},
		{"Very Long Title That Exceeds Fifty Characters Limit", "Very-Long-Title-That-Exceeds-Fifty-Characters-Limi"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := sanitizeFilename(tt.input)
			if result != tt.expected {
				t.Errorf("sanitizeFilename(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestPercentEncodeForDataURL(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"hello world", "hello%20world"},       // Spaces encoded as %20, not +
		{"test+sign", "test%2Bsign"},           // + signs are encoded
		{"special<>", "special%3C%3E"},         // Special chars encoded
		{"normal-text.txt", "normal-text.txt"}, // Unreserved chars pass through
		{"", ""},                               // Empty string
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := percentEncodeForDataURL(tt.input)
			if result != tt.expected {
				t.Errorf("percentEncodeForDataURL(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestRenderLetterHTML(t *testing.T) {
	data := TemplateData{
		Title:           "Demand for Payment: Invoice #2481",
		Recipient:       "Northwind Logistics LLC",
		State:           "APPROVED",
		VersionNumber:   3,
		ComplianceScore: 85,
		BodyHTML:        letterBodyHTML("Dear Sir or Madam,\n\nDemand is hereby made."),
		Author:          "Avery",
		UpdatedAt:       time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC),
		Approval: &TemplateApproval{
			SignedBy:      "Marcus K.",
			VersionNumber: 3,
			SignatureKey:  "sha256:abcdef",
			SignedAt:      time.Date(2026, 8, 21, 9, 30, 0, 0, time.UTC),
		},
	}

	html, err := RenderLetterHTML(data)
	if err != nil {
		t.Fatalf("RenderLetterHTML() error = %v", err)
	}

	for _, want := range []string{
		"Demand for Payment: Invoice #2481",
		"Northwind Logistics LLC",
		"Version 3",
		"Compliance 85/100",
		"Approval Certificate",
		"Marcus K.",
		"sha256:abcdef",
	} {
		if !strings.Contains(html, want) {
			t.Errorf("HTML missing %q", want)
		}
	}

	// Body paragraphs must land as raw HTML, not escaped markup.
	if strings.Contains(html, "&lt;p&gt;") {
		t.Error("letter body was escaped, should be rendered as raw HTML")
	}
	if !strings.Contains(html, "<p>Demand is hereby made.</p>") {
		t.Error("letter body should contain unescaped <p> tags")
	}
}

func TestRenderLetterHTMLWithoutApproval(t *testing.T) {
	html, err := RenderLetterHTML(TemplateData{
		Title:         "Draft Letter",
		Recipient:     "Acme",
		State:         "DRAFT",
		VersionNumber: 1,
		BodyHTML:      letterBodyHTML("text"),
		Author:        "Avery",
		UpdatedAt:     time.Now(),
	})
	if err != nil {
		t.Fatalf("RenderLetterHTML() error = %v", err)
	}
	if strings.Contains(html, "Approval Certificate") {
		t.Error("unapproved letter must not include the certificate block")
	}
}

type fakeExportStore struct {
	letter   store.Letter
	versions map[int]store.Version
	approval *store.Approval
}

func (f *fakeExportStore) GetLetter(ctx context.Context, id string) (store.Letter, error) {
	if id != f.letter.ID {
		return store.Letter{}, sql.ErrNoRows
	}
	return f.letter, nil
}

func (f *fakeExportStore) GetVersion(ctx context.Context, letterID string, number int) (store.Version, error) {
	v, ok := f.versions[number]
	if !ok {
		return store.Version{}, sql.ErrNoRows
	}
	return v, nil
}

func (f *fakeExportStore) LatestApproval(ctx context.Context, letterID string) (store.Approval, error) {
	if f.approval == nil {
		return store.Approval{}, sql.ErrNoRows
	}
	return *f.approval, nil
}

func TestExportUnknownLetter(t *testing.T) {
	svc := NewService(&fakeExportStore{letter: store.Letter{ID: "ltr_known"}})

	_, err := svc.Export(context.Background(), Request{LetterID: "ltr_other", Format: FormatPDF})
	if !errors.Is(err, ErrLetterNotFound) {
		t.Fatalf("expected ErrLetterNotFound, got %v", err)
	}
}

func TestExportUnknownVersion(t *testing.T) {
	svc := NewService(&fakeExportStore{
		letter:   store.Letter{ID: "ltr_1", Title: "T", CurrentVersion: 1, Content: "text"},
		versions: map[int]store.Version{},
	})

	_, err := svc.Export(context.Background(), Request{LetterID: "ltr_1", VersionNumber: 9, Format: FormatPDF})
	if !errors.Is(err, ErrLetterNotFound) {
		t.Fatalf("expected ErrLetterNotFound, got %v", err)
	}
}

func TestExportUnsupportedFormat(t *testing.T) {
	svc := NewService(&fakeExportStore{
		letter: store.Letter{ID: "ltr_1", Title: "T", CurrentVersion: 1, Content: "text"},
	})

	_, err := svc.Export(context.Background(), Request{LetterID: "ltr_1", Format: Format("odt")})
	if err == nil {
		t.Fatal("expected error for unsupported format")
	}
}
