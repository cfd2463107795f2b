package export

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"redress/api/internal/store"
)

// DataStore is the slice of letter storage the exporter needs.
type DataStore interface {
	GetLetter(ctx context.Context, id string) (store.Letter, error)
	GetVersion(ctx context.Context, letterID string, number int) (store.Version, error)
	LatestApproval(ctx context.Context, letterID string) (store.Approval, error)
}

// Service renders letters to downloadable files.
type Service struct {
	store DataStore
}

func NewService(store DataStore) *Service {
	return &Service{store: store}
}

// Export generates an export in the requested format. When VersionNumber is
// zero the current working copy is rendered; otherwise the named snapshot.
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	letter, err := s.store.GetLetter(ctx, req.LetterID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrLetterNotFound
		}
		return nil, fmt.Errorf("get letter: %w", err)
	}

	content := letter.Content
	versionNumber := letter.CurrentVersion
	if req.VersionNumber > 0 {
		snap, err := s.store.GetVersion(ctx, req.LetterID, req.VersionNumber)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, ErrLetterNotFound
			}
			return nil, fmt.Errorf("get version: %w", err)
		}
		content = snap.Content
		versionNumber = snap.VersionNumber
	}

	data := TemplateData{
		Title:           letter.Title,
		Recipient:       letter.Recipient,
		State:           letter.State,
		VersionNumber:   versionNumber,
		ComplianceScore: letter.ComplianceScore,
		BodyHTML:        letterBodyHTML(content),
		Author:          letter.CreatedBy,
		UpdatedAt:       letter.UpdatedAt,
	}

	// An approved or later-stage letter carries its approval certificate.
	if approval, err := s.store.LatestApproval(ctx, req.LetterID); err == nil {
		data.Approval = &TemplateApproval{
			SignedBy:      approval.SignedBy,
			VersionNumber: approval.VersionNumber,
			SignatureKey:  approval.SignatureKey,
			SignedAt:      approval.CreatedAt,
		}
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("load approval: %w", err)
	}

	html, err := RenderLetterHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	switch req.Format {
	case FormatPDF:
		return exportPDF(html, letter.Title)
	case FormatDOCX:
		return exportDOCX(html, letter.Title)
	default:
		return nil, fmt.Errorf("unsupported format: %s", req.Format)
	}
}
