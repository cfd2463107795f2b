package app

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strings"

	"redress/api/internal/archive"
	"redress/api/internal/diff"
	"redress/api/internal/store"
	"redress/api/internal/util"
	"redress/api/internal/workflow"
)

type CreateLetterInput struct {
	Title           string `json:"title"`
	Recipient       string `json:"recipient"`
	Content         string `json:"content"`
	ComplianceScore int    `json:"complianceScore"`
}

type EditContentInput struct {
	Content         string `json:"content"`
	ComplianceScore int    `json:"complianceScore"`
}

type RefineInput struct {
	Content         string `json:"content"`
	ComplianceScore int    `json:"complianceScore"`
	Instruction     string `json:"instruction"`
}

type TransitionInput struct {
	Reason    string `json:"reason"`
	Signature string `json:"signature"`
}

// editContent is not a lifecycle action; it is used only to report content
// mutations attempted outside DRAFT with the same error shape.
const actionEditContent workflow.Action = "editContent"

func (s *Service) CreateLetter(ctx context.Context, input CreateLetterInput, actor Actor) (map[string]any, error) {
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return nil, domainError(422, "VALIDATION_ERROR", "title is required", nil)
	}
	if err := validateScore(input.ComplianceScore); err != nil {
		return nil, err
	}

	letter := store.Letter{
		ID:              util.NewID("ltr"),
		Title:           title,
		Recipient:       strings.TrimSpace(input.Recipient),
		State:           string(workflow.StateDraft),
		CurrentVersion:  1,
		Content:         input.Content,
		ComplianceScore: input.ComplianceScore,
		CreatedBy:       actor.Name,
	}
	if err := s.store.InsertLetter(ctx, letter); err != nil {
		return nil, err
	}

	if s.archive != nil {
		if err := s.archive.EnsureLetterRepo(letter.ID, archive.Snapshot{
			VersionNumber: 1,
			Content:       letter.Content,
			Score:         letter.ComplianceScore,
			Author:        actor.Name,
		}); err != nil {
			log.Printf("archive: init repo for %s: %v", letter.ID, err)
		}
	}
	s.indexLetter(letter)

	return letterPayload(letter), nil
}

func (s *Service) ListLetters(ctx context.Context) ([]map[string]any, error) {
	letters, err := s.store.ListLetters(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(letters))
	for _, l := range letters {
		items = append(items, letterPayload(l))
	}
	return items, nil
}

func (s *Service) GetLetter(ctx context.Context, id string) (map[string]any, error) {
	letter, err := s.store.GetLetter(ctx, id)
	if err != nil {
		return nil, err
	}
	return letterPayload(letter), nil
}

// EditContent replaces the working copy of a draft. The write is guarded by
// a compare-and-swap on the version pointer; a lost race is retried once
// against fresh state, and only on conflict.
func (s *Service) EditContent(ctx context.Context, id string, input EditContentInput, actor Actor) (map[string]any, error) {
	if err := validateScore(input.ComplianceScore); err != nil {
		return nil, err
	}

	for attempt := 0; attempt < 2; attempt++ {
		letter, err := s.store.GetLetter(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := mutationGuard(letter); err != nil {
			return nil, err
		}

		changed, err := s.store.UpdateLetterContent(ctx, id, input.Content, input.ComplianceScore, letter.CurrentVersion)
		if err != nil {
			return nil, err
		}
		if changed {
			letter.Content = input.Content
			letter.ComplianceScore = input.ComplianceScore
			s.indexLetter(letter)
			return letterPayload(letter), nil
		}
	}
	return nil, errConflict()
}

// SaveVersion persists the working copy as a snapshot at the current number.
// Saving an already-captured number returns the existing snapshot unchanged.
func (s *Service) SaveVersion(ctx context.Context, id string, actor Actor) (map[string]any, error) {
	letter, err := s.store.GetLetter(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := mutationGuard(letter); err != nil {
		return nil, err
	}

	snap, err := s.store.EnsureSnapshot(ctx, id, letter.CurrentVersion, letter.Content, letter.ComplianceScore, actor.Name)
	if err != nil {
		return nil, err
	}
	s.archiveCommit(id, snap)
	return versionPayload(snap, true), nil
}

// Refine captures producer-supplied content as the next version. The
// pre-mutation working copy is snapshotted first if it never was, so no
// state is lost; a capture that races another writer retries once.
func (s *Service) Refine(ctx context.Context, id string, input RefineInput, actor Actor) (map[string]any, error) {
	if err := validateScore(input.ComplianceScore); err != nil {
		return nil, err
	}

	for attempt := 0; attempt < 2; attempt++ {
		letter, err := s.store.GetLetter(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := mutationGuard(letter); err != nil {
			return nil, err
		}

		snap, err := s.store.CaptureVersion(ctx, store.CaptureParams{
			LetterID:          id,
			ExpectedVersion:   letter.CurrentVersion,
			PreContent:        letter.Content,
			PreScore:          letter.ComplianceScore,
			NewContent:        input.Content,
			NewScore:          input.ComplianceScore,
			OriginInstruction: strings.TrimSpace(input.Instruction),
			CreatedBy:         actor.Name,
		})
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}

		s.archiveCommit(id, snap)
		letter.Content = snap.Content
		letter.ComplianceScore = snap.ComplianceScore
		letter.CurrentVersion = snap.VersionNumber
		s.indexLetter(letter)
		return versionPayload(snap, true), nil
	}
	return nil, errConflict()
}

// Undo moves the pointer back one version. The working copy is snapshotted
// at the current number first so a following redo restores it exactly.
func (s *Service) Undo(ctx context.Context, id string, actor Actor) (map[string]any, error) {
	for attempt := 0; attempt < 2; attempt++ {
		letter, err := s.store.GetLetter(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := mutationGuard(letter); err != nil {
			return nil, err
		}
		if letter.CurrentVersion <= 1 {
			return nil, errNoPriorVersion(letter.CurrentVersion)
		}

		if _, err := s.store.EnsureSnapshot(ctx, id, letter.CurrentVersion, letter.Content, letter.ComplianceScore, actor.Name); err != nil {
			return nil, err
		}

		target, err := s.store.GetVersion(ctx, id, letter.CurrentVersion-1)
		if err != nil {
			return nil, err
		}

		changed, err := s.store.SetCurrentVersion(ctx, id, target.VersionNumber, letter.CurrentVersion, target.Content, target.ComplianceScore)
		if err != nil {
			return nil, err
		}
		if changed {
			return versionPayload(target, true), nil
		}
	}
	return nil, errConflict()
}

// Redo moves the pointer forward to the next snapshot, if one exists.
func (s *Service) Redo(ctx context.Context, id string, actor Actor) (map[string]any, error) {
	for attempt := 0; attempt < 2; attempt++ {
		letter, err := s.store.GetLetter(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := mutationGuard(letter); err != nil {
			return nil, err
		}

		target, err := s.store.GetVersion(ctx, id, letter.CurrentVersion+1)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errNoNextVersion(letter.CurrentVersion)
		}
		if err != nil {
			return nil, err
		}

		changed, err := s.store.SetCurrentVersion(ctx, id, target.VersionNumber, letter.CurrentVersion, target.Content, target.ComplianceScore)
		if err != nil {
			return nil, err
		}
		if changed {
			return versionPayload(target, true), nil
		}
	}
	return nil, errConflict()
}

func (s *Service) ListVersions(ctx context.Context, id string) (map[string]any, error) {
	letter, err := s.store.GetLetter(ctx, id)
	if err != nil {
		return nil, err
	}
	versions, err := s.store.ListVersions(ctx, id)
	if err != nil {
		return nil, err
	}

	items := make([]map[string]any, 0, len(versions))
	for _, v := range versions {
		items = append(items, versionPayload(v, v.VersionNumber == letter.CurrentVersion))
	}
	return map[string]any{
		"letterId":       id,
		"currentVersion": letter.CurrentVersion,
		"versions":       items,
	}, nil
}

// DiffBetween compares two snapshots. The pair is order-normalized, so
// callers may pass versions in either order.
func (s *Service) DiffBetween(ctx context.Context, id string, v1, v2 int) (map[string]any, error) {
	if _, err := s.store.GetLetter(ctx, id); err != nil {
		return nil, err
	}

	lo, hi := v1, v2
	if lo > hi {
		lo, hi = hi, lo
	}

	oldSnap, err := s.store.GetVersion(ctx, id, lo)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domainError(404, "NOT_FOUND", fmt.Sprintf("Version %d not found", lo), nil)
	}
	if err != nil {
		return nil, err
	}
	newSnap, err := s.store.GetVersion(ctx, id, hi)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domainError(404, "NOT_FOUND", fmt.Sprintf("Version %d not found", hi), nil)
	}
	if err != nil {
		return nil, err
	}

	lines := diff.Lines(oldSnap.Content, newSnap.Content)
	stats := diff.Stats(lines)

	return map[string]any{
		"letterId":   id,
		"oldVersion": lo,
		"newVersion": hi,
		"stats":      stats,
		"lines":      lines,
	}, nil
}

// Transition applies a lifecycle action. The state flip and the audit event
// commit together; of two racing transitions exactly one wins and the loser
// is told the actual state it lost to.
func (s *Service) Transition(ctx context.Context, id string, action workflow.Action, actor Actor, input TransitionInput) (map[string]any, error) {
	letter, err := s.store.GetLetter(ctx, id)
	if err != nil {
		return nil, err
	}
	state := workflow.State(letter.State)

	next, err := workflow.Next(state, action)
	if err != nil {
		return nil, err
	}

	event := store.TransitionEvent{
		LetterID:  id,
		Action:    action.EventName(),
		FromState: string(state),
		ToState:   string(next),
		ActorName: actor.Name,
		ActorRole: actor.Role,
		IP:        actor.IP,
		UserAgent: actor.UserAgent,
	}

	switch action {
	case workflow.ActionSubmitForReview:
		if err := workflow.CheckSubmit(letter.ComplianceScore, s.ComplianceThreshold()); err != nil {
			return nil, err
		}
	case workflow.ActionReject:
		reason, err := workflow.CheckRejectReason(input.Reason)
		if err != nil {
			return nil, err
		}
		event.Reason = reason
	}

	var approval *store.Approval
	if action == workflow.ActionApprove {
		approval = &store.Approval{
			ID:            util.NewID("apr"),
			LetterID:      id,
			VersionNumber: letter.CurrentVersion,
			SignedBy:      actor.Name,
			SignatureKey:  s.storeSignature(ctx, id, input.Signature),
		}
		event.ApprovalID = approval.ID
		event.SignatureKey = approval.SignatureKey
	}

	changed, err := s.store.TransitionState(ctx, id, string(state), string(next), &event, approval)
	if err != nil {
		return nil, err
	}
	if !changed {
		// A concurrent transition won. Report against the state it left.
		fresh, err := s.store.GetLetter(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, &workflow.InvalidTransitionError{Action: action, State: workflow.State(fresh.State)}
	}

	if action == workflow.ActionApprove && s.archive != nil {
		if err := s.archive.TagApproval(id, fmt.Sprintf("approved-v%d", letter.CurrentVersion)); err != nil {
			log.Printf("archive: tag approval for %s: %v", id, err)
		}
	}

	letter.State = string(next)
	s.indexLetter(letter)
	s.indexEvent(event)
	s.notifyTransition(ctx, letter, action, event.Reason)

	payload := map[string]any{
		"id":    id,
		"state": string(next),
	}
	if approval != nil {
		payload["approvalId"] = approval.ID
	}
	return payload, nil
}

// History returns the transition timeline. The recorded events are replayed
// through the transition table as a consistency check against the letter row.
func (s *Service) History(ctx context.Context, id string) (map[string]any, error) {
	letter, err := s.store.GetLetter(ctx, id)
	if err != nil {
		return nil, err
	}
	events, err := s.store.ListTransitionEvents(ctx, id)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(events))
	items := make([]map[string]any, 0, len(events))
	for _, e := range events {
		names = append(names, e.Action)
		items = append(items, eventPayload(e))
	}

	if replayed, err := workflow.Replay(names); err != nil {
		log.Printf("history: replay failed for %s: %v", id, err)
	} else if replayed != workflow.State(letter.State) {
		log.Printf("history: replay mismatch for %s: events say %s, letter says %s", id, replayed, letter.State)
	}

	return map[string]any{
		"letterId": id,
		"state":    letter.State,
		"events":   items,
	}, nil
}

// storeSignature persists an opaque signature payload and returns the key
// recorded on the approval. With no object store configured the payload is
// reduced to a content hash, which still binds the approval to it.
func (s *Service) storeSignature(ctx context.Context, letterID, signature string) string {
	if signature == "" {
		return ""
	}
	if s.blobs != nil {
		key := fmt.Sprintf("sig/%s/%s.png", letterID, util.NewID(""))
		if err := s.blobs.PutSignature(ctx, key, []byte(signature)); err != nil {
			log.Printf("blob: store signature for %s: %v", letterID, err)
		} else {
			return key
		}
	}
	sum := sha256.Sum256([]byte(signature))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// StoreExport archives a rendered export in the object store. Best effort:
// the download already succeeded, so failures are only logged.
func (s *Service) StoreExport(ctx context.Context, letterID, filename, contentType string, data []byte) {
	if s.blobs == nil {
		return
	}
	key := fmt.Sprintf("exports/%s/%s", letterID, filename)
	if err := s.blobs.PutExport(ctx, key, data, contentType); err != nil {
		log.Printf("blob: store export for %s: %v", letterID, err)
	}
}

func (s *Service) archiveCommit(letterID string, snap store.Version) {
	if s.archive == nil {
		return
	}
	if err := s.archive.CommitSnapshot(letterID, archive.Snapshot{
		VersionNumber: snap.VersionNumber,
		Content:       snap.Content,
		Score:         snap.ComplianceScore,
		Instruction:   snap.OriginInstruction,
		Author:        snap.CreatedBy,
	}); err != nil {
		log.Printf("archive: commit v%d for %s: %v", snap.VersionNumber, letterID, err)
	}
}

func (s *Service) notifyTransition(ctx context.Context, letter store.Letter, action workflow.Action, reason string) {
	if s.mailer == nil || !s.mailer.IsConfigured() {
		return
	}
	owner, err := s.store.EnsureUserByName(ctx, letter.CreatedBy, "editor")
	if err != nil || owner.Email == "" {
		return
	}
	if err := s.mailer.SendTransitionEmail(owner.Email, letter.Title, action.EventName(), reason); err != nil {
		log.Printf("email: notify %s about %s: %v", owner.Email, letter.ID, err)
	}
}

func mutationGuard(l store.Letter) error {
	if !workflow.CanMutateContent(workflow.State(l.State)) {
		return &workflow.InvalidTransitionError{Action: actionEditContent, State: workflow.State(l.State)}
	}
	return nil
}

func validateScore(score int) error {
	if score < 0 || score > 100 {
		return domainError(422, "VALIDATION_ERROR", "complianceScore must be between 0 and 100", nil)
	}
	return nil
}

func letterPayload(l store.Letter) map[string]any {
	return map[string]any{
		"id":              l.ID,
		"title":           l.Title,
		"recipient":       l.Recipient,
		"state":           l.State,
		"currentVersion":  l.CurrentVersion,
		"content":         l.Content,
		"complianceScore": l.ComplianceScore,
		"createdBy":       l.CreatedBy,
		"createdAt":       l.CreatedAt,
		"updatedAt":       l.UpdatedAt,
	}
}

func versionPayload(v store.Version, isCurrent bool) map[string]any {
	return map[string]any{
		"letterId":          v.LetterID,
		"versionNumber":     v.VersionNumber,
		"content":           v.Content,
		"originInstruction": v.OriginInstruction,
		"complianceScore":   v.ComplianceScore,
		"createdBy":         v.CreatedBy,
		"createdAt":         v.CreatedAt,
		"isCurrent":         isCurrent,
	}
}

func eventPayload(e store.TransitionEvent) map[string]any {
	payload := map[string]any{
		"action":    e.Action,
		"fromState": e.FromState,
		"toState":   e.ToState,
		"actor":     e.ActorName,
		"role":      e.ActorRole,
		"createdAt": e.CreatedAt,
	}
	if e.IP != "" {
		payload["ip"] = e.IP
	}
	if e.UserAgent != "" {
		payload["userAgent"] = e.UserAgent
	}
	if e.Reason != "" {
		payload["reason"] = e.Reason
	}
	if e.ApprovalID != "" {
		payload["approvalId"] = e.ApprovalID
	}
	if e.SignatureKey != "" {
		payload["signatureKey"] = e.SignatureKey
	}
	return payload
}
