package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"redress/api/internal/util"
)

// ErrConflict signals that an optimistic concurrency check failed: the row
// moved between the caller's read and its write. Callers may retry once
// against fresh state.
var ErrConflict = errors.New("concurrent letter update")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) EnsureUserByName(ctx context.Context, name, role string) (User, error) {
	const findUser = `SELECT id, display_name, role FROM users WHERE display_name = $1`
	var user User
	err := s.db.QueryRowContext(ctx, findUser, name).Scan(&user.ID, &user.DisplayName, &user.Role)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}

	insertUser := `
		INSERT INTO users (id, display_name, email, role)
		VALUES ($1, $2, CONCAT(LOWER(REPLACE($2, ' ', '.')), '@local.redress.dev'), $3)
		RETURNING id, display_name, role
	`
	if err := s.db.QueryRowContext(ctx, insertUser, util.NewID("usr"), name, role).Scan(&user.ID, &user.DisplayName, &user.Role); err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

const userSelect = `
	SELECT id, display_name, COALESCE(email, ''), COALESCE(password_hash, ''), role,
	       is_email_verified, COALESCE(verification_token, ''), verification_expires_at,
	       deactivated_at, created_at, updated_at
	FROM users`

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, userSelect+` WHERE id = $1`, userID))
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, userSelect+` WHERE LOWER(email) = LOWER($1)`, email))
}

func scanUser(row *sql.Row) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.DisplayName, &u.Email, &u.PasswordHash, &u.Role,
		&u.IsEmailVerified, &u.VerificationToken, &u.VerificationExpiresAt,
		&u.DeactivatedAt, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return User{}, err
	}
	return u, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, u User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email, password_hash, role, is_email_verified, verification_token, verification_expires_at)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6, NULLIF($7, ''), $8)
	`, u.ID, u.DisplayName, u.Email, u.PasswordHash, u.Role, u.IsEmailVerified, u.VerificationToken, u.VerificationExpiresAt)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET password_hash = $2, updated_at = NOW() WHERE id = $1
	`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

func (s *PostgresStore) VerifyUserEmail(ctx context.Context, token string) (User, error) {
	var u User
	err := s.db.QueryRowContext(ctx, `
		UPDATE users
		SET is_email_verified = TRUE, verification_token = NULL, verification_expires_at = NULL, updated_at = NOW()
		WHERE verification_token = $1 AND verification_expires_at > NOW()
		RETURNING id, display_name, COALESCE(email, ''), role
	`, token).Scan(&u.ID, &u.DisplayName, &u.Email, &u.Role)
	if err != nil {
		return User{}, err
	}
	return u, nil
}

func (s *PostgresStore) CreatePasswordReset(ctx context.Context, id, userID, tokenHash string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO password_resets (id, user_id, token_hash, expires_at) VALUES ($1, $2, $3, $4)
	`, id, userID, tokenHash, expiresAt)
	if err != nil {
		return fmt.Errorf("create password reset: %w", err)
	}
	return nil
}

// ConsumePasswordReset marks an unused, unexpired reset as used and returns
// the owning user. sql.ErrNoRows covers expired, used, and unknown tokens.
func (s *PostgresStore) ConsumePasswordReset(ctx context.Context, tokenHash string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		UPDATE password_resets
		SET used_at = NOW()
		WHERE token_hash = $1 AND used_at IS NULL AND expires_at > NOW()
		RETURNING user_id
	`, tokenHash).Scan(&userID)
	if err != nil {
		return "", err
	}
	return userID, nil
}

// ---- refresh sessions and token revocation (fallback when Redis is down) ----

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id = EXCLUDED.user_id, expires_at = EXCLUDED.expires_at
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM refresh_sessions WHERE token_hash = $1 AND expires_at > NOW()
	`, tokenHash).Scan(&userID)
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (s *PostgresStore) DeleteRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM refresh_sessions WHERE token_hash = $1`, tokenHash)
	if err != nil {
		return fmt.Errorf("delete refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_tokens (jti, expires_at) VALUES ($1, $2) ON CONFLICT (jti) DO NOTHING
	`, jti, expiresAt)
	if err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM revoked_tokens WHERE jti = $1 AND expires_at > NOW())
	`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// ---- letters ----

const letterSelect = `
	SELECT id, title, COALESCE(recipient, ''), state, current_version, content,
	       compliance_score, created_by, created_at, updated_at
	FROM letters`

func scanLetter(row interface{ Scan(...any) error }) (Letter, error) {
	var l Letter
	err := row.Scan(&l.ID, &l.Title, &l.Recipient, &l.State, &l.CurrentVersion,
		&l.Content, &l.ComplianceScore, &l.CreatedBy, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return Letter{}, err
	}
	return l, nil
}

// InsertLetter creates the letter row together with its version 1 snapshot.
// A letter without a snapshot at its current pointer would violate the
// contiguity invariant, so both go in one transaction.
func (s *PostgresStore) InsertLetter(ctx context.Context, l Letter) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert letter: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO letters (id, title, recipient, state, current_version, content, compliance_score, created_by)
		VALUES ($1, $2, NULLIF($3, ''), $4, 1, $5, $6, $7)
	`, l.ID, l.Title, l.Recipient, l.State, l.Content, l.ComplianceScore, l.CreatedBy); err != nil {
		return fmt.Errorf("insert letter: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO letter_versions (letter_id, version_number, content, compliance_score, created_by)
		VALUES ($1, 1, $2, $3, $4)
	`, l.ID, l.Content, l.ComplianceScore, l.CreatedBy); err != nil {
		return fmt.Errorf("insert initial version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert letter: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetLetter(ctx context.Context, id string) (Letter, error) {
	return scanLetter(s.db.QueryRowContext(ctx, letterSelect+` WHERE id = $1`, id))
}

func (s *PostgresStore) ListLetters(ctx context.Context) ([]Letter, error) {
	rows, err := s.db.QueryContext(ctx, letterSelect+` ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list letters: %w", err)
	}
	defer rows.Close()

	var letters []Letter
	for rows.Next() {
		l, err := scanLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("scan letter: %w", err)
		}
		letters = append(letters, l)
	}
	return letters, rows.Err()
}

// UpdateLetterContent rewrites the working copy. The compare-and-swap on
// current_version and state catches lost updates and edits racing a
// transition; zero rows affected means the caller must re-read.
func (s *PostgresStore) UpdateLetterContent(ctx context.Context, id, content string, score, expectedVersion int) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE letters
		SET content = $2, compliance_score = $3, updated_at = NOW()
		WHERE id = $1 AND current_version = $4 AND state = 'DRAFT'
	`, id, content, score, expectedVersion)
	if err != nil {
		return false, fmt.Errorf("update letter content: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update letter content rows: %w", err)
	}
	return affected > 0, nil
}

// ---- versions ----

const versionSelect = `
	SELECT id, letter_id, version_number, content, COALESCE(origin_instruction, ''),
	       compliance_score, created_by, created_at
	FROM letter_versions`

func scanVersion(row interface{ Scan(...any) error }) (Version, error) {
	var v Version
	err := row.Scan(&v.ID, &v.LetterID, &v.VersionNumber, &v.Content,
		&v.OriginInstruction, &v.ComplianceScore, &v.CreatedBy, &v.CreatedAt)
	if err != nil {
		return Version{}, err
	}
	return v, nil
}

func (s *PostgresStore) GetVersion(ctx context.Context, letterID string, number int) (Version, error) {
	return scanVersion(s.db.QueryRowContext(ctx,
		versionSelect+` WHERE letter_id = $1 AND version_number = $2`, letterID, number))
}

func (s *PostgresStore) ListVersions(ctx context.Context, letterID string) ([]Version, error) {
	rows, err := s.db.QueryContext(ctx,
		versionSelect+` WHERE letter_id = $1 ORDER BY version_number DESC`, letterID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	var versions []Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func (s *PostgresStore) MaxVersion(ctx context.Context, letterID string) (int, error) {
	var max int
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version_number), 0) FROM letter_versions WHERE letter_id = $1
	`, letterID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("max version: %w", err)
	}
	return max, nil
}

// EnsureSnapshot persists the working copy at the given number if no
// snapshot exists there yet. Capturing an already-captured number is a
// no-op that returns the existing snapshot, so racing call sites agree.
func (s *PostgresStore) EnsureSnapshot(ctx context.Context, letterID string, number int, content string, score int, createdBy string) (Version, error) {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO letter_versions (letter_id, version_number, content, compliance_score, created_by)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (letter_id, version_number) DO NOTHING
	`, letterID, number, content, score, createdBy); err != nil {
		return Version{}, fmt.Errorf("ensure snapshot v%d: %w", number, err)
	}
	return s.GetVersion(ctx, letterID, number)
}

// CaptureVersion appends a snapshot at ExpectedVersion+1 and advances the
// pointer atomically. The pre-mutation working copy is persisted at
// ExpectedVersion if missing, and snapshots above the pointer (an abandoned
// redo branch) are removed so numbers stay contiguous. Returns ErrConflict
// when the letter moved past ExpectedVersion or left DRAFT.
func (s *PostgresStore) CaptureVersion(ctx context.Context, params CaptureParams) (Version, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Version{}, fmt.Errorf("begin capture: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE letters
		SET content = $2, compliance_score = $3, current_version = $4, updated_at = NOW()
		WHERE id = $1 AND current_version = $5 AND state = 'DRAFT'
	`, params.LetterID, params.NewContent, params.NewScore, params.ExpectedVersion+1, params.ExpectedVersion)
	if err != nil {
		return Version{}, fmt.Errorf("advance version pointer: %w", err)
	}
	if affected, err := res.RowsAffected(); err != nil {
		return Version{}, fmt.Errorf("advance version pointer rows: %w", err)
	} else if affected == 0 {
		return Version{}, ErrConflict
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO letter_versions (letter_id, version_number, content, compliance_score, created_by)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (letter_id, version_number) DO NOTHING
	`, params.LetterID, params.ExpectedVersion, params.PreContent, params.PreScore, params.CreatedBy); err != nil {
		return Version{}, fmt.Errorf("ensure pre-capture snapshot: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM letter_versions WHERE letter_id = $1 AND version_number > $2
	`, params.LetterID, params.ExpectedVersion); err != nil {
		return Version{}, fmt.Errorf("truncate redo branch: %w", err)
	}

	var v Version
	err = tx.QueryRowContext(ctx, `
		INSERT INTO letter_versions (letter_id, version_number, content, origin_instruction, compliance_score, created_by)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6)
		RETURNING id, letter_id, version_number, content, COALESCE(origin_instruction, ''), compliance_score, created_by, created_at
	`, params.LetterID, params.ExpectedVersion+1, params.NewContent, params.OriginInstruction,
		params.NewScore, params.CreatedBy).Scan(
		&v.ID, &v.LetterID, &v.VersionNumber, &v.Content, &v.OriginInstruction,
		&v.ComplianceScore, &v.CreatedBy, &v.CreatedAt)
	if err != nil {
		return Version{}, fmt.Errorf("insert snapshot: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Version{}, fmt.Errorf("commit capture: %w", err)
	}
	return v, nil
}

// SetCurrentVersion moves the pointer during undo/redo and restores the
// working copy from the target snapshot. CAS on the expected pointer.
func (s *PostgresStore) SetCurrentVersion(ctx context.Context, letterID string, target, expected int, content string, score int) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE letters
		SET current_version = $2, content = $3, compliance_score = $4, updated_at = NOW()
		WHERE id = $1 AND current_version = $5 AND state = 'DRAFT'
	`, letterID, target, content, score, expected)
	if err != nil {
		return false, fmt.Errorf("set current version: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set current version rows: %w", err)
	}
	return affected > 0, nil
}

// ---- transitions ----

// TransitionState flips the lifecycle state and appends the audit event in
// one transaction. The CAS on the prior state guarantees that of two racing
// transitions exactly one commits. An approval row rides along for approve.
// The event's ID and CreatedAt are filled in from the inserted row.
func (s *PostgresStore) TransitionState(ctx context.Context, letterID, from, to string, event *TransitionEvent, approval *Approval) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin transition: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE letters SET state = $2, updated_at = NOW() WHERE id = $1 AND state = $3
	`, letterID, to, from)
	if err != nil {
		return false, fmt.Errorf("update letter state: %w", err)
	}
	if affected, err := res.RowsAffected(); err != nil {
		return false, fmt.Errorf("update letter state rows: %w", err)
	} else if affected == 0 {
		return false, nil
	}

	if err := tx.QueryRowContext(ctx, `
		INSERT INTO transition_events (letter_id, action, from_state, to_state, actor_name, actor_role, ip, user_agent, reason, signature_key, approval_id)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, ''), NULLIF($10, ''), NULLIF($11, ''))
		RETURNING id, created_at
	`, letterID, event.Action, from, to, event.ActorName, event.ActorRole,
		event.IP, event.UserAgent, event.Reason, event.SignatureKey, event.ApprovalID).Scan(&event.ID, &event.CreatedAt); err != nil {
		return false, fmt.Errorf("append transition event: %w", err)
	}

	if approval != nil {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO approvals (id, letter_id, version_number, signed_by, signature_key)
			VALUES ($1, $2, $3, $4, NULLIF($5, ''))
		`, approval.ID, approval.LetterID, approval.VersionNumber, approval.SignedBy, approval.SignatureKey); err != nil {
			return false, fmt.Errorf("insert approval: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit transition: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) ListTransitionEvents(ctx context.Context, letterID string) ([]TransitionEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, letter_id, action, from_state, to_state, actor_name, actor_role,
		       COALESCE(ip, ''), COALESCE(user_agent, ''), COALESCE(reason, ''),
		       COALESCE(signature_key, ''), COALESCE(approval_id, ''), created_at
		FROM transition_events
		WHERE letter_id = $1
		ORDER BY created_at ASC, id ASC
	`, letterID)
	if err != nil {
		return nil, fmt.Errorf("list transition events: %w", err)
	}
	defer rows.Close()

	var events []TransitionEvent
	for rows.Next() {
		var e TransitionEvent
		if err := rows.Scan(&e.ID, &e.LetterID, &e.Action, &e.FromState, &e.ToState,
			&e.ActorName, &e.ActorRole, &e.IP, &e.UserAgent, &e.Reason,
			&e.SignatureKey, &e.ApprovalID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transition event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *PostgresStore) GetApproval(ctx context.Context, id string) (Approval, error) {
	var a Approval
	err := s.db.QueryRowContext(ctx, `
		SELECT id, letter_id, version_number, signed_by, COALESCE(signature_key, ''), created_at
		FROM approvals WHERE id = $1
	`, id).Scan(&a.ID, &a.LetterID, &a.VersionNumber, &a.SignedBy, &a.SignatureKey, &a.CreatedAt)
	if err != nil {
		return Approval{}, err
	}
	return a, nil
}

func (s *PostgresStore) LatestApproval(ctx context.Context, letterID string) (Approval, error) {
	var a Approval
	err := s.db.QueryRowContext(ctx, `
		SELECT id, letter_id, version_number, signed_by, COALESCE(signature_key, ''), created_at
		FROM approvals WHERE letter_id = $1
		ORDER BY created_at DESC LIMIT 1
	`, letterID).Scan(&a.ID, &a.LetterID, &a.VersionNumber, &a.SignedBy, &a.SignatureKey, &a.CreatedAt)
	if err != nil {
		return Approval{}, err
	}
	return a, nil
}
