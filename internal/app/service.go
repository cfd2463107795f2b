package app

import (
	"context"
	"log"
	"strings"
	"time"

	"redress/api/internal/archive"
	"redress/api/internal/auth"
	"redress/api/internal/authpw"
	"redress/api/internal/blob"
	"redress/api/internal/config"
	"redress/api/internal/email"
	"redress/api/internal/rbac"
	"redress/api/internal/search"
	"redress/api/internal/store"
	"redress/api/internal/util"
	"redress/api/internal/workflow"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

// Actor is the attribution attached to every transition event.
type Actor struct {
	Name      string
	Role      string
	IP        string
	UserAgent string
}

type dataStore interface {
	EnsureUserByName(context.Context, string, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	SaveRefreshSession(context.Context, string, string, time.Time) error
	LookupRefreshSession(context.Context, string) (string, error)
	DeleteRefreshSession(context.Context, string) error
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
	Ping(ctx context.Context) error

	InsertLetter(context.Context, store.Letter) error
	GetLetter(context.Context, string) (store.Letter, error)
	ListLetters(context.Context) ([]store.Letter, error)
	UpdateLetterContent(context.Context, string, string, int, int) (bool, error)
	GetVersion(context.Context, string, int) (store.Version, error)
	ListVersions(context.Context, string) ([]store.Version, error)
	MaxVersion(context.Context, string) (int, error)
	EnsureSnapshot(context.Context, string, int, string, int, string) (store.Version, error)
	CaptureVersion(context.Context, store.CaptureParams) (store.Version, error)
	SetCurrentVersion(context.Context, string, int, int, string, int) (bool, error)
	TransitionState(context.Context, string, string, string, *store.TransitionEvent, *store.Approval) (bool, error)
	ListTransitionEvents(context.Context, string) ([]store.TransitionEvent, error)
	GetApproval(context.Context, string) (store.Approval, error)
	LatestApproval(context.Context, string) (store.Approval, error)
}

// archiveService mirrors version history into per-letter git repositories.
// All calls are fire-and-forget from the coordinator's point of view: the
// database rows are authoritative regardless of archive delivery.
type archiveService interface {
	EnsureLetterRepo(letterID string, snap archive.Snapshot) error
	CommitSnapshot(letterID string, snap archive.Snapshot) error
	TagApproval(letterID, tag string) error
}

// blobStore holds approval signature images and archived exports.
type blobStore interface {
	PutSignature(ctx context.Context, key string, data []byte) error
	PutExport(ctx context.Context, key string, data []byte, contentType string) error
}

// refreshSessions abstracts refresh-token storage so Redis can serve it with
// a Postgres fallback.
type refreshSessions interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (string, error)
	DeleteRefreshSession(ctx context.Context, tokenHash string) error
}

type Service struct {
	cfg      config.Config
	store    dataStore
	archive  archiveService
	sessions refreshSessions

	searcher *search.Service
	authPw   *authpw.Service
	mailer   *email.Service
	blobs    blobStore
}

func New(cfg config.Config, dataStore *store.PostgresStore, archiveService *archive.Service) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		archive:  archiveService,
		sessions: dataStore,
	}
}

// SetSessionStore swaps in Redis-backed refresh sessions.
func (s *Service) SetSessionStore(sessions refreshSessions) {
	if sessions != nil {
		s.sessions = sessions
	}
}

func (s *Service) SetSearch(searcher *search.Service) { s.searcher = searcher }
func (s *Service) SetAuthPassword(a *authpw.Service)  { s.authPw = a }
func (s *Service) SetEmail(m *email.Service)          { s.mailer = m }
func (s *Service) SetBlobStore(b *blob.Store) {
	if b != nil {
		s.blobs = b
	}
}

func (s *Service) AuthPasswordService() *authpw.Service { return s.authPw }

func (s *Service) SMTPConfigured() bool {
	return s.mailer != nil && s.mailer.IsConfigured()
}

func (s *Service) ComplianceThreshold() int {
	if s.cfg.ComplianceThreshold > 0 {
		return s.cfg.ComplianceThreshold
	}
	return workflow.DefaultComplianceThreshold
}

// Bootstrap seeds a fresh database with demo users and one sample letter so
// the product is explorable immediately after first start.
func (s *Service) Bootstrap(ctx context.Context) error {
	letters, err := s.store.ListLetters(ctx)
	if err != nil {
		return err
	}
	if len(letters) > 0 {
		return nil
	}

	owner, err := s.store.EnsureUserByName(ctx, "Avery", "editor")
	if err != nil {
		return err
	}
	if _, err := s.store.EnsureUserByName(ctx, "Marcus K.", "approver"); err != nil {
		return err
	}
	if _, err := s.store.EnsureUserByName(ctx, "Jamie L.", "viewer"); err != nil {
		return err
	}

	seed := store.Letter{
		ID:        util.NewID("ltr"),
		Title:     "Demand for Payment: Invoice #2481",
		Recipient: "Northwind Logistics LLC",
		State:     string(workflow.StateDraft),
		Content: "Dear Sir or Madam,\n\n" +
			"We write on behalf of our client regarding invoice #2481, issued on " +
			"March 3 and now 94 days past due, in the amount of $18,400.\n\n" +
			"Demand is hereby made for payment in full within fourteen (14) days " +
			"of the date of this letter.\n\nRegards,\nAvery",
		ComplianceScore: 55,
		CreatedBy:       owner.DisplayName,
	}
	if err := s.store.InsertLetter(ctx, seed); err != nil {
		return err
	}

	if s.archive != nil {
		if err := s.archive.EnsureLetterRepo(seed.ID, archive.Snapshot{
			VersionNumber: 1,
			Content:       seed.Content,
			Score:         seed.ComplianceScore,
			Author:        owner.DisplayName,
		}); err != nil {
			log.Printf("bootstrap: archive init for %s: %v", seed.ID, err)
		}
	}
	s.indexLetter(seed)
	return nil
}

func (s *Service) Login(ctx context.Context, name string) (Session, error) {
	userName := strings.TrimSpace(name)
	if userName == "" {
		userName = "User"
	}

	user, err := s.store.EnsureUserByName(ctx, userName, "editor")
	if err != nil {
		return Session{}, err
	}

	return s.issueSession(ctx, user)
}

// CreateSession issues a session for an already-authenticated user, used by
// the password sign-in flow.
func (s *Service) CreateSession(ctx context.Context, userID string) (Session, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	userID, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.DeleteRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		Role: user.Role,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		Role:         user.Role,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Role:      user.Role,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.DeleteRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Search proxies to the search facade. When search is not wired the endpoint
// degrades to an empty result set rather than failing.
func (s *Service) Search(ctx context.Context, q, filterType string, limit, offset int) (map[string]any, error) {
	if s.searcher == nil {
		return map[string]any{"results": []any{}, "total": 0, "query": q}, nil
	}
	resp, err := s.searcher.Search(ctx, search.Query{
		Text:       q,
		FilterType: search.ResultType(filterType),
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"results": resp.Results, "total": resp.Total, "query": q}, nil
}

func (s *Service) indexLetter(l store.Letter) {
	if s.searcher == nil {
		return
	}
	if err := s.searcher.IndexLetter(search.LetterRecord{
		ID:        l.ID,
		Title:     l.Title,
		Recipient: l.Recipient,
		Content:   l.Content,
		State:     l.State,
	}); err != nil {
		log.Printf("search: index letter %s: %v", l.ID, err)
	}
}

func (s *Service) indexEvent(e store.TransitionEvent) {
	if s.searcher == nil {
		return
	}
	if err := s.searcher.IndexEvent(search.EventRecord{
		ID:       e.ID,
		LetterID: e.LetterID,
		Action:   e.Action,
		Actor:    e.ActorName,
		Reason:   e.Reason,
	}); err != nil {
		log.Printf("search: index event for %s: %v", e.LetterID, err)
	}
}
