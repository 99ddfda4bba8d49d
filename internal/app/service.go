package app

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/juju/loggo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"loanops/api/internal/auth"
	"loanops/api/internal/authpw"
	"loanops/api/internal/broadcast"
	"loanops/api/internal/config"
	"loanops/api/internal/email"
	"loanops/api/internal/export"
	"loanops/api/internal/journal"
	"loanops/api/internal/rbac"
	"loanops/api/internal/search"
	"loanops/api/internal/store"
	"loanops/api/internal/util"
	"loanops/api/internal/workflow"
)

var logger = loggo.GetLogger("loanops.app")

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Role         string
	Branches     []string
	JTI          string
	ExpiresAt    time.Time
}

type dataStore interface {
	Ping(context.Context) error
	InsertQuery(context.Context, store.QueryRecord) error
	GetQuery(context.Context, string) (store.QueryRecord, error)
	ListQueries(context.Context, store.QueryFilter) ([]store.QueryRecord, error)
	CountQueries(context.Context, store.QueryFilter) (int, error)
	SearchQueries(context.Context, string, store.QueryFilter, int) ([]store.QueryRecord, int, error)
	UpdateSubQuery(context.Context, string, store.SubQuery, store.RecordChange) (store.QueryRecord, error)
	SetVisibility(context.Context, string, string, []string, time.Time) (store.QueryRecord, error)
	PushRemark(context.Context, string, store.Remark) (store.QueryRecord, error)
	EditRemark(context.Context, string, string, string, time.Time) (store.QueryRecord, error)
	DeleteRemark(context.Context, string, string, time.Time) (store.QueryRecord, error)
	ClearQueries(context.Context) (int, error)
	InsertMessage(context.Context, store.ChatMessage) error
	ListMessages(context.Context, string) ([]store.ChatMessage, error)
	ClearMessages(context.Context) (int, error)
	GetUser(context.Context, string) (store.User, error)
	ListUsers(context.Context) ([]store.User, error)
	InsertUser(context.Context, store.User) error
	UpsertUser(context.Context, store.User) error
	UpdateUser(context.Context, string, store.UserUpdate) (store.User, error)
	TouchLogin(context.Context, string, time.Time) error
	DeleteUser(context.Context, string) error
	ListBranches(context.Context, bool) ([]store.Branch, error)
	GetBranch(context.Context, string) (store.Branch, error)
	UpsertBranch(context.Context, store.Branch) error
	ListApplications(context.Context, bool, []string) ([]store.Application, error)
	UpsertApplications(context.Context, []store.Application) (int, error)
	GetSanctioned(context.Context, string) (store.Application, error)
	DeleteSanctioned(context.Context, string) error
	ClearSanctioned(context.Context) (int, error)
}

type sessionStore interface {
	SaveRefreshSession(context.Context, string, string, time.Time) error
	LookupRefreshSession(context.Context, string) (string, error)
	RevokeRefreshSession(context.Context, string) error
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
	Ping(context.Context) error
}

// updateJournal is the append-only feed behind the polling endpoint.
type updateJournal interface {
	Append(context.Context, string, string, string, any) (int64, error)
	Since(context.Context, time.Time, int) ([]journal.Entry, error)
	Ping(context.Context) error
}

// Dependencies are the collaborators handed to New. Only Store and Sessions
// are required; the rest fall back to local or disabled implementations.
type Dependencies struct {
	Store       dataStore
	Sessions    sessionStore
	Journal     updateJournal
	Broadcaster *broadcast.Broadcaster
	Policy      *workflow.Policy
	Search      *search.Service
	Exports     *export.Service
	Mailer      *email.Service
	Metrics     *Metrics
}

type Service struct {
	cfg       config.Config
	store     dataStore
	sessions  sessionStore
	journal   updateJournal
	hub       *broadcast.Broadcaster
	policy    *workflow.Policy
	search    *search.Service
	exports   *export.Service
	mailer    *email.Service
	passwords *authpw.Service
	validate  *validator.Validate
	metrics   *Metrics
	tracer    trace.Tracer
	now       func() time.Time
}

func New(cfg config.Config, deps Dependencies) (*Service, error) {
	s := &Service{
		cfg:      cfg,
		store:    deps.Store,
		sessions: deps.Sessions,
		journal:  deps.Journal,
		hub:      deps.Broadcaster,
		policy:   deps.Policy,
		search:   deps.Search,
		exports:  deps.Exports,
		mailer:   deps.Mailer,
		metrics:  deps.Metrics,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		tracer:   otel.Tracer("loanops/api/internal/app"),
		now:      time.Now,
	}
	s.passwords = authpw.NewService(deps.Store)
	if s.policy == nil {
		policy, err := workflow.NewPolicy(cfg.GatedActions)
		if err != nil {
			return nil, err
		}
		s.policy = policy
	}
	if s.hub == nil {
		hub, err := broadcast.NewBroadcaster(context.Background(), broadcast.NewRegistry(broadcast.RegistryConfig{}), broadcast.NewLocalBus(), cfg.DownstreamTimeout)
		if err != nil {
			return nil, err
		}
		s.hub = hub
	}
	if s.search == nil {
		s.search = search.NewService(nil, deps.Store, cfg.DownstreamTimeout)
	}
	if s.exports == nil {
		s.exports = export.NewService(nil)
	}
	if s.mailer == nil {
		s.mailer = email.NewService(email.Config{})
	}
	return s, nil
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

func (s *Service) Registry() *broadcast.Registry {
	return s.hub.Registry()
}

// Ping checks the document store and, when configured, the journal and
// session backends.
func (s *Service) Ping(ctx context.Context) map[string]error {
	checks := map[string]error{"database": s.store.Ping(ctx)}
	if s.journal != nil {
		checks["journal"] = s.journal.Ping(ctx)
	}
	if s.sessions != nil {
		checks["sessions"] = s.sessions.Ping(ctx)
	}
	return checks
}

func (s *Service) Login(ctx context.Context, employeeID, password string) (Session, error) {
	user, err := s.passwords.SignIn(ctx, authpw.SignInRequest{EmployeeID: employeeID, Password: password})
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	employeeID, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUser(ctx, employeeID)
	if err != nil {
		return Session{}, err
	}
	if !user.Active {
		return Session{}, authpw.ErrInactiveUser
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := s.now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  user.EmployeeID,
		Name: firstNonBlank(user.Name, user.EmployeeID),
		Role: user.Role,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.EmployeeID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.EmployeeID,
		UserName:     firstNonBlank(user.Name, user.EmployeeID),
		Role:         string(rbac.Normalize(user.Role)),
		Branches:     user.AssignedBranches,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.sessions.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUser(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}
	if !user.Active {
		return Session{}, auth.ErrInvalidToken
	}

	return Session{
		Token:     token,
		UserID:    user.EmployeeID,
		UserName:  firstNonBlank(user.Name, user.EmployeeID),
		Role:      string(rbac.Normalize(user.Role)),
		Branches:  user.AssignedBranches,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.sessions.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

func (s *Service) ChangePassword(ctx context.Context, session Session, current, next string) error {
	return s.passwords.ChangePassword(ctx, authpw.ChangePasswordRequest{
		EmployeeID:      session.UserID,
		CurrentPassword: current,
		NewPassword:     next,
	})
}

// downstream bounds a side effect that must not outlive the configured
// ceiling nor be cancelled by the client going away.
func (s *Service) downstream(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := s.cfg.DownstreamTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return context.WithTimeout(context.WithoutCancel(ctx), timeout)
}

func (s *Service) check(input any) error {
	if err := s.validate.Struct(input); err != nil {
		return validationError(err)
	}
	return nil
}

func (s *Service) authorize(session Session, action rbac.Action) error {
	if !s.Can(session.Role, action) {
		return forbidden(string(action))
	}
	return nil
}

func badRequest(message string) error {
	return domainError(http.StatusBadRequest, "VALIDATION_ERROR", message, nil)
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
