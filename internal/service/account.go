package service

import (
	"context"
	"errors"
	"log/slog"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/propelr/propelr/internal/auth"
	"github.com/propelr/propelr/internal/logattr"
	"github.com/propelr/propelr/internal/model"
	"github.com/propelr/propelr/internal/repository"
)

const (
	minPasswordLength = 8
	maxPasswordLength = 256
	maxKeyNameLength  = 100
)

// AccountStore persists users and their API keys.
type AccountStore interface {
	CreateUser(ctx context.Context, user *model.User) error
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	CreateAPIKey(ctx context.Context, key *model.APIKey) error
	ListAPIKeysByUserID(ctx context.Context, userID string) ([]*model.APIKey, error)
}

// TokenIssuer signs session tokens.
type TokenIssuer interface {
	Issue(user *model.User) (string, time.Time, error)
}

// Session is a signed bearer token for a user.
type Session struct {
	UserID    string
	Token     string
	ExpiresAt time.Time
}

// AccountService handles registration, login and API key issuing.
type AccountService struct {
	store  AccountStore
	tokens TokenIssuer
	keyEnv string
	logger *slog.Logger
	now    func() time.Time
}

// NewAccountService creates a new AccountService. keyEnv selects the
// live or test key prefix.
func NewAccountService(store AccountStore, tokens TokenIssuer, keyEnv string, logger *slog.Logger) *AccountService {
	return &AccountService{
		store:  store,
		tokens: tokens,
		keyEnv: keyEnv,
		logger: logger.With("component", "accounts"),
		now:    time.Now,
	}
}

// Register creates a user and returns a session for it.
func (s *AccountService) Register(ctx context.Context, email, password string) (*Session, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	if len(password) < minPasswordLength || len(password) > maxPasswordLength {
		return nil, badInput("password must be between %d and %d characters", minPasswordLength, maxPasswordLength)
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, internal("hash password", err)
	}

	user := &model.User{
		ID:           ulid.Make().String(),
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, repository.ErrEmailExists) {
			return nil, ErrEmailExists
		}
		return nil, internal("create user", err)
	}

	s.logger.Info("user registered", logattr.UserID(user.ID))
	return s.session(user)
}

// Login verifies credentials and returns a session.
func (s *AccountService) Login(ctx context.Context, email, password string) (*Session, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			// Equalize timing with the found path.
			_, _ = auth.VerifyPassword(password, dummyHash())
			return nil, ErrInvalidCredentials
		}
		return nil, internal("get user", err)
	}

	ok, err := auth.VerifyPassword(password, user.PasswordHash)
	if err != nil || !ok {
		return nil, ErrInvalidCredentials
	}
	return s.session(user)
}

// CreateKeyResult carries the plaintext key, shown once.
type CreateKeyResult struct {
	Key       *model.APIKey
	Plaintext string
}

// CreateKey issues an API key with the requested permissions. Only
// bearer sessions may issue keys.
func (s *AccountService) CreateKey(ctx context.Context, id auth.Identity, name string, perms []model.Permission) (*CreateKeyResult, error) {
	if id == nil {
		return nil, ErrUnauthorized
	}
	if _, ok := id.(*auth.BearerIdentity); !ok {
		return nil, ErrForbidden
	}

	if len(perms) == 0 {
		return nil, badInput("at least one permission is required")
	}
	seen := make(map[model.Permission]bool, len(perms))
	unique := make([]model.Permission, 0, len(perms))
	for _, p := range perms {
		if !p.IsValid() {
			return nil, badInput("invalid permission %q; valid permissions: create, start, stop, delete, execute", p)
		}
		if !seen[p] {
			seen[p] = true
			unique = append(unique, p)
		}
	}
	if len(name) > maxKeyNameLength {
		return nil, badInput("name must be at most %d characters", maxKeyNameLength)
	}

	gen, err := auth.GenerateAPIKey(s.keyEnv)
	if err != nil {
		return nil, internal("generate key", err)
	}

	key := &model.APIKey{
		ID:          ulid.Make().String(),
		UserID:      id.OwnerID(),
		KeyHash:     gen.Hash,
		KeyPrefix:   gen.Prefix,
		Permissions: unique,
		Name:        name,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.store.CreateAPIKey(ctx, key); err != nil {
		return nil, internal("create api key", err)
	}

	s.logger.Info("API key created",
		slog.String("key_id", key.ID),
		slog.String("key_prefix", key.KeyPrefix),
		logattr.UserID(key.UserID),
	)
	return &CreateKeyResult{Key: key, Plaintext: gen.Plaintext}, nil
}

// ListKeys returns the caller's keys without secrets.
func (s *AccountService) ListKeys(ctx context.Context, id auth.Identity) ([]*model.APIKey, error) {
	if id == nil {
		return nil, ErrUnauthorized
	}
	if _, ok := id.(*auth.BearerIdentity); !ok {
		return nil, ErrForbidden
	}
	keys, err := s.store.ListAPIKeysByUserID(ctx, id.OwnerID())
	if err != nil {
		return nil, internal("list api keys", err)
	}
	return keys, nil
}

func (s *AccountService) session(user *model.User) (*Session, error) {
	token, exp, err := s.tokens.Issue(user)
	if err != nil {
		return nil, internal("issue token", err)
	}
	return &Session{UserID: user.ID, Token: token, ExpiresAt: exp}, nil
}

func normalizeEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	if email == "" || len(email) > model.MaxAddressLength {
		return "", badInput("email is invalid")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", badInput("email is invalid")
	}
	return email, nil
}

// dummyHash is verified against when a login email is unknown.
var dummyHash = sync.OnceValue(func() string {
	h, _ := auth.HashPassword("propelr-unknown-user")
	return h
})
