package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/propelr/propelr/internal/auth"
	"github.com/propelr/propelr/internal/model"
	"github.com/propelr/propelr/internal/repository"
)

type output struct {
	UserID      string             `json:"user_id"`
	Email       string             `json:"email"`
	KeyID       string             `json:"key_id"`
	Key         string             `json:"key"`
	KeyPrefix   string             `json:"key_prefix"`
	Permissions []model.Permission `json:"permissions"`
}

func main() {
	var (
		databaseURL = flag.String("database-url", os.Getenv("DATABASE_URL"), "PostgreSQL connection string")
		email       = flag.String("email", "ops@propelr.local", "Owner email; the user is created when missing")
		password    = flag.String("password", os.Getenv("BOOTSTRAP_PASSWORD"), "Password for a newly created user")
		name        = flag.String("name", "bootstrap", "API key name")
		permsInput  = flag.String("permissions", "create,start,stop,delete,execute", "Comma-separated permissions")
		env         = flag.String("env", auth.EnvLive, "Key environment: live or test")
		migrate     = flag.Bool("migrate", false, "Apply migrations first")
		format      = flag.String("format", "plain", "Output format: plain or json")
	)
	flag.Parse()

	if *databaseURL == "" {
		fmt.Fprintln(os.Stderr, "DATABASE_URL is required")
		os.Exit(1)
	}

	perms, err := parsePermissions(*permsInput)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	repo, err := repository.New(ctx, *databaseURL)
	if err != nil {
		fmt.Fprintln(os.Stderr, "connect database:", err)
		os.Exit(1)
	}
	defer repo.Close()

	if *migrate {
		if err := repo.Migrate(ctx); err != nil {
			fmt.Fprintln(os.Stderr, "migrate:", err)
			os.Exit(1)
		}
	}

	user, err := ensureUser(ctx, repo, strings.ToLower(strings.TrimSpace(*email)), *password)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}

	generated, err := auth.GenerateAPIKey(*env)
	if err != nil {
		fmt.Fprintln(os.Stderr, "generate api key:", err)
		os.Exit(1)
	}

	apiKey := &model.APIKey{
		ID:          ulid.Make().String(),
		UserID:      user.ID,
		KeyHash:     generated.Hash,
		KeyPrefix:   generated.Prefix,
		Permissions: perms,
		Name:        *name,
		CreatedAt:   time.Now().UTC(),
	}

	if err := repo.CreateAPIKey(ctx, apiKey); err != nil {
		fmt.Fprintln(os.Stderr, "create api key:", err)
		os.Exit(1)
	}

	out := output{
		UserID:      user.ID,
		Email:       user.Email,
		KeyID:       apiKey.ID,
		Key:         generated.Plaintext,
		KeyPrefix:   apiKey.KeyPrefix,
		Permissions: perms,
	}

	switch strings.ToLower(*format) {
	case "plain":
		fmt.Println(out.Key)
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(out)
	default:
		fmt.Fprintln(os.Stderr, "invalid format; use plain or json")
		os.Exit(1)
	}
}

func parsePermissions(input string) ([]model.Permission, error) {
	var perms []model.Permission
	for _, part := range strings.Split(input, ",") {
		p := model.Permission(strings.TrimSpace(part))
		if p == "" {
			continue
		}
		if !p.IsValid() {
			return nil, fmt.Errorf("invalid permission: %s", p)
		}
		perms = append(perms, p)
	}
	if len(perms) == 0 {
		return nil, errors.New("at least one permission is required")
	}
	return perms, nil
}

func ensureUser(ctx context.Context, repo *repository.Repository, email, password string) (*model.User, error) {
	existing, err := repo.GetUserByEmail(ctx, email)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, repository.ErrUserNotFound) {
		return nil, fmt.Errorf("get user: %w", err)
	}

	if len(password) < 8 {
		return nil, fmt.Errorf("user %s does not exist; pass -password (8+ characters) to create it", email)
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user := &model.User{
		ID:           ulid.Make().String(),
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}
	if err := repo.CreateUser(ctx, user); err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}
