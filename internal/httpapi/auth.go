package httpapi

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"kasirledger/backend/internal/domain"
)

var (
	errInvalidCredentials = errors.New("invalid credentials")
	errInactiveAccount    = errors.New("account is inactive")
	errInvalidToken       = errors.New("invalid or expired token")
)

const tokenIssuer = "kasirledger"

// UserStore is the slice of the repository the login flow reads from. Accounts are
// looked up on every login so deactivations apply without a restart.
type UserStore interface {
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

type AuthManager struct {
	secret   []byte
	tokenTTL time.Duration
	users    UserStore
	logger   *zap.Logger
}

type staffClaims struct {
	jwtlib.RegisteredClaims
	Role string `json:"role"`
}

// NewAuthManager expects a secret that was already validated by the caller; an
// empty secret would make every token forgeable.
func NewAuthManager(secret string, tokenTTL time.Duration, users UserStore, logger *zap.Logger) *AuthManager {
	if tokenTTL <= 0 {
		tokenTTL = 8 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	manager := &AuthManager{
		secret:   []byte(secret),
		tokenTTL: tokenTTL,
		users:    users,
		logger:   logger.Named("auth"),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	manager.upgradeLegacyPasswords(ctx)
	return manager
}

func (a *AuthManager) Login(ctx context.Context, req domain.LoginRequest) (domain.LoginResponse, error) {
	username := strings.ToLower(strings.TrimSpace(req.Username))
	account, err := a.lookup(ctx, username)
	if err != nil {
		return domain.LoginResponse{}, err
	}

	stored := account.Password
	if !isPasswordHash(stored) {
		// Accounts inserted straight into the table may still carry plain text.
		if stored == "" || stored != req.Password {
			return domain.LoginResponse{}, errInvalidCredentials
		}
		stored = a.upgrade(ctx, username, stored)
	} else if !verifyPassword(stored, req.Password) {
		return domain.LoginResponse{}, errInvalidCredentials
	}
	if !account.Active {
		return domain.LoginResponse{}, errInactiveAccount
	}

	expiresAt := time.Now().UTC().Add(a.tokenTTL)
	token, err := a.sign(username, account.Role, expiresAt)
	if err != nil {
		return domain.LoginResponse{}, fmt.Errorf("sign token: %w", err)
	}
	return domain.LoginResponse{
		AccessToken: token,
		Role:        account.Role,
		ExpiresAt:   expiresAt.Format(time.RFC3339),
	}, nil
}

func (a *AuthManager) ParseToken(raw string) (domain.Actor, error) {
	var claims staffClaims
	_, err := jwtlib.ParseWithClaims(raw, &claims, func(*jwtlib.Token) (any, error) {
		return a.secret, nil
	},
		jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Alg()}),
		jwtlib.WithIssuer(tokenIssuer),
		jwtlib.WithExpirationRequired(),
	)
	if err != nil {
		return domain.Actor{}, errInvalidToken
	}
	if claims.Subject == "" || claims.Role == "" {
		return domain.Actor{}, errInvalidToken
	}
	return domain.Actor{Username: claims.Subject, Role: claims.Role}, nil
}

func (a *AuthManager) sign(username, role string, expiresAt time.Time) (string, error) {
	now := time.Now().UTC()
	claims := staffClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   username,
			IssuedAt:  jwtlib.NewNumericDate(now),
			NotBefore: jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
		},
		Role: role,
	}
	return jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *AuthManager) lookup(ctx context.Context, username string) (domain.UserAccount, error) {
	if a.users == nil || username == "" {
		return domain.UserAccount{}, errInvalidCredentials
	}
	accounts, err := a.users.ListUsers(ctx)
	if err != nil {
		return domain.UserAccount{}, fmt.Errorf("load users: %w", err)
	}
	for _, account := range accounts {
		if strings.EqualFold(strings.TrimSpace(account.Username), username) {
			return account, nil
		}
	}
	return domain.UserAccount{}, errInvalidCredentials
}

// upgradeLegacyPasswords hashes every plain-text password still in the store.
func (a *AuthManager) upgradeLegacyPasswords(ctx context.Context) {
	if a.users == nil {
		return
	}
	accounts, err := a.users.ListUsers(ctx)
	if err != nil {
		a.logger.Warn("load users", zap.Error(err))
		return
	}
	upgraded := 0
	for _, account := range accounts {
		username := strings.ToLower(strings.TrimSpace(account.Username))
		if username == "" || account.Password == "" || isPasswordHash(account.Password) {
			continue
		}
		if a.upgrade(ctx, username, account.Password) != account.Password {
			upgraded++
		}
	}
	if upgraded > 0 {
		a.logger.Info("upgraded plain-text passwords", zap.Int("count", upgraded))
	}
}

// upgrade stores a bcrypt hash of plain and returns it. On failure the caller
// gets plain back and the account stays as it was.
func (a *AuthManager) upgrade(ctx context.Context, username string, plain string) string {
	hashed, err := hashPassword(plain)
	if err != nil {
		a.logger.Warn("hash password", zap.String("username", username), zap.Error(err))
		return plain
	}
	if err := a.users.UpdateUserPassword(ctx, username, hashed); err != nil {
		a.logger.Warn("upgrade plain password", zap.String("username", username), zap.Error(err))
		return plain
	}
	return hashed
}

func verifyPassword(hash string, input string) bool {
	if strings.TrimSpace(input) == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(input)) == nil
}

func hashPassword(password string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

func isPasswordHash(value string) bool {
	for _, prefix := range []string{"$2a$", "$2b$", "$2y$"} {
		if strings.HasPrefix(value, prefix) {
			return true
		}
	}
	return false
}
