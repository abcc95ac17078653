package user

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go-messenger/internal/apperr"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrBadCredentials = apperr.New(apperr.KindAuthentication, "invalid credentials")
	ErrUsernameTaken  = apperr.New(apperr.KindValidation, "username already taken")
	ErrWeakInput      = apperr.New(apperr.KindValidation, "username must be 3-50 characters and password at least 8")
)

type Service struct {
	repo      Store
	jwtSecret string
	issuer    string
	ttl       time.Duration
	now       func() time.Time
}

// Store is the persistence the service needs.
type Store interface {
	CreateUser(ctx context.Context, user *User) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	SearchUsers(ctx context.Context, query string) ([]User, error)
}

type MyJWTClaims struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

func NewService(repo Store, secret, issuer string, ttl time.Duration) *Service {
	if issuer == "" {
		issuer = "go-messenger"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{
		repo:      repo,
		jwtSecret: secret,
		issuer:    issuer,
		ttl:       ttl,
		now:       time.Now,
	}
}

func (s *Service) Register(ctx context.Context, req *RegisterRequest) (*RegisterRequest, error) {
	req.Username = strings.TrimSpace(req.Username)
	if len(req.Username) < 3 || len(req.Username) > 50 || len(req.Password) < 8 {
		return nil, ErrWeakInput
	}

	hashedPwd, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	u := &User{
		Username: req.Username,
		Password: string(hashedPwd),
	}

	if _, err := s.repo.CreateUser(ctx, u); err != nil {
		return nil, err
	}

	return &RegisterRequest{Username: u.Username}, nil
}

func (s *Service) Login(ctx context.Context, req *RegisterRequest) (*LoginResponse, error) {
	u, err := s.repo.GetUserByUsername(ctx, req.Username)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrBadCredentials
		}
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(u.Password), []byte(req.Password)); err != nil {
		return nil, ErrBadCredentials
	}

	ss, err := s.IssueToken(u.ID, u.Username)
	if err != nil {
		return nil, err
	}

	return &LoginResponse{
		AccessToken: ss,
		ID:          u.ID,
		Username:    u.Username,
	}, nil
}

// IssueToken signs an HS256 token for the user.
func (s *Service) IssueToken(userID int64, username string) (string, error) {
	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, MyJWTClaims{
		ID:       userID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	})

	ss, err := token.SignedString([]byte(s.jwtSecret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return ss, nil
}

// ValidateToken checks signature, algorithm, issuer and expiry.
func (s *Service) ValidateToken(tokenString string) (int64, string, error) {
	if tokenString == "" {
		return 0, "", apperr.ErrTokenMissing
	}

	claims := &MyJWTClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(s.jwtSecret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return 0, "", apperr.ErrTokenExpired.Wrap(err)
		}
		return 0, "", apperr.ErrTokenInvalid.Wrap(err)
	}
	if !token.Valid || claims.ID <= 0 {
		return 0, "", apperr.ErrTokenInvalid
	}

	return claims.ID, claims.Username, nil
}

func (s *Service) SearchUsers(ctx context.Context, query string) ([]User, error) {
	return s.repo.SearchUsers(ctx, query)
}
