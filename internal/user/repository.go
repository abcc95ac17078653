package user

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"go-messenger/internal/apperr"

	"github.com/jackc/pgx/v5/pgconn"
)

var ErrUserNotFound = apperr.New(apperr.KindNotFound, "user not found")

const searchLimit = 10

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) CreateUser(ctx context.Context, user *User) (*User, error) {
	var id int64
	query := "INSERT INTO users (username, password) VALUES ($1, $2) RETURNING id"

	err := r.db.QueryRowContext(ctx, query, user.Username, user.Password).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrUsernameTaken
		}
		return nil, fmt.Errorf("create user: %w", err)
	}

	user.ID = id
	return user, nil
}

func (r *Repository) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	u := &User{}
	query := "SELECT id, username, password FROM users WHERE username = $1"

	err := r.db.QueryRowContext(ctx, query, username).Scan(&u.ID, &u.Username, &u.Password)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user %q: %w", username, err)
	}
	return u, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)

// likePattern matches names containing query, with LIKE wildcards in query taken literally.
func likePattern(query string) string {
	return "%" + likeEscaper.Replace(query) + "%"
}

func (r *Repository) SearchUsers(ctx context.Context, query string) ([]User, error) {
	q := `SELECT id, username FROM users WHERE username ILIKE $1 ESCAPE '\' ORDER BY username LIMIT $2`
	rows, err := r.db.QueryContext(ctx, q, likePattern(query), searchLimit)
	if err != nil {
		return nil, fmt.Errorf("search users: %w", err)
	}
	defer rows.Close()

	users := []User{}
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Username); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}
