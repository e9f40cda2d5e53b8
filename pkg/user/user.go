package user

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrConflictedUser = errors.New("user already exists")
)

type User struct {
	Username string
	Name     string
	Password string
}

// UserWithoutSecrets is a User projection that is safe to return to clients.
type UserWithoutSecrets struct {
	Username string `json:"username"`
	Name     string `json:"name"`
}

type UserStore interface {
	CreateUser(ctx context.Context, user User) error
	// GetUserByUsername returns the user, or nil if it does not exist.
	GetUserByUsername(ctx context.Context, username string) (*UserWithoutSecrets, error)
	GetUsersByUsernames(ctx context.Context, usernames ...string) ([]UserWithoutSecrets, error)
	ComparePassword(ctx context.Context, username, password string) (bool, error)
}

type SQLiteUserStore struct {
	db *sql.DB
}

func NewSQLiteUserStore(db *sql.DB) *SQLiteUserStore {
	return &SQLiteUserStore{db: db}
}

func (s *SQLiteUserStore) CreateUser(ctx context.Context, user User) error {
	existing, err := s.GetUserByUsername(ctx, user.Username)
	if err != nil {
		return fmt.Errorf("checking if user exists: %w", err)
	}
	if existing != nil {
		return ErrConflictedUser
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(user.Password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		"INSERT INTO users (username, name, password) VALUES (@username, @name, @password)",
		sql.Named("username", user.Username), sql.Named("name", user.Name),
		sql.Named("password", string(hashed)))
	if err != nil {
		return fmt.Errorf("creating user: %w", err)
	}
	return nil
}

func (s *SQLiteUserStore) GetUserByUsername(ctx context.Context, username string) (*UserWithoutSecrets, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT username, name FROM users WHERE username = ? LIMIT 1", username)

	user := new(UserWithoutSecrets)
	if err := row.Scan(&user.Username, &user.Name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scanning user: %w", err)
	}
	return user, nil
}

func (s *SQLiteUserStore) GetUsersByUsernames(ctx context.Context, usernames ...string) ([]UserWithoutSecrets, error) {
	if len(usernames) == 0 {
		return nil, nil
	}

	values := make([]interface{}, 0, len(usernames))
	for _, username := range usernames {
		values = append(values, username)
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT username, name FROM users WHERE username IN ("+
			strings.Repeat("?,", len(usernames)-1)+"?)", values...)
	if err != nil {
		return nil, fmt.Errorf("QueryContext: %w", err)
	}
	defer rows.Close()

	var users []UserWithoutSecrets
	for rows.Next() {
		var user UserWithoutSecrets
		if err := rows.Scan(&user.Username, &user.Name); err != nil {
			return nil, fmt.Errorf("rows.Scan: %w", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows.Err: %w", err)
	}
	return users, nil
}

func (s *SQLiteUserStore) ComparePassword(ctx context.Context, username, password string) (bool, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT password FROM users WHERE username = ? LIMIT 1", username)

	var stored string
	if err := row.Scan(&stored); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("scanning password: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(stored), []byte(password)); err != nil {
		return false, nil
	}
	return true, nil
}
