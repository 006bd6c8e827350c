package database

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/mvds-io/NextKalk-sub000/pkg/planner"
)

// Roles, from least to most privileged.
const (
	RoleViewer = "viewer"
	RoleEditor = "editor"
	RoleAdmin  = "admin"
)

var roleRank = map[string]int{RoleViewer: 1, RoleEditor: 2, RoleAdmin: 3}

// ValidRole reports whether role is known.
func ValidRole(role string) bool { return roleRank[role] > 0 }

// RoleAtLeast reports whether have grants at least want.
func RoleAtLeast(have, want string) bool {
	return roleRank[have] >= roleRank[want] && roleRank[want] > 0
}

var (
	// ErrInvalidCredentials hides whether the e-mail or the password was wrong.
	ErrInvalidCredentials = errors.New("invalid e-mail or password")
	// ErrUserExists rejects a second account for an e-mail.
	ErrUserExists = errors.New("user already exists")
)

// User is an account that can sign in to the planner.
type User struct {
	ID           int64  `db:"id" json:"id"`
	Email        string `db:"email" json:"email"`
	Name         string `db:"name" json:"name"`
	Role         string `db:"role" json:"role"`
	PasswordHash string `db:"password_hash" json:"-"`
	CreatedAt    int64  `db:"created_at" json:"createdAt"`
	LastLogin    int64  `db:"last_login" json:"lastLogin"`
}

const userColumns = "id, email, name, role, password_hash, created_at, last_login"

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// CreateUser hashes password with bcrypt and stores the account.
func (db *Database) CreateUser(ctx context.Context, email, name, role, password string) (User, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return User{}, errors.New("e-mail and password are required")
	}
	if !ValidRole(role) {
		return User{}, fmt.Errorf("unknown role %q", role)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return User{}, fmt.Errorf("hash password: %w", err)
	}
	u := User{Email: email, Name: strings.TrimSpace(name), Role: role, PasswordHash: string(hash), CreatedAt: nowUnix()}
	err = db.run(ctx, "create user", func(ctx context.Context) error {
		return db.DB.GetContext(ctx, &u.ID, db.q(`INSERT INTO users (email, name, role, password_hash, created_at)
VALUES (?, ?, ?, ?, ?) RETURNING id`), u.Email, u.Name, u.Role, u.PasswordHash, u.CreatedAt)
	})
	if isUniqueViolation(err) {
		return User{}, fmt.Errorf("%w: %s", ErrUserExists, email)
	}
	if err != nil {
		return User{}, fmt.Errorf("create user: %w", err)
	}
	return u, nil
}

// UserByEmail looks an account up by e-mail.
func (db *Database) UserByEmail(ctx context.Context, email string) (User, error) {
	var u User
	err := db.run(ctx, "get user", func(ctx context.Context) error {
		return db.DB.GetContext(ctx, &u, db.q(`SELECT `+userColumns+` FROM users WHERE email = ?`), normalizeEmail(email))
	})
	if err != nil {
		return User{}, notFound(err)
	}
	return u, nil
}

// UserByID looks an account up by id.
func (db *Database) UserByID(ctx context.Context, id int64) (User, error) {
	var u User
	err := db.run(ctx, "get user", func(ctx context.Context) error {
		return db.DB.GetContext(ctx, &u, db.q(`SELECT `+userColumns+` FROM users WHERE id = ?`), id)
	})
	if err != nil {
		return User{}, notFound(err)
	}
	return u, nil
}

// ListUsers returns every account ordered by e-mail.
func (db *Database) ListUsers(ctx context.Context) ([]User, error) {
	var users []User
	err := db.run(ctx, "list users", func(ctx context.Context) error {
		users = users[:0]
		return db.DB.SelectContext(ctx, &users, `SELECT `+userColumns+` FROM users ORDER BY email`)
	})
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}

// CountUsers is used on startup to decide whether to seed an admin.
func (db *Database) CountUsers(ctx context.Context) (int, error) {
	var n int
	err := db.run(ctx, "count users", func(ctx context.Context) error {
		return db.DB.GetContext(ctx, &n, `SELECT COUNT(*) FROM users`)
	})
	return n, err
}

// UpdateUserRole changes an account's role.
func (db *Database) UpdateUserRole(ctx context.Context, id int64, role string) error {
	if !ValidRole(role) {
		return fmt.Errorf("unknown role %q", role)
	}
	return db.run(ctx, "update user role", func(ctx context.Context) error {
		res, err := db.DB.ExecContext(ctx, db.q(`UPDATE users SET role = ? WHERE id = ?`), role, id)
		if err != nil {
			return err
		}
		return mustAffect(res)
	})
}

// SetPassword replaces an account's password.
func (db *Database) SetPassword(ctx context.Context, id int64, password string) error {
	if password == "" {
		return errors.New("password is required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	return db.run(ctx, "set password", func(ctx context.Context) error {
		res, err := db.DB.ExecContext(ctx, db.q(`UPDATE users SET password_hash = ? WHERE id = ?`), string(hash), id)
		if err != nil {
			return err
		}
		return mustAffect(res)
	})
}

// DeleteUser removes an account.
func (db *Database) DeleteUser(ctx context.Context, id int64) error {
	return db.run(ctx, "delete user", func(ctx context.Context) error {
		res, err := db.DB.ExecContext(ctx, db.q(`DELETE FROM users WHERE id = ?`), id)
		if err != nil {
			return err
		}
		return mustAffect(res)
	})
}

// Authenticate checks the password and records the login time.
func (db *Database) Authenticate(ctx context.Context, email, password string) (User, error) {
	u, err := db.UserByEmail(ctx, email)
	if errors.Is(err, planner.ErrNotFound) {
		// Burn comparable time so response timing does not reveal accounts.
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return User{}, ErrInvalidCredentials
	}
	if err != nil {
		return User{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return User{}, ErrInvalidCredentials
	}
	u.LastLogin = nowUnix()
	err = db.run(ctx, "record login", func(ctx context.Context) error {
		_, err := db.DB.ExecContext(ctx, db.q(`UPDATE users SET last_login = ? WHERE id = ?`), u.LastLogin, u.ID)
		return err
	})
	if err != nil {
		db.logf("record login for %s: %v", u.Email, err)
	}
	return u, nil
}

var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("kalk-planner"), bcrypt.MinCost)
