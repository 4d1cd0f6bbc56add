// Package auth implements the form-submission authentication branch: a
// parameterized lookup (and, for registration, insert) against a single
// user(username,password) table, leasing a pooled DB session for the
// duration of the check.
package auth

import (
	"context"
	"database/sql"
	"errors"

	"github.com/Early-Vertigo/webserver/internal/dbpool"
	"github.com/Early-Vertigo/webserver/internal/httpparser"
)

const (
	pathWelcome = "/welcome.html"
	pathError   = "/error.html"
)

// Verify checks the submitted credentials. tag is TagLogin or
// TagRegister (see httpparser.AuthTag); post carries the decoded
// "username"/"password" form fields. It returns the path the response
// should ultimately serve. Every query is parameter-bound; untrusted
// input never reaches the query text.
func Verify(ctx context.Context, pool *dbpool.Pool, tag int, post map[string]string) string {
	username, password := post["username"], post["password"]
	if username == "" || password == "" {
		return pathError
	}

	var ok bool
	var err error
	switch tag {
	case httpparser.TagLogin:
		ok, err = login(ctx, pool, username, password)
	case httpparser.TagRegister:
		ok, err = register(ctx, pool, username, password)
	default:
		return pathError
	}
	if err != nil || !ok {
		return pathError
	}
	return pathWelcome
}

// login reports whether username/password match an existing row.
func login(ctx context.Context, pool *dbpool.Pool, username, password string) (bool, error) {
	var matched bool
	err := pool.WithSession(ctx, func(db *sql.DB) error {
		row := db.QueryRowContext(ctx,
			`SELECT username, password FROM user WHERE username = ? LIMIT 1`, username)

		var gotUser, gotPass string
		switch err := row.Scan(&gotUser, &gotPass); {
		case errors.Is(err, sql.ErrNoRows):
			return nil
		case err != nil:
			return err
		default:
			matched = gotPass == password
			return nil
		}
	})
	return matched, err
}

// register reports whether a fresh username/password row was inserted.
// No transaction wraps the check-then-insert, so two concurrent
// registrations of the same name can both succeed.
func register(ctx context.Context, pool *dbpool.Pool, username, password string) (bool, error) {
	var inserted bool
	err := pool.WithSession(ctx, func(db *sql.DB) error {
		row := db.QueryRowContext(ctx,
			`SELECT username FROM user WHERE username = ? LIMIT 1`, username)

		var existing string
		switch err := row.Scan(&existing); {
		case errors.Is(err, sql.ErrNoRows):
			if _, err := db.ExecContext(ctx,
				`INSERT INTO user(username, password) VALUES (?, ?)`, username, password); err != nil {
				return err
			}
			inserted = true
			return nil
		case err != nil:
			return err
		default:
			return nil
		}
	})
	return inserted, err
}
