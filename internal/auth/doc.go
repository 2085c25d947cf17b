// Package auth keeps the user's login token on disk and checks its claims.
package auth
