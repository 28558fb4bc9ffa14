// Package ident builds and parses identity keys ("user:{id}" / "guest:{id}").
package ident

import "strings"

const (
	userPrefix  = "user:"
	guestPrefix = "guest:"
)

func User(userID string) string  { return userPrefix + userID }
func Guest(guestID string) string { return guestPrefix + guestID }

// UserID returns the account id behind an authenticated identity.
func UserID(identity string) (string, bool) {
	if !strings.HasPrefix(identity, userPrefix) {
		return "", false
	}
	id := identity[len(userPrefix):]
	return id, id != ""
}

func IsUser(identity string) bool {
	_, ok := UserID(identity)
	return ok
}
