// Package exportstore persists signed export packs per account, on local
// disk or in an S3-compatible bucket.
package exportstore

import (
	"context"
	"errors"
	"regexp"
	"sort"
	"time"
)

var (
	// ErrNotFound is returned when no pack exists for (account, id).
	ErrNotFound = errors.New("export not found")
	// ErrInvalidID is returned for ids or account ids outside the allowed
	// alphabet; they are never turned into paths or keys.
	ErrInvalidID = errors.New("invalid export or account id")
)

var (
	idPattern      = regexp.MustCompile(`^[a-f0-9]{32}$`)
	accountPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)
)

// Object describes a stored pack.
type Object struct {
	ID         string    `json:"id"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modified_at"`
}

// Store persists export packs.
type Store interface {
	Put(ctx context.Context, accountID, id string, data []byte) error
	// Get returns ErrNotFound when the pack does not exist.
	Get(ctx context.Context, accountID, id string) ([]byte, error)
	// List returns the account's packs, newest first.
	List(ctx context.Context, accountID string) ([]Object, error)
	DeleteAccount(ctx context.Context, accountID string) error
}

// ValidID reports whether id is a 32 character lowercase hex export id.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// ValidAccountID reports whether an account id is safe to use in keys.
func ValidAccountID(accountID string) bool {
	return accountPattern.MatchString(accountID)
}

func checkIDs(accountID, id string) error {
	if !ValidAccountID(accountID) || !ValidID(id) {
		return ErrInvalidID
	}
	return nil
}

func accountPrefix(accountID string) string {
	return "users/" + accountID + "/"
}

func objectKey(accountID, id string) string {
	return accountPrefix(accountID) + id + ".zip"
}

func sortNewestFirst(objs []Object) {
	sort.SliceStable(objs, func(i, j int) bool {
		if objs[i].ModifiedAt.Equal(objs[j].ModifiedAt) {
			return objs[i].ID < objs[j].ID
		}
		return objs[i].ModifiedAt.After(objs[j].ModifiedAt)
	})
}
