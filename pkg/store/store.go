package store

import (
	"context"
	"errors"

	"sciencebuddy/pkg/domain"
)

// Family names one of the persisted entity families.
type Family string

const (
	FamilySessions  Family = "sessions"
	FamilySummaries Family = "summaries"
	FamilyProgress  Family = "progress"
)

// Families lists every family in a stable order.
var Families = []Family{FamilySessions, FamilySummaries, FamilyProgress}

var (
	// ErrNoBackends is returned when a router is built without a local backend.
	ErrNoBackends = errors.New("store: file backend required as last backend")
	// ErrUnknownFamily is returned for a family a backend has no mapping for.
	ErrUnknownFamily = errors.New("store: unknown family")
	// ErrInvalidKey is returned for keys missing the parts a backend needs.
	ErrInvalidKey = errors.New("store: invalid key")
)

// Key addresses one document. Progress documents are keyed by identity alone.
type Key struct {
	Identity string
	Unit     string
	Stage    domain.Stage
}

// RecordKey addresses a session snapshot or summary.
func RecordKey(identity, unit string, stage domain.Stage) Key {
	return Key{Identity: identity, Unit: unit, Stage: stage}
}

// StudentKey addresses a student's progress document.
func StudentKey(identity string) Key {
	return Key{Identity: identity}
}

// String returns the join key shared by every backend.
func (k Key) String() string {
	switch {
	case k.Unit == "":
		return k.Identity
	case k.Stage == "":
		return domain.ProgressKey(k.Identity, k.Unit)
	default:
		return domain.RecordKey(k.Identity, k.Unit, k.Stage)
	}
}

// Backend is one persistence target in the cascade. Documents are raw JSON.
//
// Load reports found=false for a key the backend does not hold; an error means
// the backend could not answer at all.
type Backend interface {
	Name() string
	Save(ctx context.Context, family Family, key Key, doc []byte) error
	Load(ctx context.Context, family Family, key Key) ([]byte, bool, error)
	// SaveAll writes a collection of documents keyed by join key.
	SaveAll(ctx context.Context, family Family, docs map[string][]byte) error
	// LoadAll returns every document of the family keyed by join key; found
	// is false when the backend holds none.
	LoadAll(ctx context.Context, family Family) (map[string][]byte, bool, error)
}
