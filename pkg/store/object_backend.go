package store

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"sciencebuddy/pkg/domain"
	"sciencebuddy/pkg/storage"
)

// ObjectBackend stores one object per document:
//
//	sessions/<identity>/<unit>/<stage>.json
//	summaries/<identity>/<unit>/<stage>_summary.json
//	progress/<identity>.json
type ObjectBackend struct {
	objects storage.ObjectStore
}

// NewObjectBackend wraps an object store.
func NewObjectBackend(objects storage.ObjectStore) *ObjectBackend {
	return &ObjectBackend{objects: objects}
}

// Name implements Backend.
func (b *ObjectBackend) Name() string { return "object" }

// ObjectPath returns the object key for a document.
func ObjectPath(family Family, key Key) (string, error) {
	if key.Identity == "" {
		return "", fmt.Errorf("%w: identity required", ErrInvalidKey)
	}
	switch family {
	case FamilySessions, FamilySummaries:
		if key.Unit == "" || key.Stage == "" {
			return "", fmt.Errorf("%w: unit and stage required", ErrInvalidKey)
		}
		name := string(key.Stage) + ".json"
		if family == FamilySummaries {
			name = string(key.Stage) + "_summary.json"
		}
		return path.Join(string(family), key.Identity, key.Unit, name), nil
	case FamilyProgress:
		return path.Join(string(family), key.Identity+".json"), nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownFamily, family)
	}
}

// parseObjectPath is the inverse of ObjectPath.
func parseObjectPath(family Family, p string) (Key, bool) {
	rest, ok := strings.CutPrefix(p, string(family)+"/")
	if !ok {
		return Key{}, false
	}
	parts := strings.Split(rest, "/")
	switch family {
	case FamilyProgress:
		if len(parts) != 1 {
			return Key{}, false
		}
		id, ok := strings.CutSuffix(parts[0], ".json")
		if !ok || id == "" {
			return Key{}, false
		}
		return StudentKey(id), true
	case FamilySessions, FamilySummaries:
		if len(parts) != 3 {
			return Key{}, false
		}
		suffix := ".json"
		if family == FamilySummaries {
			suffix = "_summary.json"
		}
		stage, ok := strings.CutSuffix(parts[2], suffix)
		if !ok || stage == "" {
			return Key{}, false
		}
		return RecordKey(parts[0], parts[1], domain.Stage(stage)), true
	}
	return Key{}, false
}

// Save uploads one document.
func (b *ObjectBackend) Save(ctx context.Context, family Family, key Key, doc []byte) error {
	p, err := ObjectPath(family, key)
	if err != nil {
		return err
	}
	return storage.PutJSON(ctx, b.objects, p, doc)
}

// Load downloads one document.
func (b *ObjectBackend) Load(ctx context.Context, family Family, key Key) ([]byte, bool, error) {
	p, err := ObjectPath(family, key)
	if err != nil {
		return nil, false, err
	}
	data, ok, err := b.objects.Get(ctx, p)
	if err != nil || !ok {
		return nil, false, err
	}
	if !json.Valid(data) {
		return nil, false, nil
	}
	return data, true, nil
}

// recordFields recovers the object path parts of a session or summary document.
type recordFields struct {
	StudentID string       `json:"student_id"`
	Unit      string       `json:"unit"`
	Stage     domain.Stage `json:"stage"`
}

// SaveAll uploads each document. Session and summary objects are placed by
// the student_id, unit and stage fields inside the document.
func (b *ObjectBackend) SaveAll(ctx context.Context, family Family, docs map[string][]byte) error {
	for joinKey, doc := range docs {
		key := StudentKey(joinKey)
		if family != FamilyProgress {
			var f recordFields
			if err := json.Unmarshal(doc, &f); err != nil {
				return fmt.Errorf("decode %s: %w", joinKey, err)
			}
			key = RecordKey(f.StudentID, f.Unit, f.Stage)
			if key.String() != joinKey {
				return fmt.Errorf("%w: %s does not match document fields", ErrInvalidKey, joinKey)
			}
		}
		if err := b.Save(ctx, family, key, doc); err != nil {
			return err
		}
	}
	return nil
}

// LoadAll downloads every object under the family prefix.
func (b *ObjectBackend) LoadAll(ctx context.Context, family Family) (map[string][]byte, bool, error) {
	if _, ok := collections[family]; !ok {
		return nil, false, fmt.Errorf("%w: %s", ErrUnknownFamily, family)
	}
	paths, err := b.objects.List(ctx, string(family)+"/")
	if err != nil {
		return nil, false, err
	}
	out := make(map[string][]byte)
	for _, p := range paths {
		key, ok := parseObjectPath(family, p)
		if !ok {
			continue
		}
		data, found, err := b.objects.Get(ctx, p)
		if err != nil {
			return nil, false, err
		}
		if !found || !json.Valid(data) {
			continue
		}
		out[key.String()] = data
	}
	if len(out) == 0 {
		return nil, false, nil
	}
	return out, true, nil
}
