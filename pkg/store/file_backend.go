package store

import (
	"context"
	"encoding/json"
	"fmt"

	"sciencebuddy/pkg/filestore"
)

// FilePaths names the local document for each family.
type FilePaths struct {
	Sessions  string
	Summaries string
	Progress  string
}

// DefaultFilePaths matches the file names used by earlier deployments.
func DefaultFilePaths() FilePaths {
	return FilePaths{
		Sessions:  "session_storage.json",
		Summaries: "summary_storage.json",
		Progress:  "learning_progress.json",
	}
}

// FileBackend keeps each family as one JSON object on local disk, mapping
// join key to document. It is the backend of last resort.
type FileBackend struct {
	files *filestore.Store
	paths FilePaths
}

// NewFileBackend builds a file backend. Empty paths fall back to defaults.
func NewFileBackend(files *filestore.Store, paths FilePaths) *FileBackend {
	def := DefaultFilePaths()
	if paths.Sessions == "" {
		paths.Sessions = def.Sessions
	}
	if paths.Summaries == "" {
		paths.Summaries = def.Summaries
	}
	if paths.Progress == "" {
		paths.Progress = def.Progress
	}
	return &FileBackend{files: files, paths: paths}
}

// Name implements Backend.
func (b *FileBackend) Name() string { return "file" }

// Path returns the local document backing a family.
func (b *FileBackend) Path(family Family) (string, error) {
	switch family {
	case FamilySessions:
		return b.paths.Sessions, nil
	case FamilySummaries:
		return b.paths.Summaries, nil
	case FamilyProgress:
		return b.paths.Progress, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownFamily, family)
}

// Save sets one entry of the family document.
func (b *FileBackend) Save(_ context.Context, family Family, key Key, doc []byte) error {
	p, err := b.Path(family)
	if err != nil {
		return err
	}
	return b.files.Update(p, func(current []byte) (any, error) {
		entries := map[string]json.RawMessage{}
		if current != nil {
			if err := json.Unmarshal(current, &entries); err != nil {
				entries = map[string]json.RawMessage{}
			}
		}
		entries[key.String()] = json.RawMessage(doc)
		return entries, nil
	})
}

// Load returns one entry of the family document.
func (b *FileBackend) Load(_ context.Context, family Family, key Key) ([]byte, bool, error) {
	p, err := b.Path(family)
	if err != nil {
		return nil, false, err
	}
	var entries map[string]json.RawMessage
	if !b.files.ReadJSON(p, &entries) {
		return nil, false, nil
	}
	doc, ok := entries[key.String()]
	if !ok || string(doc) == "null" {
		return nil, false, nil
	}
	return doc, true, nil
}

// SaveAll replaces the whole family document with docs.
func (b *FileBackend) SaveAll(_ context.Context, family Family, docs map[string][]byte) error {
	p, err := b.Path(family)
	if err != nil {
		return err
	}
	entries := make(map[string]json.RawMessage, len(docs))
	for k, doc := range docs {
		entries[k] = json.RawMessage(doc)
	}
	return b.files.WriteJSON(p, entries)
}

// LoadAll returns every entry of the family document.
func (b *FileBackend) LoadAll(_ context.Context, family Family) (map[string][]byte, bool, error) {
	p, err := b.Path(family)
	if err != nil {
		return nil, false, err
	}
	var entries map[string]json.RawMessage
	if !b.files.ReadJSON(p, &entries) || len(entries) == 0 {
		return nil, false, nil
	}
	out := make(map[string][]byte, len(entries))
	for k, doc := range entries {
		out[k] = []byte(doc)
	}
	return out, true, nil
}
