package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"sciencebuddy/pkg/domain"
	"sciencebuddy/pkg/filestore"
)

// Router writes to and reads from an ordered list of backends. The list is
// fixed at construction; a backend that failed to initialize is simply never
// passed in.
type Router struct {
	backends []Backend
	local    *FileBackend
	logger   *slog.Logger
	now      func() time.Time
}

// NewRouter builds a router. The last backend must be the local file backend.
func NewRouter(logger *slog.Logger, backends ...Backend) (*Router, error) {
	if len(backends) == 0 {
		return nil, ErrNoBackends
	}
	local, ok := backends[len(backends)-1].(*FileBackend)
	if !ok {
		return nil, ErrNoBackends
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		backends: append([]Backend(nil), backends...),
		local:    local,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Backends returns the cascade names in priority order.
func (r *Router) Backends() []string {
	names := make([]string, 0, len(r.backends))
	for _, b := range r.backends {
		names = append(names, b.Name())
	}
	return names
}

// Local returns the file backend at the end of the cascade.
func (r *Router) Local() *FileBackend {
	return r.local
}

// Save stores doc in the first backend that accepts it.
func (r *Router) Save(ctx context.Context, family Family, key Key, doc []byte) error {
	var lastErr error
	for _, b := range r.backends {
		err := b.Save(ctx, family, key, doc)
		if err == nil {
			r.logger.Debug("document saved", "family", family, "key", key.String(), "backend", b.Name())
			return nil
		}
		lastErr = err
		r.logger.Warn("save failed, falling back", "family", family, "key", key.String(), "backend", b.Name(), "err", err)
	}
	return fmt.Errorf("save %s/%s: %w", family, key, lastErr)
}

// Load returns the document from the first backend that holds it.
func (r *Router) Load(ctx context.Context, family Family, key Key) ([]byte, bool, error) {
	for _, b := range r.backends {
		doc, ok, err := b.Load(ctx, family, key)
		if err != nil {
			r.logger.Warn("load failed, falling back", "family", family, "key", key.String(), "backend", b.Name(), "err", err)
			continue
		}
		if ok {
			return doc, true, nil
		}
	}
	return nil, false, nil
}

// SaveAll stores a collection in the first backend that accepts it.
func (r *Router) SaveAll(ctx context.Context, family Family, docs map[string][]byte) error {
	var lastErr error
	for _, b := range r.backends {
		err := b.SaveAll(ctx, family, docs)
		if err == nil {
			r.logger.Debug("collection saved", "family", family, "count", len(docs), "backend", b.Name())
			return nil
		}
		lastErr = err
		r.logger.Warn("collection save failed, falling back", "family", family, "backend", b.Name(), "err", err)
	}
	return fmt.Errorf("save %s: %w", family, lastErr)
}

// LoadAll returns the collection from the first backend that holds one.
func (r *Router) LoadAll(ctx context.Context, family Family) (map[string][]byte, bool, error) {
	for _, b := range r.backends {
		docs, ok, err := b.LoadAll(ctx, family)
		if err != nil {
			r.logger.Warn("collection load failed, falling back", "family", family, "backend", b.Name(), "err", err)
			continue
		}
		if ok {
			return docs, true, nil
		}
	}
	return nil, false, nil
}

func (r *Router) saveValue(ctx context.Context, family Family, key Key, v any) error {
	doc, err := filestore.Marshal(v)
	if err != nil {
		return err
	}
	return r.Save(ctx, family, key, doc)
}

func (r *Router) loadValue(ctx context.Context, family Family, key Key, out any) (bool, error) {
	doc, ok, err := r.Load(ctx, family, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(doc, out); err != nil {
		r.logger.Warn("discarding malformed document", "family", family, "key", key.String(), "err", err)
		return false, nil
	}
	return true, nil
}

// SaveSession stores a conversation snapshot, stamping it with the current time.
func (r *Router) SaveSession(ctx context.Context, identity, unit string, stage domain.Stage, conversation []domain.Turn) (domain.SessionSnapshot, error) {
	if conversation == nil {
		conversation = []domain.Turn{}
	}
	snap := domain.SessionSnapshot{
		Timestamp:    r.now().Format(domain.TimestampLayout),
		StudentID:    identity,
		Unit:         unit,
		Stage:        stage,
		Conversation: conversation,
	}
	return snap, r.saveValue(ctx, FamilySessions, RecordKey(identity, unit, stage), snap)
}

// LoadSession returns the stored snapshot for (identity, unit, stage).
func (r *Router) LoadSession(ctx context.Context, identity, unit string, stage domain.Stage) (domain.SessionSnapshot, bool, error) {
	var snap domain.SessionSnapshot
	ok, err := r.loadValue(ctx, FamilySessions, RecordKey(identity, unit, stage), &snap)
	return snap, ok, err
}

// SaveSummary stores a generated summary, replacing any earlier one.
func (r *Router) SaveSummary(ctx context.Context, identity, unit string, stage domain.Stage, summary string) (domain.SummaryRecord, error) {
	rec := domain.SummaryRecord{
		Summary:   summary,
		SavedAt:   r.now().Format(domain.TimestampLayout),
		StudentID: identity,
		Unit:      unit,
		Stage:     stage,
	}
	return rec, r.saveValue(ctx, FamilySummaries, RecordKey(identity, unit, stage), rec)
}

// LoadSummary returns the stored summary for (identity, unit, stage).
func (r *Router) LoadSummary(ctx context.Context, identity, unit string, stage domain.Stage) (domain.SummaryRecord, bool, error) {
	var rec domain.SummaryRecord
	ok, err := r.loadValue(ctx, FamilySummaries, RecordKey(identity, unit, stage), &rec)
	return rec, ok, err
}

// ListSummaries returns every stored summary keyed by join key.
func (r *Router) ListSummaries(ctx context.Context) (map[string]domain.SummaryRecord, error) {
	docs, _, err := r.LoadAll(ctx, FamilySummaries)
	if err != nil {
		return nil, err
	}
	out := make(map[string]domain.SummaryRecord, len(docs))
	for k, doc := range docs {
		var rec domain.SummaryRecord
		if err := json.Unmarshal(doc, &rec); err != nil {
			continue
		}
		out[k] = rec
	}
	return out, nil
}

// SaveProgress stores the whole progress collection, one document per student.
func (r *Router) SaveProgress(ctx context.Context, collection domain.ProgressCollection) error {
	docs := make(map[string][]byte, len(collection))
	for id, sp := range collection {
		doc, err := filestore.Marshal(sp)
		if err != nil {
			return err
		}
		docs[id] = doc
	}
	return r.SaveAll(ctx, FamilyProgress, docs)
}

// LoadProgress returns the whole progress collection; absent reads as empty.
func (r *Router) LoadProgress(ctx context.Context) (domain.ProgressCollection, error) {
	docs, _, err := r.LoadAll(ctx, FamilyProgress)
	if err != nil {
		return nil, err
	}
	out := make(domain.ProgressCollection, len(docs))
	for id, doc := range docs {
		var sp domain.StudentProgress
		if err := json.Unmarshal(doc, &sp); err != nil {
			r.logger.Warn("discarding malformed progress", "identity", id, "err", err)
			continue
		}
		out[id] = sp
	}
	return out, nil
}
