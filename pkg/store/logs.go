package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"sciencebuddy/pkg/domain"
	"sciencebuddy/pkg/filestore"
	"sciencebuddy/pkg/storage"
)

const logDateLayout = "20060102"

// LogStore appends learning and error log lines to daily JSON arrays. The
// local copy is always written; the object store copy is best-effort.
type LogStore struct {
	files   *filestore.Store
	objects storage.ObjectStore
	dir     string
	logger  *slog.Logger
	now     func() time.Time
}

// NewLogStore builds a log store. objects may be nil.
func NewLogStore(files *filestore.Store, objects storage.ObjectStore, dir string, logger *slog.Logger) *LogStore {
	if dir == "" {
		dir = "logs"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LogStore{files: files, objects: objects, dir: dir, logger: logger, now: time.Now}
}

func learningLogName(date string) string { return "learning_log_" + date + ".json" }
func errorLogName(date string) string    { return "error_log_" + date + ".json" }

// AppendLearningLog records one learning log line for today.
func (l *LogStore) AppendLearningLog(ctx context.Context, entry domain.LearningLogEntry) error {
	name := learningLogName(l.now().Format(logDateLayout))
	return appendEntry(ctx, l, "logs/"+name, filepath.Join(l.dir, name), entry)
}

// AppendErrorLog records one error log line for today.
func (l *LogStore) AppendErrorLog(ctx context.Context, entry domain.ErrorLogEntry) error {
	name := errorLogName(l.now().Format(logDateLayout))
	return appendEntry(ctx, l, "error_logs/"+name, filepath.Join(l.dir, name), entry)
}

// LoadLearningLogs returns the learning log for date (YYYYMMDD, empty for
// today), preferring the object store copy.
func (l *LogStore) LoadLearningLogs(ctx context.Context, date string) ([]domain.LearningLogEntry, error) {
	if date == "" {
		date = l.now().Format(logDateLayout)
	}
	name := learningLogName(date)
	return loadEntries[domain.LearningLogEntry](ctx, l, "logs/"+name, filepath.Join(l.dir, name))
}

// LoadErrorLogs returns the error log for date (YYYYMMDD, empty for today).
func (l *LogStore) LoadErrorLogs(ctx context.Context, date string) ([]domain.ErrorLogEntry, error) {
	if date == "" {
		date = l.now().Format(logDateLayout)
	}
	name := errorLogName(date)
	return loadEntries[domain.ErrorLogEntry](ctx, l, "error_logs/"+name, filepath.Join(l.dir, name))
}

// LogDates lists the dates with a local learning log, newest first.
func (l *LogStore) LogDates() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(l.dir, "learning_log_*.json"))
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	dates := make([]string, 0, len(matches))
	for _, m := range matches {
		date := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(m), "learning_log_"), ".json")
		if _, err := time.Parse(logDateLayout, date); err == nil {
			dates = append(dates, date)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(dates)))
	return dates, nil
}

func appendEntry[T any](ctx context.Context, l *LogStore, objectKey, localPath string, entry T) error {
	if l.objects != nil {
		if err := appendObject(ctx, l.objects, objectKey, entry); err != nil {
			l.logger.Warn("object log append failed", "key", objectKey, "err", err)
		}
	}
	err := l.files.Update(localPath, func(current []byte) (any, error) {
		var entries []json.RawMessage
		if current != nil {
			if err := json.Unmarshal(current, &entries); err != nil {
				entries = nil
			}
		}
		raw, err := filestore.Marshal(entry)
		if err != nil {
			return nil, err
		}
		return append(entries, raw), nil
	})
	if err != nil {
		return fmt.Errorf("append %s: %w", localPath, err)
	}
	return nil
}

func appendObject[T any](ctx context.Context, objects storage.ObjectStore, key string, entry T) error {
	var entries []T
	data, ok, err := objects.Get(ctx, key)
	if err != nil {
		return err
	}
	if ok {
		if err := json.Unmarshal(data, &entries); err != nil {
			entries = nil
		}
	}
	entries = append(entries, entry)
	body, err := filestore.Marshal(entries)
	if err != nil {
		return err
	}
	return storage.PutJSON(ctx, objects, key, body)
}

func loadEntries[T any](ctx context.Context, l *LogStore, objectKey, localPath string) ([]T, error) {
	if l.objects != nil {
		data, ok, err := l.objects.Get(ctx, objectKey)
		if err != nil {
			l.logger.Warn("object log load failed", "key", objectKey, "err", err)
		} else if ok {
			var entries []T
			if err := json.Unmarshal(data, &entries); err == nil {
				return entries, nil
			}
		}
	}
	var entries []T
	if !l.files.ReadJSON(localPath, &entries) {
		if _, err := os.Stat(localPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat %s: %w", localPath, err)
		}
		return []T{}, nil
	}
	return entries, nil
}
