package store

import (
	"context"
	"sync"
	"time"

	"sciencebuddy/pkg/domain"
)

// Progress status labels shown on the teacher dashboard.
const (
	StatusReflectionDone = "考察完了"
	StatusPredictionDone = "予想完了"
	StatusNotStarted     = "未開始"
)

// ProgressStore reads and writes the progress collection as a whole.
//
// Every update is a read of the full collection followed by a write of the
// full collection. Unless serialize is set, the two are not one critical
// section, so concurrent updates for different students can lose each other's
// changes (the last full snapshot written wins). With serialize set the whole
// cycle runs under a process-wide mutex; other processes can still race.
type ProgressStore struct {
	router    *Router
	serialize bool
	mu        sync.Mutex
	now       func() time.Time
}

// NewProgressStore builds a progress store over router.
func NewProgressStore(router *Router, serialize bool) *ProgressStore {
	return &ProgressStore{router: router, serialize: serialize, now: time.Now}
}

// Load returns the whole collection; missing or unreadable state is empty.
func (p *ProgressStore) Load(ctx context.Context) (domain.ProgressCollection, error) {
	return p.router.LoadProgress(ctx)
}

// Save writes the whole collection through the backend cascade.
func (p *ProgressStore) Save(ctx context.Context, c domain.ProgressCollection) error {
	return p.router.SaveProgress(ctx, c)
}

// migrateLegacy moves a legacy identity's progress under id. It reports
// whether the collection changed.
func migrateLegacy(c domain.ProgressCollection, id string, legacy []string) bool {
	if _, ok := c[id]; ok {
		return false
	}
	for _, old := range legacy {
		if sp, ok := c[old]; ok {
			c[id] = sp
			delete(c, old)
			return true
		}
	}
	return false
}

func (p *ProgressStore) unitFrom(c domain.ProgressCollection, id, unit string) domain.UnitProgress {
	if sp, ok := c[id]; ok {
		if up, ok := sp[unit]; ok {
			return up
		}
	}
	return domain.NewUnitProgress(p.now())
}

// Get returns a student's progress for one unit, defaulting when the unit was
// never visited. Progress stored under a legacy identity is migrated and saved.
func (p *ProgressStore) Get(ctx context.Context, classNumber, studentNumber, unit string) (domain.UnitProgress, error) {
	id := domain.Identity(classNumber, studentNumber)
	c, err := p.Load(ctx)
	if err != nil {
		return domain.UnitProgress{}, err
	}
	if migrateLegacy(c, id, domain.LegacyIdentities(classNumber, studentNumber)) {
		if err := p.Save(ctx, c); err != nil {
			return domain.UnitProgress{}, err
		}
	}
	return p.unitFrom(c, id, unit), nil
}

// Student returns every unit a student has progress for.
func (p *ProgressStore) Student(ctx context.Context, classNumber, studentNumber string) (domain.StudentProgress, error) {
	id := domain.Identity(classNumber, studentNumber)
	c, err := p.Load(ctx)
	if err != nil {
		return nil, err
	}
	if migrateLegacy(c, id, domain.LegacyIdentities(classNumber, studentNumber)) {
		if err := p.Save(ctx, c); err != nil {
			return nil, err
		}
	}
	sp := c[id]
	if sp == nil {
		sp = domain.StudentProgress{}
	}
	return sp, nil
}

// Update applies fn to one student's unit progress and writes the collection.
func (p *ProgressStore) Update(ctx context.Context, classNumber, studentNumber, unit string, fn func(*domain.UnitProgress)) (domain.UnitProgress, error) {
	if p.serialize {
		p.mu.Lock()
		defer p.mu.Unlock()
	}
	id := domain.Identity(classNumber, studentNumber)
	c, err := p.Load(ctx)
	if err != nil {
		return domain.UnitProgress{}, err
	}
	migrateLegacy(c, id, domain.LegacyIdentities(classNumber, studentNumber))
	up := p.unitFrom(c, id, unit)
	fn(&up)
	up.LastAccess = p.now().Format(domain.TimestampLayout)
	if c[id] == nil {
		c[id] = domain.StudentProgress{}
	}
	c[id][unit] = up
	if err := p.Save(ctx, c); err != nil {
		return domain.UnitProgress{}, err
	}
	return up, nil
}

// MarkSummaryCreated sets the summary flag for stage.
func (p *ProgressStore) MarkSummaryCreated(ctx context.Context, classNumber, studentNumber, unit string, stage domain.Stage) (domain.UnitProgress, error) {
	return p.Update(ctx, classNumber, studentNumber, unit, func(up *domain.UnitProgress) {
		switch stage {
		case domain.StagePrediction:
			up.StageProgress.Prediction.SummaryCreated = true
		case domain.StageReflection:
			up.StageProgress.Reflection.SummaryCreated = true
		}
	})
}

// Summary returns the dashboard label for one unit's progress.
func Summary(up domain.UnitProgress) string {
	switch {
	case up.StageProgress.Reflection.SummaryCreated:
		return StatusReflectionDone
	case up.StageProgress.Prediction.SummaryCreated:
		return StatusPredictionDone
	default:
		return StatusNotStarted
	}
}
