package parser

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/miradorstack/mirador-ingest/internal/alerting"
	"github.com/miradorstack/mirador-ingest/internal/models"
)

// alertRegistry holds observers until one of their triggers is met.
type alertRegistry struct {
	mu        sync.Mutex
	observers []alerting.Observer
}

func (a *alertRegistry) add(o alerting.Observer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.observers = append(a.observers, o)
}

func (a *alertRegistry) remove(o alerting.Observer) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	i := slices.Index(a.observers, o)
	if i < 0 {
		return false
	}
	a.observers = slices.Delete(a.observers, i, i+1)
	return true
}

func (a *alertRegistry) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.observers)
}

// evaluate fires every observer with a trigger met by b, in registration
// order. Matching does not stop at the first observer: all observers whose
// triggers are met by the same bucket fire. Each fired observer is removed
// before it is called, so it fires at most once.
func (a *alertRegistry) evaluate(ctx context.Context, b *models.Bucket, logger *slog.Logger) {
	a.mu.Lock()
	observers := slices.Clone(a.observers)
	a.mu.Unlock()

	for _, o := range observers {
		trigger, ok := alerting.FirstMet(o.Triggers(), b)
		if !ok || !a.remove(o) {
			continue
		}
		if err := o.Fire(ctx, b, trigger); err != nil {
			logger.Error("alert observer failed", slog.Any("error", err))
		}
	}
}
