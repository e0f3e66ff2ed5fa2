package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/foodorders/internal/domain"
)

// timelineEntry: событие с порядковым номером записи для стабильной сортировки.
type timelineEntry struct {
	seq   uint64
	event domain.TimelineEvent
}

type timelineRepository struct {
	mu      sync.RWMutex
	seq     uint64
	byOrder map[string][]timelineEntry
	now     func() time.Time
}

// NewTimelineRepository создаёт in-memory реализацию TimelineRepository.
func NewTimelineRepository() domain.TimelineRepository {
	return &timelineRepository{byOrder: make(map[string][]timelineEntry), now: time.Now}
}

func (r *timelineRepository) Append(_ context.Context, event domain.TimelineEvent) error {
	if event.OrderID == "" {
		return domain.Validationf("timeline event requires orderId")
	}
	if event.Occurred.IsZero() {
		event.Occurred = r.now()
	}
	event.Occurred = event.Occurred.UTC()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	r.byOrder[event.OrderID] = append(r.byOrder[event.OrderID], timelineEntry{seq: r.seq, event: event})
	return nil
}

// List возвращает события заказа по времени, при равном времени в порядке записи.
func (r *timelineRepository) List(_ context.Context, orderID string) ([]domain.TimelineEvent, error) {
	r.mu.RLock()
	entries := slices.Clone(r.byOrder[orderID])
	r.mu.RUnlock()

	slices.SortFunc(entries, func(a, b timelineEntry) int {
		if c := a.event.Occurred.Compare(b.event.Occurred); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})

	history := make([]domain.TimelineEvent, 0, len(entries))
	for _, e := range entries {
		history = append(history, e.event)
	}
	return history, nil
}

var _ domain.TimelineRepository = (*timelineRepository)(nil)
