package kafka

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mohammed-shakir/taz-flow-cache/internal/core/model"
)

type recentDedupe struct {
	mu     sync.Mutex
	window time.Duration
	lru    *lru.Cache[model.CacheKey, time.Time]
}

func newRecentDedupe(size int, window time.Duration) *recentDedupe {
	c, _ := lru.New[model.CacheKey, time.Time](size)
	return &recentDedupe{window: window, lru: c}
}

// returns true unless key was accepted within the window before now
func (d *recentDedupe) shouldTrigger(key model.CacheKey, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if last, ok := d.lru.Get(key); ok && now.Sub(last) < d.window {
		return false
	}
	d.lru.Add(key, now)
	return true
}
