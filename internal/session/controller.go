package session

import (
	"time"

	"github.com/eapache/queue"
)

// controller turns reported durations and hints into a boost level in [0, max].
type controller struct {
	window *queue.Queue
	size   int
	sum    time.Duration

	level int
	saved int // level restored by HintLoadResume
	max   int
	idle  bool
}

func newController(size, maxLevel int) *controller {
	return &controller{
		window: queue.New(),
		size:   size,
		level:  maxLevel / 2,
		saved:  maxLevel / 2,
		max:    maxLevel,
	}
}

func (c *controller) baseline() int {
	return c.max / 2
}

func (c *controller) mean() time.Duration {
	n := c.window.Length()
	if n == 0 {
		return 0
	}
	return c.sum / time.Duration(n)
}

// observe records an actual duration and adjusts the level once the window is full.
// It reports whether the level changed.
func (c *controller) observe(actual, target time.Duration) bool {
	c.idle = false
	c.window.Add(actual)
	c.sum += actual
	for c.window.Length() > c.size {
		c.sum -= c.window.Remove().(time.Duration)
	}
	if c.window.Length() < c.size {
		return false
	}

	prev := c.level
	mean := c.mean()
	switch {
	case mean > target:
		c.level = min(c.level+1, c.max)
	case mean*5 < target*4: // below 80% of target
		c.level = max(c.level-1, 0)
	}
	c.saved = c.level
	return c.level != prev
}

// hint applies a load hint. It reports whether the level changed.
func (c *controller) hint(h Hint) bool {
	prev := c.level
	switch h {
	case HintLoadUp:
		c.level = c.max
	case HintLoadDown:
		c.level = max(c.level-1, 0)
	case HintLoadReset:
		c.clear()
		c.level = c.baseline()
	case HintLoadResume:
		c.level = c.saved
	}
	if h == HintLoadReset || h == HintLoadResume {
		c.idle = false
	}
	return c.level != prev
}

// sleep drops the level to zero, remembering the active level for HintLoadResume.
func (c *controller) sleep() bool {
	if c.idle {
		return false
	}
	c.idle = true
	c.saved = c.level
	prev := c.level
	c.level = 0
	return c.level != prev
}

func (c *controller) clear() {
	for c.window.Length() > 0 {
		c.window.Remove()
	}
	c.sum = 0
}
