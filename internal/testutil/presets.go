package testutil

import (
	"time"

	"github.com/zjrosen/orrery/internal/broker"
)

// WithStandardSessionHistory seeds three sessions the way a short day
// of use looks: one still active with a logged-in user, one ended by
// its user, and one evicted for idling.
func (b *Builder) WithStandardSessionHistory() *Builder {
	now := time.Now()
	hourAgo := now.Add(-time.Hour)
	dayAgo := now.Add(-24 * time.Hour)

	return b.
		WithSession("sess-live",
			CreatedAt(hourAgo), Port(52001), ClientIP("203.0.113.10"),
			User("Ada", "Lovelace", "ada@example.com"),
			LastActivityAt(now.Add(-2*time.Minute))).
		WithCommand("sess-live", "get_parameter").
		WithCommand("sess-live", "set_value").
		WithCommand("sess-live", "run_compute").
		WithMetric("sess-live", 412.5).
		WithSession("sess-done",
			CreatedAt(dayAgo), Port(52002), ClientIP("198.51.100.4"),
			Ended(dayAgo.Add(30*time.Minute), broker.ReasonManual)).
		WithCommand("sess-done", "run_compute").
		WithFailedCommand("sess-done", "run_solver", "solver requires at least one fit parameter").
		WithMetric("sess-done", 380.0).
		WithSession("sess-idle",
			CreatedAt(dayAgo.Add(10*time.Minute)), Port(52003),
			Ended(dayAgo.Add(2*time.Hour), broker.ReasonIdleTimeout))
}
