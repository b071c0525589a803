package artifact

import (
	"strings"
	"time"

	"github.com/italolelis/doccraft/internal/clock"
	"github.com/italolelis/doccraft/internal/telemetry"
)

const (
	DefaultTTL            = 15 * time.Minute
	DefaultReaperInterval = 2 * time.Minute
)

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces the wall clock used for expiry and reaper ticks.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

// WithTTL sets the source of the link lifetime. It is called once per Publish;
// non-positive results fall back to DefaultTTL.
func WithTTL(ttl func() time.Duration) Option {
	return func(m *Manager) {
		m.ttl = ttl
	}
}

// WithReaperInterval sets the period of the background sweep. It is also the
// grace period before an unregistered stored object counts as an orphan.
func WithReaperInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.reaperInterval = d
		}
	}
}

func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(m *Manager) {
		m.telemetry = tel
	}
}

// WithPathPrefix sets the prefix of the download URL returned by Publish.
func WithPathPrefix(prefix string) Option {
	return func(m *Manager) {
		m.pathPrefix = strings.TrimSuffix(prefix, "/")
	}
}

// WithIDGenerator replaces the handle id source. Ids must be canonical UUID
// strings so stored object names can be traced back to their handle.
func WithIDGenerator(newID func() string) Option {
	return func(m *Manager) {
		m.newID = newID
	}
}
