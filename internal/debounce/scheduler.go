// Package debounce coalesces rapid mutations into a single delayed write per channel.
package debounce

import (
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/cvsync/backend/internal/clock"
	"go.uber.org/zap"
)

// DefaultQuietPeriod is used when no quiet period is configured.
const DefaultQuietPeriod = 2 * time.Second

// Channel names an independent debounce timer.
type Channel string

const (
	// ChannelDocument carries document writes.
	ChannelDocument Channel = "document"
	// ChannelSettings carries settings writes.
	ChannelSettings Channel = "settings"
)

// Writer performs the delayed write. It must read the latest value itself at
// call time rather than capture one when scheduled.
type Writer func()

// Config describes a Scheduler.
type Config struct {
	Clock       clock.Clock
	QuietPeriod time.Duration
	Logger      *zap.Logger
}

// Scheduler arms, re-arms and cancels one timer per channel.
type Scheduler struct {
	mu      sync.Mutex
	clock   clock.Clock
	quiet   time.Duration
	logger  *zap.Logger
	nextID  int64
	pending map[Channel]*pendingWrite
}

type pendingWrite struct {
	token int64
	timer clock.Timer
}

// New constructs a Scheduler.
func New(cfg Config) *Scheduler {
	source := cfg.Clock
	if source == nil {
		source = clock.Real()
	}
	quiet := cfg.QuietPeriod
	if quiet <= 0 {
		quiet = DefaultQuietPeriod
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		clock:   source,
		quiet:   quiet,
		logger:  logger,
		pending: make(map[Channel]*pendingWrite),
	}
}

// QuietPeriod returns the delay between the last Schedule call and the write.
func (s *Scheduler) QuietPeriod() time.Duration {
	return s.quiet
}

// Schedule cancels any pending timer on the channel and arms a new one.
func (s *Scheduler) Schedule(channel Channel, writer Writer) {
	if writer == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.pending[channel]; ok {
		existing.timer.Stop()
	}
	s.nextID++
	token := s.nextID
	s.pending[channel] = &pendingWrite{
		token: token,
		timer: s.clock.AfterFunc(s.quiet, func() { s.fire(channel, token, writer) }),
	}
	s.logger.Debug("debounced write armed",
		zap.String("channel", string(channel)),
		zap.Duration("quiet_period", s.quiet))
}

// Cancel drops the pending timer on the channel. It reports whether one was pending.
func (s *Scheduler) Cancel(channel Channel) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.pending[channel]
	if !ok {
		return false
	}
	existing.timer.Stop()
	delete(s.pending, channel)
	return true
}

// CancelAll drops every pending timer and returns how many were pending.
func (s *Scheduler) CancelAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cancelled := len(s.pending)
	for channel, existing := range s.pending {
		existing.timer.Stop()
		delete(s.pending, channel)
	}
	return cancelled
}

// Pending reports whether a write is armed on the channel.
func (s *Scheduler) Pending(channel Channel) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[channel]
	return ok
}

func (s *Scheduler) fire(channel Channel, token int64, writer Writer) {
	s.mu.Lock()
	current, ok := s.pending[channel]
	if !ok || current.token != token {
		// Re-armed or cancelled after the timer had already been dispatched.
		s.mu.Unlock()
		return
	}
	delete(s.pending, channel)
	s.mu.Unlock()

	writer()
}
