package lifecycle

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
)

// Participant is a component with an explicit start and stop. Start must
// not return until the component is ready for use; Stop must not return
// until it has fully let go of its resources.
type Participant interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Manager starts and stops participants in stage order. Registration is
// safe for concurrent use; StartAll and StopAll are meant to be called
// once each, from the process entry point.
type Manager struct {
	mu      sync.Mutex
	logger  hclog.Logger
	stages  map[int][]Participant
	started []Participant
}

// NewManager creates an empty manager. A nil logger discards.
func NewManager(logger hclog.Logger) *Manager {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Manager{
		logger: logger.Named("lifecycle"),
		stages: make(map[int][]Participant),
	}
}

// Register adds a participant to a stage. Within a stage, participants
// start in registration order.
func (m *Manager) Register(stage int, p Participant) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stages[stage] = append(m.stages[stage], p)
}

// StartAll starts every participant, lowest stage first. On the first
// failure it stops what already started, in reverse, and returns the
// start error joined with any rollback errors.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	order := make([]int, 0, len(m.stages))
	for stage := range m.stages {
		order = append(order, stage)
	}
	sort.Ints(order)

	for _, stage := range order {
		for _, p := range m.stages[stage] {
			m.logger.Debug("starting", "stage", stage, "name", p.Name())
			if err := p.Start(ctx); err != nil {
				errs := multierror.Append(nil, fmt.Errorf("start %s: %w", p.Name(), err))
				if rollbackErr := m.stopStartedLocked(ctx); rollbackErr != nil {
					errs = multierror.Append(errs, rollbackErr)
				}
				return errs.ErrorOrNil()
			}
			m.started = append(m.started, p)
			m.logger.Info("started", "stage", stage, "name", p.Name())
		}
	}
	return nil
}

// StopAll stops every started participant in reverse start order. All
// participants are stopped even when some fail; failures are aggregated.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopStartedLocked(ctx)
}

func (m *Manager) stopStartedLocked(ctx context.Context) error {
	var errs *multierror.Error
	for i := len(m.started) - 1; i >= 0; i-- {
		p := m.started[i]
		m.logger.Debug("stopping", "name", p.Name())
		if err := p.Stop(ctx); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("stop %s: %w", p.Name(), err))
			continue
		}
		m.logger.Info("stopped", "name", p.Name())
	}
	m.started = nil
	return errs.ErrorOrNil()
}
