package supervisor

import (
	"github.com/robfig/cron/v3"
)

// StartBudgetResetSweep runs a periodic sweep (cron spec, e.g. "@every 30s")
// that proactively resets any restart budget whose window has elapsed,
// rather than waiting for the next Launch call to notice. Returns the
// cron.Cron so callers can Stop it; the scheduler itself is started.
func (s *Supervisor) StartBudgetResetSweep(spec string) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(spec, s.resetExpiredBudgets)
	if err != nil {
		return nil, err
	}
	c.Start()
	return c, nil
}

func (s *Supervisor) resetExpiredBudgets() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for _, entry := range s.runtimes {
		if entry.def.Budget.Max == 0 {
			continue
		}
		if now.After(entry.def.Budget.resetAt) {
			entry.def.Budget.Remaining = entry.def.Budget.Max
			entry.def.Budget.resetAt = now.Add(entry.def.Budget.Window)
		}
	}
}
