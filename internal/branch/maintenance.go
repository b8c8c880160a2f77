package branch

import (
	"log"

	"github.com/edgedb/dbview/internal/metrics"
	"github.com/robfig/cron/v3"
)

// Maintenance runs the process-wide, cron-scheduled housekeeping tasks that
// are not tied to any single branch's activity. Its only job is refreshing
// the current_branches gauge every 30 seconds. Grounded on the design's
// internal/storage/scheduler.go, which drives its own vacuum/checkpoint
// jobs off a robfig/cron.Cron instance rather than ad-hoc tickers.
type Maintenance struct {
	cron         *cron.Cron
	instanceName string
	registry     func() []*Branch
}

// NewMaintenance builds a Maintenance runner. registry is called on every
// tick to get the live branch set; it is supplied by the registry package
// so this package does not need to depend on it.
func NewMaintenance(instanceName string, registry func() []*Branch) *Maintenance {
	return &Maintenance{
		cron:         cron.New(),
		instanceName: instanceName,
		registry:     registry,
	}
}

// Start schedules the housekeeping jobs and begins running them.
func (m *Maintenance) Start() {
	_, err := m.cron.AddFunc("@every 30s", m.reportBranchGauges)
	if err != nil {
		log.Printf("maintenance: failed to schedule branch gauge report: %v", err)
	}
	m.cron.Start()
}

// Stop halts the scheduler, waiting for any in-flight job to finish.
func (m *Maintenance) Stop() {
	ctx := m.cron.Stop()
	<-ctx.Done()
}

func (m *Maintenance) reportBranchGauges() {
	branches := m.registry()
	count := 0
	for _, b := range branches {
		if !b.IsSystemBranch() {
			count++
		}
	}
	metrics.CurrentBranches.WithLabelValues(m.instanceName).Set(float64(count))
}
