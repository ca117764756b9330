package archive

import (
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Scheduler periodically moves completed staging files into the archive
// directory. It is a thin wrapper over robfig/cron so rotation runs on the
// same cadence primitive the rest of this codebase uses for background
// jobs.
type Scheduler struct {
	cron *cron.Cron
	log  *logrus.Entry
}

// NewScheduler builds a scheduler that rotates w on spec (a standard cron
// expression, e.g. "0 * * * *" for hourly).
func NewScheduler(w *Writer, spec string, log *logrus.Entry) (*Scheduler, error) {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		if err := w.RotateToArchive(); err != nil {
			log.WithError(err).Error("archive rotation failed")
		}
	})
	if err != nil {
		return nil, err
	}
	return &Scheduler{cron: c, log: log}, nil
}

// Start begins running the scheduled rotation in the background.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop waits for any in-flight rotation to finish and stops the scheduler.
func (s *Scheduler) Stop() { <-s.cron.Stop().Done() }
