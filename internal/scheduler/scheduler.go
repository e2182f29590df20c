package scheduler

import (
	"context"
	"time"

	"example.com/backstage/services/possync/config"
	"example.com/backstage/services/possync/internal/messaging"
	"example.com/backstage/services/possync/internal/metrics"
	"example.com/backstage/services/possync/internal/services"

	"github.com/go-co-op/gocron/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Bus event types emitted by scheduled jobs
const (
	eventSweepCompleted   = "daily-sweep-completed"
	eventPriceTableRender = "price-table-render"
)

// Scheduler owns the nightly job sequence: token refresh, the sweep, and the
// price-table render trigger. All crontabs fire in the configured business
// time zone.
type Scheduler struct {
	scheduler gocron.Scheduler
	sync      *services.SyncService
	bus       messaging.ServiceBusClient
	metrics   *metrics.Metrics
	cfg       config.SchedulerConfig
	location  *time.Location
}

// New creates a scheduler with the three nightly jobs registered
func New(
	cfg config.SchedulerConfig,
	location *time.Location,
	syncService *services.SyncService,
	bus messaging.ServiceBusClient,
	metricsCollector *metrics.Metrics,
) (*Scheduler, error) {
	if location == nil {
		location = time.UTC
	}

	inner, err := gocron.NewScheduler(gocron.WithLocation(location))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create scheduler")
	}

	s := &Scheduler{
		scheduler: inner,
		sync:      syncService,
		bus:       bus,
		metrics:   metricsCollector,
		cfg:       cfg,
		location:  location,
	}
	return s, nil
}

// Run registers the jobs, starts the scheduler and blocks until the context
// is cancelled
func (s *Scheduler) Run(ctx context.Context) error {
	jobs := []struct {
		name string
		cron string
		task func()
	}{
		{"token-refresh", s.cfg.TokenRefreshCron, func() { s.runTokenRefresh(ctx) }},
		{"daily-sweep", s.cfg.SweepCron, func() { s.runSweep(ctx) }},
		{"price-table-render", s.cfg.PriceTableCron, func() { s.runPriceTableTrigger(ctx) }},
	}

	for _, job := range jobs {
		_, err := s.scheduler.NewJob(
			gocron.CronJob(job.cron, false),
			gocron.NewTask(job.task),
			gocron.WithName(job.name),
		)
		if err != nil {
			return errors.Wrapf(err, "failed to register %s job", job.name)
		}
		log.Info().Str("job", job.name).Str("cron", job.cron).
			Str("timezone", s.location.String()).Msg("Registered scheduled job")
	}

	s.scheduler.Start()

	<-ctx.Done()

	log.Info().Msg("Stopping scheduler")
	return s.scheduler.Shutdown()
}

// runTokenRefresh renews the upstream access token ahead of the sweep
func (s *Scheduler) runTokenRefresh(ctx context.Context) {
	log.Info().Msg("Running scheduled token refresh")
	if err := s.sync.RefreshToken(ctx); err != nil {
		log.Error().Err(err).Msg("Scheduled token refresh failed")
		s.metrics.SetHealth("upstream_token", false)
		return
	}
	s.metrics.SetHealth("upstream_token", true)
}

// runSweep executes the daily sync sequence and publishes its summary
func (s *Scheduler) runSweep(ctx context.Context) {
	log.Info().Msg("Running daily sweep")
	started := time.Now()

	result := s.sync.RunSweep(ctx)

	s.metrics.RecordTimer("daily_sweep", time.Since(started))
	s.metrics.SetHealth("daily_sweep", !result.Aborted)
	if result.Aborted {
		s.metrics.RecordError("daily_sweep")
	} else {
		s.metrics.RecordSuccess("daily_sweep")
	}

	if err := s.bus.SendMessage(ctx, eventSweepCompleted, result); err != nil {
		log.Warn().Err(err).Msg("Failed to publish sweep summary")
	}
}

// renderTrigger asks downstream consumers to rebuild the printable price
// tables from the freshly swept mirror
type renderTrigger struct {
	Date        string    `json:"date"`
	RequestedAt time.Time `json:"requested_at"`
}

// runPriceTableTrigger fires after the sweep so downstream renders see
// today's data
func (s *Scheduler) runPriceTableTrigger(ctx context.Context) {
	trigger := renderTrigger{
		Date:        time.Now().In(s.location).Format("2006-01-02"),
		RequestedAt: time.Now(),
	}
	log.Info().Str("date", trigger.Date).Msg("Publishing price table render trigger")

	if err := s.bus.SendMessage(ctx, eventPriceTableRender, trigger); err != nil {
		log.Error().Err(err).Msg("Failed to publish price table render trigger")
	}
}
