// Package reconcile периодически запускает перезапрос зависших покупок
package reconcile

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Nzyazin/billpay/internal/core/logger"
	"github.com/Nzyazin/billpay/internal/core/models"
	"github.com/robfig/cron/v3"
)

type Sweeper interface {
	Sweep(ctx context.Context, limit int) (*models.SweepReport, error)
}

type Scheduler struct {
	cron     *cron.Cron
	sweeper  Sweeper
	log      logger.Logger
	schedule string
	batch    int
	timeout  time.Duration
}

func NewScheduler(sweeper Sweeper, log logger.Logger, schedule string, batch int, timeout time.Duration) *Scheduler {
	cl := cronLogger{log: log}
	c := cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Scheduler{
		cron:     c,
		sweeper:  sweeper,
		log:      log,
		schedule: strings.TrimSpace(schedule),
		batch:    batch,
		timeout:  timeout,
	}
}

// Start регистрирует задачу; пустое расписание отключает планировщик
func (s *Scheduler) Start() error {
	if s.schedule == "" {
		s.log.Info("Reconcile scheduler disabled")
		return nil
	}
	if _, err := s.cron.AddFunc(s.schedule, s.runSweep); err != nil {
		return fmt.Errorf("schedule reconcile sweep %q: %w", s.schedule, err)
	}
	s.cron.Start()
	s.log.Info("Reconcile scheduler started", logger.StringField("schedule", s.schedule))
	return nil
}

// Stop возвращает контекст, который завершится после текущего прогона
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) runSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if _, err := s.sweeper.Sweep(ctx, s.batch); err != nil {
		s.log.Error("Scheduled reconcile sweep failed", logger.ErrorField("error", err))
	}
}

// cronLogger передаёт сообщения cron в общий логгер
type cronLogger struct {
	log logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logger.ErrorField("error", err))...)
}

func kvFields(kv []interface{}) []logger.Field {
	fields := make([]logger.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		fields = append(fields, logger.AnyField(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return fields
}
