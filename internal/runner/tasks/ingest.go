package tasks

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync/atomic"
	"time"

	"github.com/apnprevent/alarmwatch/internal/config"
	"github.com/apnprevent/alarmwatch/internal/mailbox"
)

// connector hands out a live, selected mailbox connection.
type connector interface {
	Ensure(ctx context.Context) (mailbox.Client, error)
}

// passRunner drains unseen messages from an open connection.
type passRunner interface {
	Run(ctx context.Context, client mailbox.Client) (mailbox.Stats, error)
}

// IngestTask periodically polls the alarm mailbox and feeds every unseen
// message through the extraction pipeline.
type IngestTask struct {
	session  connector
	pipeline passRunner
	interval time.Duration
	running  atomic.Bool
	logger   *log.Logger
}

// IngestTaskOption configures an IngestTask
type IngestTaskOption func(*IngestTask)

// WithIngestLogger sets a custom logger for the task
func WithIngestLogger(logger *log.Logger) IngestTaskOption {
	return func(t *IngestTask) {
		t.logger = logger
	}
}

// NewIngestTask creates the mailbox polling task
func NewIngestTask(session connector, pipeline passRunner, ingest config.IngestConfig, opts ...IngestTaskOption) *IngestTask {
	t := &IngestTask{
		session:  session,
		pipeline: pipeline,
		interval: ingest.Interval,
		logger:   log.New(os.Stdout, "[INGEST] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Name returns the task name
func (t *IngestTask) Name() string {
	return "mailbox-ingest"
}

// Schedule returns the polling cadence
func (t *IngestTask) Schedule() string {
	return fmt.Sprintf("@every %s", t.interval)
}

// Timeout returns the maximum duration for one pass
func (t *IngestTask) Timeout() time.Duration {
	timeout := 2 * t.interval
	if timeout < time.Minute {
		timeout = time.Minute
	}
	return timeout
}

// Run performs one ingestion pass. If the previous pass is still in flight
// the call is skipped so slow mail servers never pile up connections.
func (t *IngestTask) Run(ctx context.Context) error {
	if !t.running.CompareAndSwap(false, true) {
		t.logger.Println("Previous pass still running; skipping this cycle")
		return nil
	}
	defer t.running.Store(false)

	client, err := t.session.Ensure(ctx)
	if err != nil {
		return fmt.Errorf("mailbox unavailable: %w", err)
	}

	stats, err := t.pipeline.Run(ctx, client)
	if stats.Total() > 0 {
		t.logger.Printf("Pass finished: %d archived, %d blacklisted, %d rejected, %d failed",
			stats.Archived, stats.Blacklisted, stats.Rejected, stats.Failed)
	}
	if err != nil {
		return fmt.Errorf("ingestion pass: %w", err)
	}
	return nil
}
