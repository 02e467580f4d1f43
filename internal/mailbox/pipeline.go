package mailbox

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"

	"github.com/apnprevent/alarmwatch/internal/alarm"
	"github.com/apnprevent/alarmwatch/internal/config"
	"github.com/apnprevent/alarmwatch/internal/extract"
)

// Status is the terminal disposition of one triaged message.
type Status string

const (
	// StatusArchived: fact extracted, persisted, message archived and removed.
	StatusArchived Status = "archived"
	// StatusBlacklisted: sender or subject deny-listed; archived separately.
	StatusBlacklisted Status = "blacklisted"
	// StatusRejected: content not recognized as an alarm; left unseen.
	StatusRejected Status = "rejected"
	// StatusFailed: fetch, parse, or persistence failure; left unseen.
	StatusFailed Status = "failed"
)

// Stats summarizes one ingestion pass.
type Stats struct {
	Archived    int
	Blacklisted int
	Rejected    int
	Failed      int
}

// Total returns the number of messages triaged.
func (s Stats) Total() int {
	return s.Archived + s.Blacklisted + s.Rejected + s.Failed
}

// CatalogSource supplies the mutable-at-runtime extraction catalog.
type CatalogSource interface {
	Patterns(ctx context.Context) ([]extract.PatternRule, error)
	StructuredFields(ctx context.Context) (extract.StructuredFields, error)
	SenderBlacklist(ctx context.Context) ([]string, error)
	SubjectBlacklist(ctx context.Context) ([]string, error)
}

// AlarmSink persists extracted alarms.
type AlarmSink interface {
	SaveOrUpdateAlarm(ctx context.Context, a alarm.Alarm) error
}

// Pipeline triages unseen messages: decode, filter, extract, aggregate,
// then settle mailbox state. One message's failure never stops the batch.
type Pipeline struct {
	catalog CatalogSource
	sink    AlarmSink
	logger  *log.Logger
	now     func() time.Time

	mu     sync.RWMutex
	ingest config.IngestConfig
}

// PipelineOption customizes a Pipeline.
type PipelineOption func(*Pipeline)

// WithPipelineLogger overrides the logger used for triage diagnostics.
func WithPipelineLogger(logger *log.Logger) PipelineOption {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithPipelineClock overrides the wall clock, primarily for tests.
func WithPipelineClock(now func() time.Time) PipelineOption {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// NewPipeline builds the triage pipeline.
func NewPipeline(catalog CatalogSource, sink AlarmSink, ingest config.IngestConfig, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		catalog: catalog,
		sink:    sink,
		ingest:  ingest,
		logger:  log.New(log.Writer(), "[TRIAGE] ", log.LstdFlags),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SetIngest applies new triage tuning (archive labels, lag, search
// cutoff). The next pass uses it.
func (p *Pipeline) SetIngest(ingest config.IngestConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ingest = ingest
}

func (p *Pipeline) ingestConfig() config.IngestConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ingest
}

// Run processes every currently-unseen message strictly sequentially.
// Only search-level (connection) errors escape; per-message failures are
// logged and counted.
func (p *Pipeline) Run(ctx context.Context, client Client) (Stats, error) {
	criteria := &imap.SearchCriteria{NotFlag: []imap.Flag{imap.FlagSeen}}
	ingest := p.ingestConfig()
	if since := ingest.SinceTime(); !since.IsZero() {
		criteria.Since = since
	}
	searchData, err := client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return Stats{}, fmt.Errorf("search unseen: %w", err)
	}
	uids := searchData.AllUIDs()
	p.logger.Printf("unseen messages: %d", len(uids))
	if len(uids) == 0 {
		return Stats{}, nil
	}

	senderList, err := p.catalog.SenderBlacklist(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("load sender blacklist: %w", err)
	}
	subjectList, err := p.catalog.SubjectBlacklist(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("load subject blacklist: %w", err)
	}

	var stats Stats
	for _, uid := range uids {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		switch p.processOne(ctx, client, uid, senderList, subjectList) {
		case StatusArchived:
			stats.Archived++
		case StatusBlacklisted:
			stats.Blacklisted++
		case StatusRejected:
			stats.Rejected++
		case StatusFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

func (p *Pipeline) processOne(ctx context.Context, client Client, uid imap.UID, senderList, subjectList []string) Status {
	raw, err := p.fetchBody(client, uid)
	if err != nil {
		p.logger.Printf("fetch %d: %v", uid, err)
		return StatusFailed
	}

	env, err := ParseEnvelope(raw)
	if err != nil {
		p.logger.Printf("parse %d: %v", uid, err)
		return StatusFailed
	}
	p.logger.Printf("from=%s subject=%q", env.Sender, env.Subject)

	if senderBlacklisted(env.Sender, senderList) || subjectBlacklisted(env.Subject, subjectList) {
		p.logger.Printf("sender %s blacklisted, skipping", env.Sender)
		p.mark(client, uid, false)
		p.archive(client, uid, p.ingestConfig().BlacklistLabel)
		return StatusBlacklisted
	}

	fact, status := p.extractFact(ctx, uid, env)
	if status != "" {
		return status
	}

	a, err := alarm.FromFact(fact)
	if err != nil {
		p.logger.Printf("message %d (%s): %v", uid, env.Subject, err)
		return StatusFailed
	}
	if err := p.sink.SaveOrUpdateAlarm(ctx, a); err != nil {
		p.logger.Printf("persist %d (%s): %v", uid, a.ID, err)
		return StatusFailed
	}

	p.mark(client, uid, true)
	p.archive(client, uid, p.ingestConfig().ProcessedLabel)
	return StatusArchived
}

// extractFact picks the strategy by presence of the structured payload.
// A non-empty returned status short-circuits the message.
func (p *Pipeline) extractFact(ctx context.Context, uid imap.UID, env Envelope) (alarm.Fact, Status) {
	var fact alarm.Fact
	if payload := extract.FindPayload(env.Body); payload != "" {
		cfg, err := p.catalog.StructuredFields(ctx)
		if err != nil {
			p.logger.Printf("structured fields for %d: %v", uid, err)
			return fact, StatusFailed
		}
		fields := extract.ExtractStructured([]byte(payload), cfg)
		if extract.IsErrorResult(fields) {
			p.logger.Printf("no structured data in %d (%s)", uid, env.Subject)
			return fact, StatusFailed
		}
		fact = extract.FactFromFields(fields)
	} else {
		rules, err := p.catalog.Patterns(ctx)
		if err != nil {
			p.logger.Printf("patterns for %d: %v", uid, err)
			return fact, StatusFailed
		}
		fact, err = extract.ExtractFreeText(env.Body, rules)
		if errors.Is(err, extract.ErrNoPattern) || errors.Is(err, extract.ErrDeviceName) {
			p.logger.Printf("message %d (%s) not recognized: %v", uid, env.Subject, err)
			return fact, StatusRejected
		}
		if err != nil {
			p.logger.Printf("extract %d: %v", uid, err)
			return fact, StatusFailed
		}
	}
	return extract.ResolveDeviceIP(env.SenderIP, fact), ""
}

// fetchBody reads one message without setting the seen flag.
func (p *Pipeline) fetchBody(client Client, uid imap.UID) ([]byte, error) {
	section := &imap.FetchItemBodySection{Peek: true}
	bufs, err := client.Fetch(imap.UIDSetNum(uid), &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{section},
	}).Collect()
	if err != nil {
		return nil, err
	}
	for _, buf := range bufs {
		for _, body := range buf.BodySection {
			if len(body.Bytes) > 0 {
				return append([]byte(nil), body.Bytes...), nil
			}
		}
	}
	return nil, fmt.Errorf("no body payload for %d", uid)
}

func (p *Pipeline) mark(client Client, uid imap.UID, seen bool) {
	op := imap.StoreFlagsAdd
	if !seen {
		op = imap.StoreFlagsDel
	}
	store := &imap.StoreFlags{Op: op, Flags: []imap.Flag{imap.FlagSeen}}
	if err := client.Store(imap.UIDSetNum(uid), store, nil).Close(); err != nil {
		p.logger.Printf("store seen flag %d: %v", uid, err)
	}
}

// archive copies the message into the dated archive folder and removes it
// from the source folder. The date is lagged to bucket by business day.
func (p *Pipeline) archive(client Client, uid imap.UID, label string) {
	ingest := p.ingestConfig()
	date := p.now().AddDate(0, 0, -ingest.ArchiveLagDays).Format("2006-01-02")
	folder := fmt.Sprintf("%s/%s_%s", ingest.ArchiveRoot, label, date)
	uidSet := imap.UIDSetNum(uid)

	if err := client.Create(folder, nil).Wait(); err != nil {
		// Usually "already exists"; the copy below surfaces real problems.
		p.logger.Printf("create %s: %v", folder, err)
	}
	if _, err := client.Copy(uidSet, folder).Wait(); err != nil {
		p.logger.Printf("copy %d to %s: %v", uid, folder, err)
		return
	}
	deleted := &imap.StoreFlags{Op: imap.StoreFlagsAdd, Flags: []imap.Flag{imap.FlagDeleted}}
	if err := client.Store(uidSet, deleted, nil).Close(); err != nil {
		p.logger.Printf("flag deleted %d: %v", uid, err)
		return
	}
	if err := client.UIDExpunge(uidSet).Close(); err != nil {
		p.logger.Printf("expunge %d: %v", uid, err)
	}
}

// senderBlacklisted checks the deny-list with a case-insensitive substring
// match in either direction, so both bare addresses and full display forms
// match catalog entries.
func senderBlacklisted(sender string, list []string) bool {
	sender = strings.ToLower(strings.TrimSpace(sender))
	if sender == "" {
		return false
	}
	for _, entry := range list {
		entry = strings.ToLower(strings.TrimSpace(entry))
		if entry == "" {
			continue
		}
		if strings.Contains(sender, entry) || strings.Contains(entry, sender) {
			return true
		}
	}
	return false
}

func subjectBlacklisted(subject string, list []string) bool {
	subject = strings.ToLower(subject)
	for _, phrase := range list {
		phrase = strings.ToLower(strings.TrimSpace(phrase))
		if phrase != "" && strings.Contains(subject, phrase) {
			return true
		}
	}
	return false
}
