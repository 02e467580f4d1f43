package mailbox

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/apnprevent/alarmwatch/internal/config"
)

// ConnectError reports a session that could not be brought up after
// exhausting the reconnect budget. The last underlying failure is the cause.
type ConnectError struct {
	Attempts int
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("reconnect failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// Session keeps one logged-in IMAP connection alive across ingestion
// passes, health-checking it with NOOP and reconnecting with bounded,
// backed-off retries. All connection management is serialized on one mutex.
type Session struct {
	mail   config.MailConfig
	ingest config.IngestConfig

	mu            sync.Mutex
	client        Client
	selected      string
	cooldownUntil time.Time

	logger *log.Logger
	now    func() time.Time
	sleep  func(time.Duration)
	jitter func() float64
	dial   func() (Client, error)
}

// SessionOption customizes a Session.
type SessionOption func(*Session)

// WithSessionLogger overrides the logger used for connection diagnostics.
func WithSessionLogger(logger *log.Logger) SessionOption {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSessionClock overrides the wall clock, primarily for tests.
func WithSessionClock(now func() time.Time) SessionOption {
	return func(s *Session) {
		if now != nil {
			s.now = now
		}
	}
}

// WithSessionSleep overrides the backoff sleep, primarily for tests.
func WithSessionSleep(sleep func(time.Duration)) SessionOption {
	return func(s *Session) {
		if sleep != nil {
			s.sleep = sleep
		}
	}
}

func withSessionDialer(dial func() (Client, error)) SessionOption {
	return func(s *Session) {
		s.dial = dial
	}
}

func withSessionJitter(jitter func() float64) SessionOption {
	return func(s *Session) {
		s.jitter = jitter
	}
}

// NewSession builds a session for the configured mailbox. The connection is
// opened lazily on the first Ensure.
func NewSession(mail config.MailConfig, ingest config.IngestConfig, opts ...SessionOption) *Session {
	s := &Session{
		mail:   mail,
		ingest: ingest,
		logger: log.New(log.Writer(), "[IMAP] ", log.LstdFlags),
		now:    time.Now,
		sleep:  time.Sleep,
		jitter: rand.Float64,
	}
	s.dial = func() (Client, error) { return dialClient(s.mail) }
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetIngest applies new connection-recovery tuning. The next reconnect
// cycle uses the new retry and backoff settings.
func (s *Session) SetIngest(ingest config.IngestConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ingest = ingest
}

// Ensure returns a logged-in client with the target folder selected,
// recovering from a dead connection if needed. On reconnect exhaustion it
// arms a cooldown window and fails with a ConnectError; the cooldown
// persists across calls so an immediate retrigger waits instead of
// hammering the server.
func (s *Session) Ensure(ctx context.Context) (Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		if err := s.client.Noop().Wait(); err != nil {
			s.logger.Printf("NOOP failed, reconnecting: %v", err)
			s.safeClose(s.client)
			s.client = nil
			s.selected = ""
		} else {
			if err := s.ensureSelected(s.client); err == nil {
				return s.client, nil
			}
			s.safeClose(s.client)
			s.client = nil
			s.selected = ""
		}
	}

	if wait := s.cooldownUntil.Sub(s.now()); wait > 0 {
		s.logger.Printf("cooldown %.2fs before reconnecting", wait.Seconds())
		s.sleep(wait)
	}

	attempts := s.ingest.Retries + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		client, err := s.connect()
		if err == nil {
			s.client = client
			s.cooldownUntil = time.Time{}
			return client, nil
		}
		lastErr = err
		delay := s.backoffDelay(attempt)
		s.logger.Printf("reconnect attempt %d/%d failed: %v; waiting %.2fs",
			attempt+1, attempts, err, delay.Seconds())
		s.sleep(delay)
	}

	cooldown := 2 * s.ingest.BackoffBase
	if min := s.ingest.MinReconnectInterval; cooldown < min {
		cooldown = min
	}
	s.cooldownUntil = s.now().Add(cooldown)
	s.logger.Printf("reconnect attempts exhausted; next attempt after %.1fs", cooldown.Seconds())
	return nil, &ConnectError{Attempts: attempts, Err: lastErr}
}

// connect dials, logs in, and selects the target folder as one attempt.
func (s *Session) connect() (Client, error) {
	client, err := s.dial()
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	if err := client.Login(s.mail.Username, s.mail.Password).Wait(); err != nil {
		s.safeClose(client)
		return nil, fmt.Errorf("login: %w", err)
	}
	s.selected = ""
	if err := s.ensureSelected(client); err != nil {
		s.safeClose(client)
		return nil, err
	}
	s.logger.Printf("login OK %s:%d (%s)", s.mail.Host, s.mail.Port, s.mail.Folder)
	return client, nil
}

func (s *Session) ensureSelected(client Client) error {
	if s.selected == s.mail.Folder {
		return nil
	}
	if _, err := client.Select(s.mail.Folder, nil).Wait(); err != nil {
		return fmt.Errorf("select %s: %w", s.mail.Folder, err)
	}
	s.selected = s.mail.Folder
	return nil
}

func (s *Session) backoffDelay(attempt int) time.Duration {
	base := float64(s.ingest.BackoffBase)
	delay := base * float64(int(1)<<attempt)
	delay += s.jitter() * 0.3 * float64(time.Second)
	return time.Duration(delay)
}

// Close tears the session down; close-path errors are swallowed.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.safeClose(s.client)
	s.client = nil
	s.selected = ""
}

func (s *Session) safeClose(client Client) {
	if client == nil {
		return
	}
	if err := client.Logout().Wait(); err != nil {
		_ = client.Close()
	}
}
