package delivery

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/foxzi/notifysafe/internal/audit"
	"github.com/foxzi/notifysafe/internal/channel"
	"github.com/foxzi/notifysafe/internal/inbox"
	"github.com/foxzi/notifysafe/internal/template"
	bolt "go.etcd.io/bbolt"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedSender returns queued outcomes per channel; the last outcome
// repeats. Channels without a script succeed.
type scriptedSender struct {
	mu     sync.Mutex
	script map[channel.Channel][]bool
	calls  []channel.Channel
}

func newScriptedSender(script map[channel.Channel][]bool) *scriptedSender {
	return &scriptedSender{script: script}
}

func (s *scriptedSender) Send(ctx context.Context, ch channel.Channel, p channel.Payload) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, ch)
	ok := true
	if outcomes := s.script[ch]; len(outcomes) > 0 {
		ok = outcomes[0]
		if len(outcomes) > 1 {
			s.script[ch] = outcomes[1:]
		}
	}
	if !ok {
		return &channel.SimulatedError{Channel: ch, Reason: channel.ReasonSimulatedFailure}
	}
	return nil
}

func (s *scriptedSender) count(ch channel.Channel) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c == ch {
			n++
		}
	}
	return n
}

// blockingSender waits for cancellation
type blockingSender struct {
	started chan struct{}
	once    sync.Once
}

func (b *blockingSender) Send(ctx context.Context, ch channel.Channel, p channel.Payload) error {
	b.once.Do(func() { close(b.started) })
	<-ctx.Done()
	return ctx.Err()
}

type failingAudit struct{}

func (failingAudit) Log(context.Context, *audit.Record) error {
	return errors.New("audit store unavailable")
}

type failingInbox struct{ inbox.Store }

func (failingInbox) Save(context.Context, *inbox.Message) error {
	return errors.New("inbox store unavailable")
}

type harness struct {
	svc       *Service
	auditLog  *audit.Logger
	audit     *audit.Storage
	inbox     *inbox.BoltStorage
	templates *template.Storage
}

type harnessOptions struct {
	sender   channel.Sender
	cfg      ServiceConfig
	orch     OrchestratorConfig
	audit    AuditLogger
	inbox    inbox.Store
	policies []Policy
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()

	db, err := bolt.Open(filepath.Join(t.TempDir(), "notifysafe.db"), 0600, nil)
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	templates, err := template.NewStorage(db)
	if err != nil {
		t.Fatalf("template.NewStorage() error = %v", err)
	}
	if _, err := template.Seed(context.Background(), templates, testLogger()); err != nil {
		t.Fatalf("Seed() error = %v", err)
	}
	auditStore, err := audit.NewStorage(db)
	if err != nil {
		t.Fatalf("audit.NewStorage() error = %v", err)
	}
	inboxStore, err := inbox.NewBoltStorage(db)
	if err != nil {
		t.Fatalf("inbox.NewBoltStorage() error = %v", err)
	}

	h := &harness{
		auditLog:  audit.NewLogger(auditStore, testLogger()),
		audit:     auditStore,
		inbox:     inboxStore,
		templates: templates,
	}

	var auditLog AuditLogger = h.auditLog
	if opts.audit != nil {
		auditLog = opts.audit
	}
	var inb inbox.Store = inboxStore
	if opts.inbox != nil {
		inb = opts.inbox
	}

	orch := NewOrchestrator(opts.sender, auditLog, inb, opts.orch, testLogger())
	svc, err := NewService(orch, template.NewRenderer(templates), templates, auditLog, DefaultCatalog(), opts.cfg, testLogger(), opts.policies...)
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	h.svc = svc
	return h
}

func (h *harness) records(t *testing.T, typ audit.Type) []*audit.Record {
	t.Helper()
	recs, err := h.audit.List(context.Background(), audit.Filter{Type: typ, Limit: 1000})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	return recs
}

func (h *harness) inboxFor(t *testing.T, user string) []*inbox.Message {
	t.Helper()
	msgs, err := h.inbox.List(context.Background(), user, 0)
	if err != nil {
		t.Fatalf("inbox List() error = %v", err)
	}
	return msgs
}

// simulator returns a zero-latency simulator with fixed probabilities
func simulator(probs map[channel.Channel]float64) *channel.Simulator {
	return channel.NewSimulator(channel.SimulatorConfig{
		Probabilities:      probs,
		DefaultProbability: 1,
	}, testLogger())
}
