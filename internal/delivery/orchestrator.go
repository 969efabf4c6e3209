package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/foxzi/notifysafe/internal/audit"
	"github.com/foxzi/notifysafe/internal/channel"
	"github.com/foxzi/notifysafe/internal/inbox"
	"github.com/foxzi/notifysafe/internal/metrics"
)

// AuditLogger records activity. Implemented by *audit.Logger.
type AuditLogger interface {
	Log(ctx context.Context, rec *audit.Record) error
}

// Request is a fully resolved delivery: rendered text and channel order
type Request struct {
	EventType string
	UserID    string
	Actor     string
	Message   string
	Metadata  map[string]string
	Channels  []channel.Channel
}

// OrchestratorConfig contains orchestrator settings
type OrchestratorConfig struct {
	// Timeout bounds a whole run; zero means no limit
	Timeout time.Duration
}

// Orchestrator runs delivery policies against a channel sender
type Orchestrator struct {
	sender  channel.Sender
	audit   AuditLogger
	inbox   inbox.Store
	timeout time.Duration
	logger  *slog.Logger
}

// NewOrchestrator creates a new delivery orchestrator
func NewOrchestrator(sender channel.Sender, auditLog AuditLogger, inboxStore inbox.Store, cfg OrchestratorConfig, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		sender:  sender,
		audit:   auditLog,
		inbox:   inboxStore,
		timeout: cfg.Timeout,
		logger:  logger.With("component", "orchestrator"),
	}
}

// Deliver validates req and runs policy over it. The returned Result is
// never nil once validation passes, even when an error is returned.
func (o *Orchestrator) Deliver(ctx context.Context, req Request, policy Policy) (*Result, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	run := newRun(o, req, policy.Name())
	start := time.Now()

	run.log(ctx, &audit.Record{
		Type:      audit.TypeEvent,
		EventType: req.EventType,
		UserID:    req.UserID,
		Actor:     req.Actor,
		Metadata:  req.Metadata,
		Policy:    policy.Name(),
	})

	err := policy.Deliver(ctx, run)
	res := run.result
	if err != nil {
		res.Error = err.Error()
	}

	metrics.ObserveDelivery(policy.Name(), outcomeLabel(res, err), time.Since(start).Seconds())

	o.logger.Info("delivery finished",
		"event_type", req.EventType,
		"user", req.UserID,
		"policy", policy.Name(),
		"success", res.Success,
		"channel", res.Channel,
		"attempts", res.Attempts,
		"saved_to_inbox", res.SavedToInbox,
		"audit_failures", res.AuditFailures,
		"duration", time.Since(start),
	)

	return res, err
}

func (req Request) validate() error {
	if req.EventType == "" {
		return fmt.Errorf("%w: event type is required", ErrInvalidInput)
	}
	if req.UserID == "" {
		return fmt.Errorf("%w: user is required", ErrInvalidInput)
	}
	if len(req.Channels) == 0 {
		return fmt.Errorf("%w: at least one channel is required", ErrInvalidInput)
	}
	for _, ch := range req.Channels {
		if _, err := channel.Parse(string(ch)); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
	}
	return nil
}

func outcomeLabel(res *Result, err error) string {
	switch {
	case isContextError(err):
		return "canceled"
	case err != nil:
		return "error"
	case res.Success:
		return "delivered"
	case res.SavedToInbox:
		return "inbox"
	default:
		return "failed"
	}
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Run is the state of a single delivery. Policies drive it through its
// Attempt, Succeed, Fail and Exhaust steps.
type Run struct {
	o      *Orchestrator
	req    Request
	result *Result

	// retries counts failed attempts per channel for this run only
	retries map[channel.Channel]int
}

func newRun(o *Orchestrator, req Request, policy string) *Run {
	return &Run{
		o:   o,
		req: req,
		result: &Result{
			Policy:         policy,
			Message:        req.Message,
			FallbackEvents: []FallbackEvent{},
		},
		retries: make(map[channel.Channel]int),
	}
}

// Channels returns the channels in attempt order
func (r *Run) Channels() []channel.Channel {
	return append([]channel.Channel(nil), r.req.Channels...)
}

// RetryCount returns how many attempts on ch have failed so far
func (r *Run) RetryCount(ch channel.Channel) int {
	return r.retries[ch]
}

// Attempt sends the message on ch and records exactly one attempt record
func (r *Run) Attempt(ctx context.Context, ch channel.Channel) error {
	r.result.Attempts++

	err := r.o.sender.Send(ctx, ch, channel.Payload{
		UserID:    r.req.UserID,
		EventType: r.req.EventType,
		Message:   r.req.Message,
		Metadata:  r.req.Metadata,
	})

	rec := &audit.Record{
		Type:      audit.TypeDeliveryAttempt,
		EventType: r.req.EventType,
		Channel:   string(ch),
		Success:   err == nil,
		UserID:    r.req.UserID,
		Actor:     r.req.Actor,
		Message:   audit.Excerpt(r.req.Message),
		Attempt:   r.result.Attempts,
		Policy:    r.result.Policy,
	}
	if err != nil {
		rec.Error = err.Error()
	}
	r.log(ctx, rec)
	metrics.IncDeliveryAttempt(string(ch), err == nil)

	r.o.logger.Debug("delivery attempt",
		"event_type", r.req.EventType,
		"channel", ch,
		"attempt", r.result.Attempts,
		"success", err == nil,
	)

	return err
}

// Fail records a failed attempt on ch as a fallback event and returns the
// channel's updated retry count
func (r *Run) Fail(ch channel.Channel, err error) int {
	r.retries[ch]++

	reason := err.Error()
	var simErr *channel.SimulatedError
	if errors.As(err, &simErr) {
		reason = simErr.Reason
	}
	r.result.FallbackEvents = append(r.result.FallbackEvents, FallbackEvent{
		Failed:  ch,
		Reason:  reason,
		Attempt: r.result.Attempts,
	})
	return r.retries[ch]
}

// Succeed marks ch as delivered and records DELIVERY_SUCCESS
func (r *Run) Succeed(ctx context.Context, ch channel.Channel) {
	if !r.result.Success {
		r.result.Channel = ch
	}
	r.result.Success = true
	r.result.ChannelsDelivered = append(r.result.ChannelsDelivered, ch)

	r.log(ctx, &audit.Record{
		Type:      audit.TypeDeliverySuccess,
		EventType: r.req.EventType,
		Channel:   string(ch),
		Success:   true,
		UserID:    r.req.UserID,
		Actor:     r.req.Actor,
		Attempt:   r.result.Attempts,
		Policy:    r.result.Policy,
	})
}

// Exhaust persists the message to the user's inbox and records
// DELIVERY_ALL_FAILED. It returns ErrInboxWrite if the inbox save failed.
func (r *Run) Exhaust(ctx context.Context) error {
	r.result.Success = false
	r.result.Channel = ""

	msg := &inbox.Message{
		UserID:    r.req.UserID,
		EventType: r.req.EventType,
		Message:   r.req.Message,
		Metadata:  r.req.Metadata,
	}

	var saveErr error
	if err := r.o.inbox.Save(context.WithoutCancel(ctx), msg); err != nil {
		saveErr = fmt.Errorf("%w: %v", ErrInboxWrite, err)
		r.o.logger.Error("failed to save message to inbox",
			"event_type", r.req.EventType,
			"user", r.req.UserID,
			"error", err,
		)
	} else {
		r.result.SavedToInbox = true
		r.result.InboxMessageID = msg.ID
		metrics.IncInboxSaved()
	}

	rec := &audit.Record{
		Type:      audit.TypeDeliveryAllFailed,
		EventType: r.req.EventType,
		UserID:    r.req.UserID,
		Actor:     r.req.Actor,
		Message:   audit.Excerpt(r.req.Message),
		Attempt:   r.result.Attempts,
		Policy:    r.result.Policy,
	}
	if saveErr != nil {
		rec.Error = saveErr.Error()
	}
	r.log(ctx, rec)

	return saveErr
}

// log writes rec even if ctx was canceled. A failed write never stops the
// run; it is counted on the result instead.
func (r *Run) log(ctx context.Context, rec *audit.Record) {
	if err := r.o.audit.Log(context.WithoutCancel(ctx), rec); err != nil {
		r.result.AuditFailures++
		r.result.ObservabilityDegraded = true
		metrics.IncAuditWriteFailures()
		r.o.logger.Warn("audit write failed, continuing delivery",
			"type", rec.Type,
			"event_type", rec.EventType,
			"channel", rec.Channel,
			"error", err,
		)
	}
}
