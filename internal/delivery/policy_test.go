package delivery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/foxzi/notifysafe/internal/audit"
	"github.com/foxzi/notifysafe/internal/channel"
)

func retryHarness(t *testing.T, sender channel.Sender, maxAttempts int) *harness {
	t.Helper()
	return newHarness(t, harnessOptions{
		sender: sender,
		policies: []Policy{
			OrderedFallback{},
			NewRetryUntilAllSucceed(maxAttempts, time.Millisecond, 5*time.Millisecond),
		},
	})
}

func TestRetryUntilAllSucceed_RetriesOnlyFailedChannels(t *testing.T) {
	sender := newScriptedSender(map[channel.Channel][]bool{
		channel.Email: {false, false, true},
		channel.SMS:   {true},
	})
	h := retryHarness(t, sender, 5)

	res, err := h.svc.Trigger(context.Background(), "SUSPICIOUS_ACTIVITY_ALERT", TriggerContext{
		User:       "alice",
		Actor:      "security-bot",
		Privileged: true,
		Policy:     PolicyRetryAll,
		Channels:   []channel.Channel{channel.Email, channel.SMS},
	})
	if err != nil {
		t.Fatalf("Trigger() error = %v", err)
	}

	if !res.Success || res.SavedToInbox {
		t.Errorf("result = %+v, want success without inbox", res)
	}
	if len(res.ChannelsDelivered) != 2 {
		t.Errorf("ChannelsDelivered = %v, want both channels", res.ChannelsDelivered)
	}
	if sender.count(channel.Email) != 3 || sender.count(channel.SMS) != 1 {
		t.Errorf("email sends = %d, sms sends = %d; want 3 and 1", sender.count(channel.Email), sender.count(channel.SMS))
	}
	if res.Attempts != 4 {
		t.Errorf("Attempts = %d, want 4", res.Attempts)
	}

	successes := h.records(t, audit.TypeDeliverySuccess)
	if len(successes) != 2 {
		t.Errorf("DELIVERY_SUCCESS records = %d, want one per channel", len(successes))
	}
	for _, rec := range successes {
		if rec.Policy != PolicyRetryAll {
			t.Errorf("record policy = %q", rec.Policy)
		}
	}
}

func TestRetryUntilAllSucceed_BoundedByMaxAttempts(t *testing.T) {
	sender := newScriptedSender(map[channel.Channel][]bool{
		channel.Email: {true},
		channel.SMS:   {false},
	})
	h := retryHarness(t, sender, 3)

	res, err := h.svc.Trigger(context.Background(), "TRANSACTION_INITIATED", TriggerContext{
		User:       "bob",
		Privileged: true,
		Policy:     PolicyRetryAll,
		Metadata:   map[string]string{"amount": "500"},
		Channels:   []channel.Channel{channel.Email, channel.SMS},
	})
	if err != nil {
		t.Fatalf("Trigger() error = %v", err)
	}

	if sender.count(channel.SMS) != 3 {
		t.Errorf("sms sends = %d, want 3", sender.count(channel.SMS))
	}
	if sender.count(channel.Email) != 1 {
		t.Errorf("email sends = %d, want 1", sender.count(channel.Email))
	}
	if res.Success || !res.SavedToInbox {
		t.Errorf("result = %+v, want degraded to inbox", res)
	}
	if res.Channel != "" {
		t.Errorf("Channel = %q, want empty for an exhausted run", res.Channel)
	}
	if len(res.ChannelsDelivered) != 1 || res.ChannelsDelivered[0] != channel.Email {
		t.Errorf("ChannelsDelivered = %v", res.ChannelsDelivered)
	}
	if len(res.FallbackEvents) != 3 {
		t.Errorf("FallbackEvents = %d, want 3", len(res.FallbackEvents))
	}
	if n := len(h.records(t, audit.TypeDeliveryAllFailed)); n != 1 {
		t.Errorf("DELIVERY_ALL_FAILED records = %d, want 1", n)
	}
	if n := len(h.inboxFor(t, "bob")); n != 1 {
		t.Errorf("inbox messages = %d, want 1", n)
	}
}

func TestRetryUntilAllSucceed_CancelDuringBackoff(t *testing.T) {
	sender := newScriptedSender(map[channel.Channel][]bool{channel.SMS: {false}})
	h := newHarness(t, harnessOptions{
		sender: sender,
		policies: []Policy{
			OrderedFallback{},
			NewRetryUntilAllSucceed(100, time.Hour, time.Hour),
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	res, err := h.svc.Trigger(ctx, "OTP_SENT", TriggerContext{
		User:       "carol",
		Privileged: true,
		Policy:     PolicyRetryAll,
		Channels:   []channel.Channel{channel.SMS},
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Trigger() error = %v, want DeadlineExceeded", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("retry loop did not stop on cancellation")
	}
	if res.Attempts != 1 || res.SavedToInbox {
		t.Errorf("result = %+v", res)
	}
}

func TestRetryUntilAllSucceed_Backoff(t *testing.T) {
	p := NewRetryUntilAllSucceed(5, time.Second, 5*time.Second)

	tests := []struct {
		round int
		want  time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 5 * time.Second},
		{60, 5 * time.Second},
	}
	for _, tt := range tests {
		if got := p.backoff(tt.round); got != tt.want {
			t.Errorf("backoff(%d) = %v, want %v", tt.round, got, tt.want)
		}
	}

	if got := NewRetryUntilAllSucceed(0, 0, 0); got.MaxAttempts != 3 || got.backoff(1) != 0 {
		t.Errorf("defaults = %+v", got)
	}
}

func TestPolicySelection(t *testing.T) {
	h := newHarness(t, harnessOptions{
		sender: newScriptedSender(nil),
		cfg: ServiceConfig{
			DefaultPolicy:    PolicyOrdered,
			CategoryPolicies: map[string]string{"security": PolicyRetryAll},
		},
	})

	tests := []struct {
		name    string
		event   Event
		tc      TriggerContext
		want    string
		wantErr error
	}{
		{"default", Event{Type: "PROMOTIONAL_OFFER", Category: "marketing"}, TriggerContext{}, PolicyOrdered, nil},
		{"category", Event{Type: "USER_LOGIN_FAILURE", Category: "security"}, TriggerContext{}, PolicyRetryAll, nil},
		{"event policy wins over category", Event{Type: "X", Category: "security", Policy: PolicyOrdered}, TriggerContext{}, PolicyOrdered, nil},
		{"explicit privileged", Event{Type: "X"}, TriggerContext{Policy: PolicyRetryAll, Privileged: true}, PolicyRetryAll, nil},
		{"explicit unprivileged", Event{Type: "X"}, TriggerContext{Policy: PolicyRetryAll}, "", ErrNotPrivileged},
		{"explicit ordered needs no privilege", Event{Type: "X", Category: "security"}, TriggerContext{Policy: PolicyOrdered}, PolicyOrdered, nil},
		{"unknown", Event{Type: "X"}, TriggerContext{Policy: "carrier_pigeon"}, "", ErrUnknownPolicy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := h.svc.selectPolicy(tt.event, tt.tc)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("selectPolicy() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("selectPolicy() error = %v", err)
			}
			if p.Name() != tt.want {
				t.Errorf("selectPolicy() = %s, want %s", p.Name(), tt.want)
			}
		})
	}
}

func TestTriggerEvent_NotPrivilegedMakesNoAttempts(t *testing.T) {
	sender := newScriptedSender(nil)
	h := newHarness(t, harnessOptions{sender: sender})

	_, err := h.svc.Trigger(context.Background(), "OTP_SENT", TriggerContext{User: "dave", Policy: PolicyRetryAll})
	if !errors.Is(err, ErrNotPrivileged) {
		t.Fatalf("Trigger() error = %v, want ErrNotPrivileged", err)
	}
	if len(sender.calls) != 0 {
		t.Errorf("sender called %d times", len(sender.calls))
	}
}

func TestNewService_RejectsUnknownPolicies(t *testing.T) {
	o := NewOrchestrator(newScriptedSender(nil), failingAudit{}, nil, OrchestratorConfig{}, testLogger())

	if _, err := NewService(o, nil, nil, failingAudit{}, nil, ServiceConfig{DefaultPolicy: "nope"}, testLogger()); !errors.Is(err, ErrUnknownPolicy) {
		t.Errorf("NewService(bad default) error = %v", err)
	}
	if _, err := NewService(o, nil, nil, failingAudit{}, nil, ServiceConfig{CategoryPolicies: map[string]string{"a": "nope"}}, testLogger()); !errors.Is(err, ErrUnknownPolicy) {
		t.Errorf("NewService(bad category) error = %v", err)
	}
}
