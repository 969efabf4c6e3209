package delivery

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/foxzi/notifysafe/internal/audit"
	"github.com/foxzi/notifysafe/internal/channel"
)

func TestTriggerEvent_FallsBackToInApp(t *testing.T) {
	h := newHarness(t, harnessOptions{
		sender: simulator(map[channel.Channel]float64{
			channel.Email: 0,
			channel.SMS:   0,
			channel.InApp: 1,
		}),
	})

	res, err := h.svc.Trigger(context.Background(), "USER_LOGIN_SUCCESS", TriggerContext{
		User:     "alice",
		Channels: []channel.Channel{channel.Email, channel.SMS, channel.InApp},
	})
	if err != nil {
		t.Fatalf("Trigger() error = %v", err)
	}

	if !res.Success || res.Channel != channel.InApp {
		t.Errorf("result = %+v, want success on inapp", res)
	}
	if len(res.FallbackEvents) != 2 ||
		res.FallbackEvents[0].Failed != channel.Email ||
		res.FallbackEvents[1].Failed != channel.SMS ||
		res.FallbackEvents[0].Reason != channel.ReasonSimulatedFailure {
		t.Errorf("FallbackEvents = %+v", res.FallbackEvents)
	}

	attempts := h.records(t, audit.TypeDeliveryAttempt)
	if len(attempts) != 3 {
		t.Fatalf("attempt records = %d, want 3", len(attempts))
	}
	// newest first
	wantOrder := []struct {
		ch      string
		success bool
	}{{"inapp", true}, {"sms", false}, {"email", false}}
	for i, want := range wantOrder {
		if attempts[i].Channel != want.ch || attempts[i].Success != want.success {
			t.Errorf("attempt[%d] = %s/%v, want %s/%v", i, attempts[i].Channel, attempts[i].Success, want.ch, want.success)
		}
	}

	if n := len(h.records(t, audit.TypeDeliverySuccess)); n != 1 {
		t.Errorf("DELIVERY_SUCCESS records = %d, want 1", n)
	}
	if n := len(h.records(t, audit.TypeEvent)); n != 1 {
		t.Errorf("EVENT records = %d, want 1", n)
	}
	if msgs := h.inboxFor(t, "alice"); len(msgs) != 0 {
		t.Errorf("inbox messages = %d, want 0", len(msgs))
	}
}

func TestTriggerEvent_AllFailSavesToInbox(t *testing.T) {
	h := newHarness(t, harnessOptions{
		sender: simulator(map[channel.Channel]float64{
			channel.Email: 0,
			channel.SMS:   0,
		}),
	})

	res, err := h.svc.Trigger(context.Background(), "PASSWORD_CHANGED", TriggerContext{
		User:     "bob",
		Metadata: map[string]string{"time": "10:00"},
		Channels: []channel.Channel{channel.Email, channel.SMS},
	})
	if err != nil {
		t.Fatalf("Trigger() error = %v", err)
	}

	if res.Success || !res.SavedToInbox || res.InboxMessageID == "" {
		t.Errorf("result = %+v, want saved to inbox", res)
	}

	msgs := h.inboxFor(t, "bob")
	if len(msgs) != 1 {
		t.Fatalf("inbox messages = %d, want 1", len(msgs))
	}
	if want := "Your password was successfully changed at 10:00."; msgs[0].Message != want {
		t.Errorf("inbox message = %q, want %q", msgs[0].Message, want)
	}
	if msgs[0].ID != res.InboxMessageID || msgs[0].EventType != "PASSWORD_CHANGED" {
		t.Errorf("inbox message = %+v", msgs[0])
	}

	if n := len(h.records(t, audit.TypeDeliveryAllFailed)); n != 1 {
		t.Errorf("DELIVERY_ALL_FAILED records = %d, want 1", n)
	}
	if n := len(h.records(t, audit.TypeDeliveryAttempt)); n != 2 {
		t.Errorf("attempt records = %d, want 2", n)
	}
	if n := len(h.records(t, audit.TypeDeliverySuccess)); n != 0 {
		t.Errorf("DELIVERY_SUCCESS records = %d, want 0", n)
	}
}

func TestOrderedFallback_AlwaysSucceedingChannel(t *testing.T) {
	lists := [][]channel.Channel{
		{channel.InApp},
		{channel.Email, channel.InApp},
		{channel.SMS, channel.Email, channel.InApp},
		{channel.InApp, channel.Email, channel.SMS},
		{channel.Email, channel.InApp, channel.SMS},
	}

	for _, list := range lists {
		t.Run(joinChannels(list), func(t *testing.T) {
			h := newHarness(t, harnessOptions{
				sender: simulator(map[channel.Channel]float64{
					channel.Email: 0,
					channel.SMS:   0,
					channel.InApp: 1,
				}),
			})

			res, err := h.svc.Trigger(context.Background(), "DEVICE_ADDED", TriggerContext{User: "u1", Channels: list})
			if err != nil {
				t.Fatalf("Trigger() error = %v", err)
			}
			if !res.Success {
				t.Fatalf("result = %+v, want success", res)
			}

			successes := h.records(t, audit.TypeDeliverySuccess)
			if len(successes) != 1 {
				t.Fatalf("DELIVERY_SUCCESS records = %d, want 1", len(successes))
			}

			pos := indexOf(list, channel.InApp)
			attempts := h.records(t, audit.TypeDeliveryAttempt)
			if len(attempts) != pos+1 {
				t.Errorf("attempt records = %d, want %d", len(attempts), pos+1)
			}
			for _, rec := range attempts[1:] {
				if rec.Success {
					t.Errorf("attempt before inapp succeeded: %+v", rec)
				}
			}
		})
	}
}

func TestOrderedFallback_EveryChannelFails(t *testing.T) {
	lists := [][]channel.Channel{
		{channel.Email},
		{channel.SMS, channel.Email},
		{channel.Email, channel.SMS, channel.InApp},
	}

	for _, list := range lists {
		t.Run(joinChannels(list), func(t *testing.T) {
			h := newHarness(t, harnessOptions{
				sender: simulator(map[channel.Channel]float64{
					channel.Email: 0,
					channel.SMS:   0,
					channel.InApp: 0,
				}),
			})

			res, err := h.svc.Trigger(context.Background(), "OTP_SENT", TriggerContext{User: "u2", Channels: list})
			if err != nil {
				t.Fatalf("Trigger() error = %v", err)
			}
			if res.Success || !res.SavedToInbox {
				t.Errorf("result = %+v", res)
			}
			if n := len(h.inboxFor(t, "u2")); n != 1 {
				t.Errorf("inbox messages = %d, want 1", n)
			}
			if n := len(h.records(t, audit.TypeDeliveryAttempt)); n != len(list) {
				t.Errorf("attempt records = %d, want %d", n, len(list))
			}
		})
	}
}

func TestAttemptRecordsTruncateMessage(t *testing.T) {
	h := newHarness(t, harnessOptions{sender: newScriptedSender(nil)})
	ctx := context.Background()

	tmpl, _ := h.templates.GetByName(ctx, "PROMOTIONAL_OFFER")
	long := strings.Repeat("x", 500)
	if _, err := h.svc.Trigger(ctx, tmpl.Name, TriggerContext{
		User:     "u3",
		Metadata: map[string]string{"offer_details": long},
		Channels: []channel.Channel{channel.Email},
	}); err != nil {
		t.Fatalf("Trigger() error = %v", err)
	}

	attempts := h.records(t, audit.TypeDeliveryAttempt)
	if len(attempts) != 1 || len([]rune(attempts[0].Message)) != audit.ExcerptLength {
		t.Errorf("attempt message length = %d, want %d", len([]rune(attempts[0].Message)), audit.ExcerptLength)
	}
}

func TestTriggerEvent_UnknownTemplateUsesPlaceholderText(t *testing.T) {
	h := newHarness(t, harnessOptions{sender: newScriptedSender(nil)})

	res, err := h.svc.Trigger(context.Background(), "NOT_A_TEMPLATE", TriggerContext{User: "u4"})
	if err != nil {
		t.Fatalf("Trigger() error = %v", err)
	}
	if res.Message != "NOT_A_TEMPLATE (template not found)" {
		t.Errorf("Message = %q", res.Message)
	}
	if res.Channel != channel.Email {
		t.Errorf("Channel = %q, want first default channel", res.Channel)
	}
}

func TestTriggerEvent_InvalidInput(t *testing.T) {
	h := newHarness(t, harnessOptions{sender: newScriptedSender(nil)})
	ctx := context.Background()

	tests := []struct {
		name  string
		event Event
		tc    TriggerContext
	}{
		{"missing event type", Event{Channels: DefaultChannels}, TriggerContext{User: "u"}},
		{"missing user", Event{Type: "OTP_SENT", Channels: DefaultChannels}, TriggerContext{}},
		{"no channels", Event{Type: "OTP_SENT"}, TriggerContext{User: "u"}},
		{"unknown channel", Event{Type: "OTP_SENT"}, TriggerContext{User: "u", Channels: []channel.Channel{"fax"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := h.svc.TriggerEvent(ctx, tt.event, tt.tc)
			if !errors.Is(err, ErrInvalidInput) {
				t.Errorf("TriggerEvent() error = %v, want ErrInvalidInput", err)
			}
			if res != nil {
				t.Errorf("TriggerEvent() result = %+v, want nil", res)
			}
		})
	}

	if n := len(h.records(t, audit.TypeDeliveryAttempt)); n != 0 {
		t.Errorf("invalid input produced %d attempts", n)
	}
}

func TestTriggerEvent_DuplicateChannelsAttemptedOnce(t *testing.T) {
	sender := newScriptedSender(map[channel.Channel][]bool{channel.Email: {false}})
	h := newHarness(t, harnessOptions{sender: sender})

	_, err := h.svc.Trigger(context.Background(), "OTP_SENT", TriggerContext{
		User:     "u",
		Channels: []channel.Channel{"EMAIL", "email", "push"},
	})
	if err != nil {
		t.Fatalf("Trigger() error = %v", err)
	}
	if sender.count(channel.Email) != 1 || sender.count(channel.InApp) != 1 {
		t.Errorf("calls = %v", sender.calls)
	}
	// One attempt record per distinct channel
	if n := len(h.records(t, audit.TypeDeliveryAttempt)); n != 2 {
		t.Errorf("DELIVERY_ATTEMPT records = %d, want 2", n)
	}
}

func TestAuditFailureDegradesObservability(t *testing.T) {
	h := newHarness(t, harnessOptions{
		sender: newScriptedSender(map[channel.Channel][]bool{channel.Email: {false}}),
		audit:  failingAudit{},
	})

	res, err := h.svc.Trigger(context.Background(), "DEVICE_REMOVED", TriggerContext{
		User:     "u5",
		Channels: []channel.Channel{channel.Email, channel.SMS},
	})
	if err != nil {
		t.Fatalf("Trigger() error = %v", err)
	}

	if !res.Success || res.Channel != channel.SMS {
		t.Errorf("delivery should continue despite audit failures: %+v", res)
	}
	// EVENT + 2 attempts + DELIVERY_SUCCESS
	if res.AuditFailures != 4 || !res.ObservabilityDegraded {
		t.Errorf("AuditFailures = %d, ObservabilityDegraded = %v", res.AuditFailures, res.ObservabilityDegraded)
	}
}

func TestInboxFailureIsReported(t *testing.T) {
	h := newHarness(t, harnessOptions{
		sender: newScriptedSender(map[channel.Channel][]bool{channel.Email: {false}}),
	})
	h.svc.orchestrator.inbox = failingInbox{}

	res, err := h.svc.Trigger(context.Background(), "ACCOUNT_LOCKED", TriggerContext{
		User:     "u6",
		Channels: []channel.Channel{channel.Email},
	})
	if !errors.Is(err, ErrInboxWrite) {
		t.Fatalf("Trigger() error = %v, want ErrInboxWrite", err)
	}
	if res == nil || res.SavedToInbox || res.Error == "" {
		t.Errorf("result = %+v", res)
	}

	failed := h.records(t, audit.TypeDeliveryAllFailed)
	if len(failed) != 1 || failed[0].Error == "" {
		t.Errorf("DELIVERY_ALL_FAILED records = %+v", failed)
	}
}

func TestCancellationStopsDelivery(t *testing.T) {
	sender := &blockingSender{started: make(chan struct{})}
	h := newHarness(t, harnessOptions{sender: sender})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var (
		res *Result
		err error
	)
	go func() {
		defer close(done)
		res, err = h.svc.Trigger(ctx, "OTP_SENT", TriggerContext{User: "u7"})
	}()

	<-sender.started
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Trigger() did not return after cancellation")
	}

	if !errors.Is(err, context.Canceled) {
		t.Errorf("Trigger() error = %v, want context.Canceled", err)
	}
	if res == nil || res.Attempts != 1 || res.SavedToInbox {
		t.Errorf("result = %+v, want one attempt and no inbox save", res)
	}
	// the attempt is still recorded after cancellation
	if n := len(h.records(t, audit.TypeDeliveryAttempt)); n != 1 {
		t.Errorf("attempt records = %d, want 1", n)
	}
}

func TestOrchestratorTimeout(t *testing.T) {
	h := newHarness(t, harnessOptions{
		sender: &blockingSender{started: make(chan struct{})},
		orch:   OrchestratorConfig{Timeout: 20 * time.Millisecond},
	})

	res, err := h.svc.Trigger(context.Background(), "OTP_SENT", TriggerContext{User: "u8"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Trigger() error = %v, want DeadlineExceeded", err)
	}
	if res == nil || res.Error == "" {
		t.Errorf("result = %+v", res)
	}
}

func joinChannels(list []channel.Channel) string {
	parts := make([]string, len(list))
	for i, ch := range list {
		parts[i] = string(ch)
	}
	return strings.Join(parts, "_")
}

func indexOf(list []channel.Channel, ch channel.Channel) int {
	for i, c := range list {
		if c == ch {
			return i
		}
	}
	return -1
}
