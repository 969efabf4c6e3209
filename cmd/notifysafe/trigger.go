package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/foxzi/notifysafe/internal/app"
	"github.com/foxzi/notifysafe/internal/channel"
	"github.com/foxzi/notifysafe/internal/config"
	"github.com/foxzi/notifysafe/internal/delivery"
)

var (
	triggerUser       string
	triggerActor      string
	triggerMeta       []string
	triggerChannels   []string
	triggerPolicy     string
	triggerPrivileged bool
	triggerJSON       bool
)

var triggerCmd = &cobra.Command{
	Use:   "trigger <event_type>",
	Short: "Deliver one event locally",
	Long: `Deliver one event against the configured stores and channel simulator,
without a running server.

Examples:
  notifysafe trigger USER_LOGIN_SUCCESS --user alice --meta ip=10.0.0.1
  notifysafe trigger OTP_SENT --user bob --channel sms --channel email
  notifysafe trigger TRANSACTION_COMPLETED --user bob --policy retry_all --privileged`,
	Args: cobra.ExactArgs(1),
	RunE: runTrigger,
}

func init() {
	triggerCmd.Flags().StringVar(&triggerUser, "user", "", "Recipient user id (required)")
	triggerCmd.Flags().StringVar(&triggerActor, "actor", "cli", "Actor recorded in the audit log")
	triggerCmd.Flags().StringArrayVar(&triggerMeta, "meta", nil, "Metadata key=value (repeatable)")
	triggerCmd.Flags().StringArrayVar(&triggerChannels, "channel", nil, "Channel override, in order (repeatable)")
	triggerCmd.Flags().StringVar(&triggerPolicy, "policy", "", "Delivery policy (ordered, retry_all)")
	triggerCmd.Flags().BoolVar(&triggerPrivileged, "privileged", false, "Act as a privileged caller")
	triggerCmd.Flags().BoolVar(&triggerJSON, "json", false, "Print the raw result as JSON")
	triggerCmd.MarkFlagRequired("user")

	rootCmd.AddCommand(triggerCmd)
}

// newOfflineService builds a delivery service over the simulator for
// commands that run without the server
func newOfflineService(cfg *config.Config, stores *app.Stores) (*delivery.Service, error) {
	logger := cliLogger(cfg)
	sim, err := app.NewSimulator(cfg.Channels, logger)
	if err != nil {
		return nil, err
	}
	svc, _, err := app.NewService(cfg, stores, sim, logger)
	if err != nil {
		return nil, err
	}
	return svc, nil
}

func parseMeta(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	meta := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid metadata %q (want key=value)", pair)
		}
		meta[strings.TrimSpace(k)] = v
	}
	return meta, nil
}

func runTrigger(cmd *cobra.Command, args []string) error {
	meta, err := parseMeta(triggerMeta)
	if err != nil {
		return err
	}
	channels, err := channel.ParseList(triggerChannels)
	if err != nil {
		return err
	}

	cfg, stores, err := openStores()
	if err != nil {
		return err
	}
	defer stores.Close()

	svc, err := newOfflineService(cfg, stores)
	if err != nil {
		return err
	}

	result, err := svc.Trigger(context.Background(), args[0], delivery.TriggerContext{
		User:       triggerUser,
		Metadata:   meta,
		Actor:      triggerActor,
		Privileged: triggerPrivileged,
		Channels:   channels,
		Policy:     triggerPolicy,
	})
	if result == nil {
		if err != nil {
			return fmt.Errorf("trigger failed: %w", err)
		}
		return nil
	}

	if triggerJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(result)
	} else {
		printResult(result)
	}
	return err
}

func printResult(res *delivery.Result) {
	fmt.Printf("Policy:    %s\n", res.Policy)
	fmt.Printf("Message:   %s\n", res.Message)
	fmt.Printf("Attempts:  %d\n", res.Attempts)
	for _, fe := range res.FallbackEvents {
		fmt.Printf("  %-6s failed (%s, attempt %d)\n", fe.Failed, fe.Reason, fe.Attempt)
	}

	switch {
	case res.Success:
		fmt.Printf("Delivered: %s\n", joinChannels(res.ChannelsDelivered))
	case res.SavedToInbox:
		fmt.Printf("All channels failed, saved to inbox (%s)\n", res.InboxMessageID)
		if len(res.ChannelsDelivered) > 0 {
			fmt.Printf("Partially delivered: %s\n", joinChannels(res.ChannelsDelivered))
		}
	default:
		fmt.Println("Not delivered")
	}

	if res.ObservabilityDegraded {
		fmt.Printf("Warning: %d audit records could not be written\n", res.AuditFailures)
	}
	if res.Error != "" {
		fmt.Printf("Error: %s\n", res.Error)
	}
}

func joinChannels(chs []channel.Channel) string {
	out := make([]string, len(chs))
	for i, ch := range chs {
		out[i] = string(ch)
	}
	return strings.Join(out, ", ")
}
