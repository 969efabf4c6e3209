package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var inboxLimit int

var inboxCmd = &cobra.Command{
	Use:   "inbox",
	Short: "Inbox management commands",
}

var inboxListCmd = &cobra.Command{
	Use:   "list <user>",
	Short: "List inbox messages for a user",
	Args:  cobra.ExactArgs(1),
	RunE:  runInboxList,
}

var inboxDeleteCmd = &cobra.Command{
	Use:   "delete <user> <id>",
	Short: "Delete an inbox message",
	Args:  cobra.ExactArgs(2),
	RunE:  runInboxDelete,
}

var inboxCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove messages older than the configured retention",
	RunE:  runInboxCleanup,
}

func init() {
	inboxListCmd.Flags().IntVarP(&inboxLimit, "limit", "n", 50, "Maximum number of messages")

	inboxCmd.AddCommand(inboxListCmd, inboxDeleteCmd, inboxCleanupCmd)
	rootCmd.AddCommand(inboxCmd)
}

func runInboxList(cmd *cobra.Command, args []string) error {
	_, stores, err := openStores()
	if err != nil {
		return err
	}
	defer stores.Close()

	msgs, err := stores.Inbox.List(context.Background(), args[0], inboxLimit)
	if err != nil {
		return fmt.Errorf("failed to list inbox: %w", err)
	}

	if len(msgs) == 0 {
		fmt.Println("Inbox is empty")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tEVENT\tCREATED\tMESSAGE")
	fmt.Fprintln(w, "--\t-----\t-------\t-------")
	for _, m := range msgs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			m.ID, m.EventType, m.CreatedAt.Format("2006-01-02 15:04:05"), truncate(m.Message, 60),
		)
	}
	w.Flush()

	fmt.Printf("\nTotal: %d messages\n", len(msgs))
	return nil
}

func runInboxDelete(cmd *cobra.Command, args []string) error {
	_, stores, err := openStores()
	if err != nil {
		return err
	}
	defer stores.Close()

	if err := stores.Inbox.Delete(context.Background(), args[0], args[1]); err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}

	fmt.Printf("Message %s deleted\n", args[1])
	return nil
}

func runInboxCleanup(cmd *cobra.Command, args []string) error {
	cfg, stores, err := openStores()
	if err != nil {
		return err
	}
	defer stores.Close()

	n, err := stores.Inbox.CleanupOlderThan(context.Background(), cfg.Storage.InboxRetention)
	if err != nil {
		return fmt.Errorf("failed to clean up inbox: %w", err)
	}

	fmt.Printf("Removed %d messages older than %s\n", n, cfg.Storage.InboxRetention)
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
