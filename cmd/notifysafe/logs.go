package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/notifysafe/internal/audit"
)

var (
	logsType      string
	logsUser      string
	logsEventType string
	logsChannel   string
	logsSince     time.Duration
	logsLimit     int
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Audit log commands",
}

var logsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List audit records, newest first",
	RunE:  runLogsList,
}

var logsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show audit log statistics",
	RunE:  runLogsStats,
}

func init() {
	logsListCmd.Flags().StringVarP(&logsType, "type", "t", "", "Record type (EVENT, DELIVERY_ATTEMPT, DELIVERY_SUCCESS, DELIVERY_ALL_FAILED, TEMPLATE_EDIT)")
	logsListCmd.Flags().StringVarP(&logsUser, "user", "u", "", "Filter by user")
	logsListCmd.Flags().StringVarP(&logsEventType, "event", "e", "", "Filter by event type")
	logsListCmd.Flags().StringVar(&logsChannel, "channel", "", "Filter by channel")
	logsListCmd.Flags().DurationVar(&logsSince, "since", 0, "Only records newer than this (e.g. 1h)")
	logsListCmd.Flags().IntVarP(&logsLimit, "limit", "n", 50, "Maximum number of records")

	logsCmd.AddCommand(logsListCmd, logsStatsCmd)
	rootCmd.AddCommand(logsCmd)
}

func runLogsList(cmd *cobra.Command, args []string) error {
	_, stores, err := openStores()
	if err != nil {
		return err
	}
	defer stores.Close()

	filter := audit.Filter{
		Type:      audit.Type(strings.ToUpper(logsType)),
		UserID:    logsUser,
		EventType: logsEventType,
		Channel:   logsChannel,
		Limit:     logsLimit,
	}
	if logsSince > 0 {
		filter.Since = time.Now().Add(-logsSince)
	}

	records, err := stores.Audit.List(context.Background(), filter)
	if err != nil {
		return fmt.Errorf("failed to list audit records: %w", err)
	}

	if len(records) == 0 {
		fmt.Println("No records found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tTIME\tTYPE\tEVENT\tUSER\tCHANNEL\tOK\tDETAIL")
	fmt.Fprintln(w, "---\t----\t----\t-----\t----\t-------\t--\t------")
	for _, r := range records {
		detail := r.Error
		if detail == "" {
			detail = truncate(r.Message, 40)
		}
		if r.Type == audit.TypeTemplateEdit {
			detail = fmt.Sprintf("%s v%d by %s", r.TemplateID, r.Version, r.Actor)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%t\t%s\n",
			r.Seq, r.Timestamp.Format("2006-01-02 15:04:05"), r.Type,
			r.EventType, r.UserID, r.Channel, r.Success, detail,
		)
	}
	w.Flush()

	fmt.Printf("\nTotal: %d records\n", len(records))
	return nil
}

func runLogsStats(cmd *cobra.Command, args []string) error {
	_, stores, err := openStores()
	if err != nil {
		return err
	}
	defer stores.Close()

	stats, err := stores.Audit.Stats(context.Background())
	if err != nil {
		return fmt.Errorf("failed to get stats: %w", err)
	}

	fmt.Printf("Total records: %d\n\n", stats.Total)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TYPE\tCOUNT")
	fmt.Fprintln(w, "----\t-----")
	types := make([]string, 0, len(stats.ByType))
	for t := range stats.ByType {
		types = append(types, string(t))
	}
	sort.Strings(types)
	for _, t := range types {
		fmt.Fprintf(w, "%s\t%d\n", t, stats.ByType[audit.Type(t)])
	}
	w.Flush()

	if len(stats.AttemptsByChannel) > 0 {
		fmt.Println()
		w = tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "CHANNEL\tATTEMPTS\tDELIVERED")
		fmt.Fprintln(w, "-------\t--------\t---------")
		for _, ch := range sortedKeys(stats.AttemptsByChannel) {
			fmt.Fprintf(w, "%s\t%d\t%d\n", ch, stats.AttemptsByChannel[ch], stats.SuccessesByChannel[ch])
		}
		w.Flush()
	}

	return nil
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
