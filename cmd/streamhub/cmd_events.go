package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/streamhub/internal/eventlog"
)

var eventsLastN int

func init() {
	rootCmd.AddCommand(eventsCmd)
	eventsCmd.AddCommand(eventsTailCmd, eventsInfoCmd)
	eventsTailCmd.Flags().IntVar(&eventsLastN, "last", 20, "number of events to show")
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Inspect the durable event log",
}

func openEventLog() (*eventlog.Store, error) {
	cfg := loadConfig()
	return eventlog.Open(cfg.DB.Driver, cfg.DB.DSN)
}

var eventsTailCmd = &cobra.Command{
	Use:   "tail <channel>",
	Short: "Show the most recent events on a channel",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := openEventLog()
		if err != nil {
			return err
		}

		events, err := log.ReadLatest(context.Background(), args[0], eventsLastN)
		if err != nil {
			return fmt.Errorf("read events: %w", err)
		}
		for _, ev := range events {
			payload := "-"
			if len(ev.Payload) > 0 {
				compact, err := json.Marshal(json.RawMessage(ev.Payload))
				if err == nil {
					payload = string(compact)
				}
			}
			fmt.Printf("%s [%d.%d] %-28s %s\n",
				time.UnixMilli(ev.Cursor.Timestamp).Format(time.RFC3339),
				ev.Cursor.Timestamp, ev.Cursor.Sequence, ev.Type, payload)
		}
		return nil
	},
}

var eventsInfoCmd = &cobra.Command{
	Use:   "info <channel>",
	Short: "Show channel statistics",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := openEventLog()
		if err != nil {
			return err
		}

		info, err := log.Info(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("channel info: %w", err)
		}
		fmt.Printf("Channel: %s\nEvents:  %d\n", info.Channel, info.Count)
		if info.Count > 0 {
			fmt.Printf("First:   %d.%d\nLast:    %d.%d\n",
				info.First.Timestamp, info.First.Sequence,
				info.Last.Timestamp, info.Last.Sequence)
		}
		return nil
	},
}
