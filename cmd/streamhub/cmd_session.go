package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/streamhub/internal/store"
	"github.com/user/streamhub/internal/types"
)

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionListCmd, sessionShowCmd, sessionDeleteCmd)
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage sessions",
}

func openStore() (*store.Store, error) {
	cfg := loadConfig()
	return store.Open(cfg.DB.Driver, cfg.DB.DSN)
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}

		list, err := st.Sessions().List(context.Background())
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}
		if len(list) == 0 {
			fmt.Println("No sessions found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTITLE\tMODEL\tTOKENS\tUPDATED")
		for _, s := range list {
			title := s.Title
			if title == "" {
				title = "(untitled)"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
				s.ID, title, s.Model, s.TotalTokens, s.UpdatedAt.Format("2006-01-02 15:04"))
		}
		return w.Flush()
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show a session and its messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		ctx := context.Background()
		id := types.SessionID(args[0])

		session, err := st.Sessions().Get(ctx, id)
		if err != nil {
			return fmt.Errorf("get session: %w", err)
		}
		fmt.Printf("Session: %s\nTitle:   %s\nModel:   %s/%s\nTokens:  %d (base %d)\n",
			session.ID, session.Title, session.Provider, session.Model,
			session.TotalTokens, session.BaseContextTokens)
		if len(session.Suggestions) > 0 {
			fmt.Println("Suggestions:")
			for _, s := range session.Suggestions {
				fmt.Printf("  - %s\n", s)
			}
		}

		messages, err := st.Messages().List(ctx, id)
		if err != nil {
			return fmt.Errorf("list messages: %w", err)
		}
		fmt.Printf("\nMessages (%d):\n", len(messages))
		for _, m := range messages {
			fmt.Printf("  [%s] %s (%s, %d parts)\n", m.Role, m.ID, m.Status, len(m.Parts))
		}
		return nil
	},
}

var sessionDeleteCmd = &cobra.Command{
	Use:   "delete <session-id>",
	Short: "Delete a session and its messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		if err := st.Sessions().Delete(context.Background(), types.SessionID(args[0])); err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
		fmt.Println("Deleted.")
		return nil
	},
}
