package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/harun/sparrow/pkg/session"
	"github.com/spf13/cobra"
)

var sessionsJSON bool

var sessionsCmd = &cobra.Command{
	Use:     "sessions",
	Aliases: []string{"session"},
	Short:   "Manage stored chat sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions, most recently updated first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(store *session.Store) error {
			sessions, err := store.List(cmd.Context())
			if err != nil {
				return err
			}
			if sessionsJSON {
				return writeJSON(cmd.OutOrStdout(), sessions)
			}
			activeID, _, _ := store.Active(cmd.Context())
			return printSessions(cmd.OutOrStdout(), sessions, activeID)
		})
	},
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show a session and its messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(store *session.Store) error {
			sess, err := store.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if sessionsJSON {
				return writeJSON(cmd.OutOrStdout(), sess)
			}
			printTranscript(cmd.OutOrStdout(), sess)
			return nil
		})
	},
}

var sessionsRenameCmd = &cobra.Command{
	Use:   "rename <session-id> <title>",
	Short: "Rename a session",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(store *session.Store) error {
			if err := store.UpdateTitle(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Session %s renamed\n", args[0])
			return nil
		})
	},
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <session-id>",
	Short: "Delete a session and its messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(store *session.Store) error {
			if err := store.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Session %s deleted\n", args[0])
			return nil
		})
	},
}

func init() {
	sessionsCmd.PersistentFlags().BoolVar(&sessionsJSON, "json", false, "print JSON")
	sessionsCmd.AddCommand(sessionsListCmd, sessionsShowCmd, sessionsRenameCmd, sessionsDeleteCmd)
	rootCmd.AddCommand(sessionsCmd)
}

// withStore opens the configured session database for the duration of fn.
func withStore(fn func(*session.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := session.New(session.Config{DBPath: cfg.Sessions.DBPath})
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

func printSessions(w io.Writer, sessions []session.Session, activeID string) error {
	if len(sessions) == 0 {
		fmt.Fprintln(w, "No sessions")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\tID\tTITLE\tUPDATED")
	for _, s := range sessions {
		marker := ""
		if s.ID == activeID {
			marker = "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", marker, s.ID, s.Title, s.UpdatedAt.Local().Format(time.DateTime))
	}
	return tw.Flush()
}

func printTranscript(w io.Writer, sess *session.Session) {
	fmt.Fprintf(w, "%s (%s)\n", sess.Title, sess.ID)
	if sess.ModelID != "" {
		fmt.Fprintf(w, "Model: %s\n", sess.ModelID)
	}
	for _, m := range sess.Messages {
		label := m.Role
		if m.IsError {
			label += " (error)"
		}
		fmt.Fprintf(w, "\n[%s] %s\n%s\n", m.Timestamp.Local().Format(time.DateTime), label, m.Content)
		if m.TokensPerSecond != nil {
			fmt.Fprintf(w, "(%.1f tokens/s)\n", *m.TokensPerSecond)
		}
	}
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
