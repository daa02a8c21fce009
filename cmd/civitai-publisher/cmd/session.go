package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"go-civitai-publisher/internal/session"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var sessionOutFlag string

// sessionCmd represents the base command for session management
var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage the login session used for publishing",
	Long: `Publishing needs the cookies of a logged-in browser session. Import them from a
Cookie header, then check that the platform still accepts them.`,
}

var sessionCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify the configured session and print who it belongs to",
	Args:  cobra.NoArgs,
	RunE:  runSessionCheck,
}

var sessionImportCmd = &cobra.Command{
	Use:   "import <cookie header | ->",
	Short: "Create a session file from a browser Cookie header",
	Long: `Reads the value of a Cookie request header (as copied from the browser's
developer tools, "-" reads it from stdin), checks it contains a next-auth
session and writes it to the session file.`,
	Args: cobra.ExactArgs(1),
	RunE: runSessionImport,
}

var sessionShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the cookie names and expiry of the configured session, values redacted",
	Args:  cobra.NoArgs,
	RunE:  runSessionShow,
}

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionCheckCmd)
	sessionCmd.AddCommand(sessionImportCmd)
	sessionCmd.AddCommand(sessionShowCmd)
	sessionImportCmd.Flags().StringVarP(&sessionOutFlag, "output", "o", "", "Where to write the session (default: configured SessionFile)")
}

func runSessionCheck(cmd *cobra.Command, args []string) error {
	store, err := newSessionStore(cmd.Context())
	if err != nil {
		return err
	}
	who, err := store.WhoAmI(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s (id %d)\n", who.Username, who.ID)
	if sess := store.Current(); sess != nil && sess.ExpiresAt != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "Session expires %s\n", sess.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}

func runSessionImport(cmd *cobra.Command, args []string) error {
	header := args[0]
	if header == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("reading cookie header from stdin: %w", err)
		}
		header = string(data)
	}
	sess, err := session.Import(header)
	if err != nil {
		return err
	}
	out := sessionOutFlag
	if out == "" {
		out = globalConfig.SessionFile
	}
	if err := session.WriteFile(out, sess); err != nil {
		return err
	}
	log.Infof("Session with %d cookie(s) written to %s", len(sess.Cookies), out)
	fmt.Fprintf(cmd.OutOrStdout(), "Session written to %s, run 'session check' to verify it\n", out)
	return nil
}

func runSessionShow(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(globalConfig.SessionFile)
	if err != nil {
		return fmt.Errorf("reading session file: %w", err)
	}
	sess, err := session.Parse(data)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(sess.Cookies))
	for name := range sess.Cookies {
		names = append(names, name)
	}
	sort.Strings(names)

	shown := struct {
		ExpiresAt *time.Time        `json:"expiresAt,omitempty"`
		User      any               `json:"user,omitempty"`
		Cookies   map[string]string `json:"cookies"`
	}{ExpiresAt: sess.ExpiresAt, Cookies: make(map[string]string, len(names))}
	if sess.User != nil {
		shown.User = sess.User
	}
	for _, name := range names {
		shown.Cookies[name] = redact(sess.Cookies[name])
	}
	out, err := json.MarshalIndent(shown, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}

func redact(v string) string {
	if len(v) <= 8 {
		return strings.Repeat("*", len(v))
	}
	return v[:4] + "..." + v[len(v)-4:]
}
