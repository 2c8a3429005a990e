package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/spf13/cobra"
)

func newChatCmd(c *client) *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive conversation",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			s, err := c.openSession(ctx)
			if err != nil {
				return err
			}
			defer c.closeSession(ctx, s.ID)

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Grace CLI Chat")
			fmt.Fprintf(out, "Server: %s | Session: %s\n", c.base, s.ID)
			fmt.Fprintln(out, "Type 'exit' or 'quit' to leave. Commands: /status, /recall <text>")
			fmt.Fprintln(out, "---")

			scanner := bufio.NewScanner(cmd.InOrStdin())
			for {
				fmt.Fprint(out, "\n> ")
				if !scanner.Scan() {
					return scanner.Err()
				}
				input := strings.TrimSpace(scanner.Text())
				switch {
				case input == "":
					continue
				case input == "exit" || input == "quit":
					fmt.Fprintln(out, "Bye!")
					return nil
				case input == "/status":
					if err := printStatus(cmd, c); err != nil {
						printError(cmd, "Failed to fetch status: %v", err)
					}
					continue
				case strings.HasPrefix(input, "/recall "):
					q := url.Values{"q": {strings.TrimPrefix(input, "/recall ")}, "session": {s.ID}}
					if err := printRecall(cmd, c, q); err != nil {
						printError(cmd, "Recall failed: %v", err)
					}
					continue
				}

				r, err := c.say(ctx, s.ID, input)
				if err != nil {
					printError(cmd, "Request failed: %v", err)
					continue
				}
				printReply(out, r)
			}
		},
	}
}

func newSayCmd(c *client) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "say <text>",
		Short: "Send one utterance in a fresh session",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := c.openSession(ctx)
			if err != nil {
				return err
			}
			defer c.closeSession(ctx, s.ID)

			r, err := c.say(ctx, s.ID, strings.Join(args, " "))
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), r)
			}
			printReply(cmd.OutOrStdout(), r)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full reply as JSON")
	return cmd
}

func newRememberCmd(c *client) *cobra.Command {
	var (
		category string
		tags     []string
		session  string
	)
	cmd := &cobra.Command{
		Use:   "remember <text>",
		Short: "Store a memory; the category decides its tier",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]interface{}{
				"category":   category,
				"tags":       tags,
				"body":       strings.Join(args, " "),
				"session_id": session,
			}
			var rec memoryRecord
			if err := c.do(cmd.Context(), http.MethodPost, "/api/memory", nil, body, &rec); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "stored %s (%s/%s)\n", rec.ID, rec.Tier, rec.Category)
			return err
		},
	}
	cmd.Flags().StringVarP(&category, "category", "c", "date_fact", "memory category")
	cmd.Flags().StringSliceVarP(&tags, "tag", "t", nil, "tag (repeatable)")
	cmd.Flags().StringVar(&session, "session", "", "owning session id")
	return cmd
}

func newRecallCmd(c *client) *cobra.Command {
	var (
		category, from, to, session string
		tags                        []string
		reference, asJSON           bool
	)
	cmd := &cobra.Command{
		Use:   "recall [text]",
		Short: "Query memory across both tiers",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			set := func(k, v string) {
				if v != "" {
					q.Set(k, v)
				}
			}
			set("q", strings.Join(args, " "))
			set("category", category)
			set("tags", strings.Join(tags, ","))
			set("from", from)
			set("to", to)
			set("session", session)

			if !reference {
				if asJSON {
					var b bundle
					if err := c.do(cmd.Context(), http.MethodGet, "/api/memory", q, nil, &b); err != nil {
						return err
					}
					return writeJSON(cmd.OutOrStdout(), b)
				}
				return printRecall(cmd, c, q)
			}

			var recs []memoryRecord
			if err := c.do(cmd.Context(), http.MethodGet, "/api/reference", q, nil, &recs); err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), recs)
			}
			for _, r := range recs {
				printRecord(cmd.OutOrStdout(), r.Tier, "", &r)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&category, "category", "c", "", "category filter")
	cmd.Flags().StringSliceVarP(&tags, "tag", "t", nil, "tag filter (repeatable)")
	cmd.Flags().StringVar(&from, "from", "", "earliest time (RFC 3339 or YYYY-MM-DD)")
	cmd.Flags().StringVar(&to, "to", "", "latest time (RFC 3339 or YYYY-MM-DD)")
	cmd.Flags().StringVar(&session, "session", "", "session for contextual reads")
	cmd.Flags().BoolVar(&reference, "reference", false, "search the reference store only")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newSessionsCmd(c *client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List live sessions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var list []sessionInfo
			if err := c.do(cmd.Context(), http.MethodGet, "/api/sessions", nil, nil, &list); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(list) == 0 {
				fmt.Fprintln(out, "No live sessions.")
				return nil
			}
			for _, s := range list {
				fmt.Fprintf(out, "%s  %-22s utterances=%d queued=%d idle since %s\n",
					s.ID, s.State, s.Utterances, s.Queued, s.LastActive.Format("15:04:05"))
			}
			return nil
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "close <id>",
		Short: "Terminate a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.closeSession(cmd.Context(), args[0])
		},
	}, &cobra.Command{
		Use:   "interrupt <id>",
		Short: "Cancel the turn a session is running",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]bool
			if err := c.do(cmd.Context(), http.MethodPost, "/api/sessions/"+args[0]+"/interrupt", nil, nil, &out); err != nil {
				return err
			}
			if !out["interrupted"] {
				fmt.Fprintln(cmd.OutOrStdout(), "Nothing to interrupt.")
			}
			return nil
		},
	})
	return cmd
}

func newStatusCmd(c *client) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show server health and registered subsystems",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return printStatus(cmd, c)
		},
	}
}

func printStatus(cmd *cobra.Command, c *client) error {
	var health map[string]interface{}
	if err := c.do(cmd.Context(), http.MethodGet, "/api/health", nil, nil, &health); err != nil {
		return err
	}
	var subs []struct {
		Target      string `json:"target"`
		Concurrent  bool   `json:"concurrent"`
		Timeout     string `json:"timeout"`
		Description string `json:"description"`
	}
	if err := c.do(cmd.Context(), http.MethodGet, "/api/subsystems", nil, nil, &subs); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Server: %v | sessions: %v | reference records: %v\n", health["status"], health["sessions"], health["reference_records"])
	fmt.Fprintln(out, "Subsystems:")
	for _, s := range subs {
		mode := "sequential"
		if s.Concurrent {
			mode = "concurrent"
		}
		fmt.Fprintf(out, "  %-15s %-10s timeout %s", s.Target, mode, s.Timeout)
		if s.Description != "" {
			fmt.Fprintf(out, " (%s)", s.Description)
		}
		fmt.Fprintln(out)
	}
	return nil
}

func printRecall(cmd *cobra.Command, c *client, q url.Values) error {
	var b bundle
	if err := c.do(cmd.Context(), http.MethodGet, "/api/memory", q, nil, &b); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(b.Items) == 0 {
		fmt.Fprintln(out, "Nothing remembered.")
	}
	for _, it := range b.Items {
		printRecord(out, it.Tier, it.MatchKind, it.Record)
	}
	if b.Partial {
		fmt.Fprintln(out, "(some memory sources were unavailable)")
	}
	return nil
}

func printRecord(out io.Writer, tier, match string, r *memoryRecord) {
	if r == nil {
		return
	}
	label := tier + "/" + r.Category
	if match != "" {
		label += " " + match
	}
	fmt.Fprintf(out, "[%s] %s", label, r.Body)
	if len(r.Tags) > 0 {
		fmt.Fprintf(out, " #%s", strings.Join(r.Tags, " #"))
	}
	fmt.Fprintf(out, " (%s)\n", r.CreatedAt.Format("2006-01-02 15:04"))
}

func printReply(out io.Writer, r *reply) {
	fmt.Fprintf(out, "\033[36m[grace]\033[0m %s\n", r.Text)
	for _, res := range r.Results {
		if res.Status != "success" {
			fmt.Fprintf(out, "  \033[33m%s (%s): %s %s\033[0m\n", res.CommandID, res.Target, res.Status, res.ErrorDetail)
		}
	}
	for _, w := range r.Warnings {
		fmt.Fprintf(out, "  \033[33m! %s\033[0m\n", w)
	}
}

func printError(cmd *cobra.Command, format string, args ...interface{}) {
	fmt.Fprintf(cmd.ErrOrStderr(), "\033[31m"+format+"\033[0m\n", args...)
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
