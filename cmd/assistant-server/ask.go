package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ehr/assistant/internal/domain/access"
	"github.com/ehr/assistant/internal/domain/chat"
	"github.com/ehr/assistant/internal/domain/progress"
	"github.com/ehr/assistant/internal/platform/auth"
	"github.com/ehr/assistant/internal/platform/db"
)

func askCmd() *cobra.Command {
	var (
		server     string
		token      string
		subject    string
		role       string
		tenant     string
		signingKey string
	)
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Stream a question to a running server and print its progress",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" {
				claim := access.Claim{SubjectID: subject, Role: access.Role(role), TenantID: tenant, IssuedAt: time.Now()}
				if err := claim.Validate(); err != nil {
					return fmt.Errorf("--subject and --role are required without --token: %w", err)
				}
				t, err := auth.IssueToken([]byte(signingKey), "", claim, 10*time.Minute)
				if err != nil {
					return err
				}
				token = t
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()
			return streamQuestion(ctx, http.DefaultClient, os.Stdout, server, token, tenant, strings.Join(args, " "))
		},
	}
	cmd.Flags().StringVar(&server, "server", "http://localhost:8000", "Server base URL")
	cmd.Flags().StringVar(&token, "token", "", "Bearer token (minted from --subject/--role when empty)")
	cmd.Flags().StringVar(&subject, "subject", "", "Subject id for a development token")
	cmd.Flags().StringVar(&role, "role", "", "Role for a development token: patient, doctor or hospital")
	cmd.Flags().StringVar(&tenant, "tenant", "", "Tenant id")
	cmd.Flags().StringVar(&signingKey, "signing-key", auth.DevSigningKey, "HS256 key for development tokens")
	return cmd
}

// streamQuestion posts to the NDJSON stream endpoint and renders each event.
// Interrupting ctx closes the connection, which cancels the run server-side.
func streamQuestion(ctx context.Context, client *http.Client, w io.Writer, server, token, tenant, question string) error {
	body, err := json.Marshal(chat.Request{Query: question})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(server, "/")+"/api/v1/chat/stream", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	if tenant != "" {
		req.Header.Set(db.TenantHeader, tenant)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("server returned %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	if id := resp.Header.Get("X-Assistant-Request-ID"); id != "" {
		color.New(color.Faint).Fprintf(w, "request %s\n", id)
	}

	var last progress.Event
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		var ev progress.Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		renderEvent(w, ev)
		last = ev
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("read stream: %w", err)
	}
	if last.Stage == progress.Failed {
		return fmt.Errorf("request failed: %s", last.ErrorKind)
	}
	return nil
}

func renderEvent(w io.Writer, ev progress.Event) {
	switch ev.Stage {
	case progress.Completed:
		color.New(color.FgGreen, color.Bold).Fprintln(w, "answer:")
		fmt.Fprintln(w, ev.Answer)
		if len(ev.Categories) > 0 {
			cats := make([]string, len(ev.Categories))
			for i, c := range ev.Categories {
				cats[i] = string(c)
			}
			color.New(color.Faint).Fprintf(w, "sources: %s\n", strings.Join(cats, ", "))
		}
	case progress.Failed:
		color.New(color.FgRed, color.Bold).Fprintf(w, "failed (%s): %s\n", ev.ErrorKind, ev.Message)
	case progress.Cancelled:
		color.New(color.FgYellow).Fprintln(w, ev.Message)
	default:
		color.New(color.FgCyan).Fprintf(w, "[%d/%d] %s\n", ev.Step, ev.TotalSteps, ev.Message)
	}
}
