package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/cobra"

	"github.com/answergrid/answerstream/internal/config"
	"github.com/answergrid/answerstream/internal/logging"
	"github.com/answergrid/answerstream/internal/session"
	"github.com/answergrid/answerstream/pkg/types"
)

const (
	// retryInitialInterval is the initial interval for exponential backoff.
	retryInitialInterval = time.Second
	// retryMaxInterval is the maximum interval for exponential backoff.
	retryMaxInterval = 30 * time.Second
)

var (
	askEndpoint    string
	askSession     string
	askVerbose     bool
	askIdleTimeout time.Duration
	askMaxDuration time.Duration
	askRetries     uint64
)

var askCmd = &cobra.Command{
	Use:   "ask [question...]",
	Short: "Stream an answer for a question",
	Long: `Stream an answer for a question, printing tokens as they arrive.

Examples:
  answerstream ask "What plans do you offer?"
  answerstream ask --session sess_123 "And the enterprise tier?"
  answerstream ask --verbose "Compare your pricing to competitors"`,
	RunE: runAsk,
}

func init() {
	askCmd.Flags().StringVar(&askEndpoint, "endpoint", "", "Answer backend base URL (overrides config)")
	askCmd.Flags().StringVarP(&askSession, "session", "s", "", "Session ID for conversation continuity")
	askCmd.Flags().BoolVarP(&askVerbose, "verbose", "v", false, "Print progress steps to stderr")
	askCmd.Flags().DurationVar(&askIdleTimeout, "idle-timeout", 0, "Idle timeout between events (default 60s)")
	askCmd.Flags().DurationVar(&askMaxDuration, "max-duration", 0, "Absolute session time limit (default 600s)")
	askCmd.Flags().Uint64Var(&askRetries, "retries", 2, "Retries for retryable failures")
}

func runAsk(cmd *cobra.Command, args []string) error {
	query := strings.TrimSpace(strings.Join(args, " "))
	if query == "" {
		return fmt.Errorf("question required. Usage: answerstream ask \"your question\"")
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if askEndpoint != "" {
		cfg.Endpoint = askEndpoint
	}
	if cfg.Endpoint == "" {
		return fmt.Errorf("no endpoint configured (set ANSWERSTREAM_ENDPOINT or pass --endpoint)")
	}

	userID, err := config.EnsureUserID()
	if err != nil {
		return fmt.Errorf("failed to establish user identity: %w", err)
	}

	idleTimeout := askIdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = cfg.IdleTimeout()
	}
	maxDuration := askMaxDuration
	if maxDuration <= 0 {
		maxDuration = cfg.MaxDuration()
	}

	ctrl := session.NewController(&session.HTTPTransport{
		Endpoint:  cfg.Endpoint,
		AuthToken: cfg.AuthToken,
		CSRFToken: cfg.CSRFToken,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The session itself never retries; retry policy lives here, in the
	// collaborator that invokes it. Only retryable codes re-run.
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryInitialInterval
	bo.MaxInterval = retryMaxInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, askRetries), ctx)

	attempt := 0
	err = backoff.Retry(func() error {
		attempt++
		if attempt > 1 {
			fmt.Fprintf(os.Stderr, "\nretrying (attempt %d)...\n", attempt)
		}
		return streamOnce(ctx, ctrl, query, userID, idleTimeout, maxDuration)
	}, policy)
	if err != nil {
		return err
	}
	return nil
}

// streamOnce runs one session to completion, rendering output as it
// arrives. It returns a permanent backoff error for failures a retry
// cannot help with.
func streamOnce(ctx context.Context, ctrl *session.Controller, query, userID string, idleTimeout, maxDuration time.Duration) error {
	var lastShown string
	var sessionErr *types.SessionError

	ctrl.Run(ctx, session.Options{
		Query:       query,
		SessionID:   askSession,
		UserID:      userID,
		IdleTimeout: idleTimeout,
		MaxDuration: maxDuration,
	}, session.Callbacks{
		OnChunk: func(accumulated string) {
			// Print only the unseen suffix; the filter can rewrite
			// earlier text, so fall back to a reprint when it does.
			if strings.HasPrefix(accumulated, lastShown) {
				fmt.Print(accumulated[len(lastShown):])
			} else {
				fmt.Print("\n" + accumulated)
			}
			lastShown = accumulated
		},
		OnStep: func(step types.StepEvent) {
			if !askVerbose {
				return
			}
			fmt.Fprintf(os.Stderr, "[%s] %s %s %s\n", step.Kind, step.Phase, step.Status, step.Message)
		},
		OnDone: func(finalText string, sources []types.Source, metadata map[string]any) {
			// A trailing partial frame can add text that never went
			// through OnChunk.
			if strings.HasPrefix(finalText, lastShown) {
				fmt.Print(finalText[len(lastShown):])
			} else if finalText != lastShown {
				fmt.Print("\n" + finalText)
			}
			fmt.Println()
			if len(sources) > 0 {
				fmt.Println("\nSources:")
				for _, src := range sources {
					fmt.Printf("  - %s (%s)\n", src.Title, src.URL)
				}
			}
			if askVerbose {
				if t, ok := metadata["execution_time"]; ok {
					fmt.Fprintf(os.Stderr, "execution time: %v\n", t)
				}
			}
		},
		OnError: func(err *types.SessionError) {
			sessionErr = err
		},
	})

	if sessionErr == nil {
		return nil
	}
	logging.Warn().Str("code", string(sessionErr.Code)).Msg("session failed")
	if sessionErr.Retryable() {
		return sessionErr
	}
	return backoff.Permanent(sessionErr)
}
