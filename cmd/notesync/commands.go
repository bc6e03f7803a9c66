package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/notesync/internal/engine"
	"github.com/agentworkforce/notesync/internal/httpapi"
	"github.com/agentworkforce/notesync/internal/model"
	"github.com/spf13/cobra"
)

func (a *app) runCommand() *cobra.Command {
	var join []string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the sync engine until interrupted",
		Long: `Run keeps the engine online: it probes the server, drains the queue,
watches the spool directory and, when collaboration is enabled, joins the
rooms named with --join. Events are logged as JSON lines.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			e, err := a.openEngine(ctx, engineMode{daemon: true})
			if err != nil {
				return err
			}
			defer e.Close()

			sub := e.Subscribe(256)
			defer sub.Close()
			for _, entityID := range join {
				if _, err := e.JoinCollaboration(ctx, entityID, model.CapabilityEdit); err != nil {
					log.Printf("join %s: %v", entityID, err)
				}
			}
			log.Printf("notesync running against %s", a.cfg.Client.BaseURL)
			for {
				select {
				case <-ctx.Done():
					log.Printf("stopping")
					return nil
				case ev := <-sub.C:
					data, err := json.Marshal(ev)
					if err != nil {
						continue
					}
					log.Printf("event %s", data)
				}
			}
		},
	}
	cmd.Flags().StringSliceVar(&join, "join", nil, "entity ids to join for live collaboration")
	return cmd
}

func (a *app) enqueueCommand() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "enqueue <type> <create|update|delete> [payload-json]",
		Short: "Queue a mutation against the local store",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			entityType, err := model.ParseEntityType(args[0])
			if err != nil {
				return err
			}
			kind, err := model.ParseKind(args[1])
			if err != nil {
				return err
			}
			payload := json.RawMessage("{}")
			if len(args) == 3 {
				payload = json.RawMessage(args[2])
			}
			var ref model.EntityRef
			if id = strings.TrimSpace(id); id != "" {
				if model.IsTempID(id) {
					ref.TempID = id
				} else {
					ref.ID = id
				}
			}
			return a.withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				op, err := e.EnqueueMutation(ctx, entityType, kind, ref, payload)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), op)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "server id or temp id of the entity (update and delete)")
	return cmd
}

func (a *app) syncCommand() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Drain the queue once and report what is left",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				ctx, cancel := context.WithTimeout(ctx, timeout)
				defer cancel()
				syncErr := e.ForceSync(ctx)
				stats, err := e.Stats(ctx)
				if err != nil {
					return err
				}
				if err := printJSON(cmd.OutOrStdout(), stats); err != nil {
					return err
				}
				return syncErr
			})
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "give up after this long")
	return cmd
}

type statusReport struct {
	Stats  any               `json:"stats"`
	Failed []model.Operation `json:"failed"`
}

func (a *app) statusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show pending, deferred and failed operation counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				stats, err := e.Stats(ctx)
				if err != nil {
					return err
				}
				failed, err := e.FailedOperations(ctx)
				if err != nil {
					return err
				}
				if failed == nil {
					failed = []model.Operation{}
				}
				return printJSON(cmd.OutOrStdout(), statusReport{Stats: stats, Failed: failed})
			})
		},
	}
}

func (a *app) showCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <type> [id]",
		Short: "Print local entities of a type, or one entity",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			entityType, err := model.ParseEntityType(args[0])
			if err != nil {
				return err
			}
			return a.withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				if len(args) == 2 {
					entity, err := e.Entity(ctx, entityType, args[1])
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), entity)
				}
				entities, err := e.Entities(ctx, entityType)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), entities)
			})
		},
	}
}

func (a *app) discardCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "discard <op-id>",
		Short: "Drop a failed operation and restore the server copy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				if err := e.DiscardFailedOperation(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "discarded %s\n", args[0])
				return nil
			})
		},
	}
}

func (a *app) retryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <op-id>",
		Short: "Requeue a failed operation on top of the current local revision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				op, err := e.RetryOperation(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), op)
			})
		},
	}
}

func (a *app) resubmitCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resubmit <op-id> <payload-json>",
		Short: "Replace a failed operation's payload and requeue it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				op, err := e.ResubmitOperation(ctx, args[0], json.RawMessage(args[1]))
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), op)
			})
		},
	}
}

func tokenCommand() *cobra.Command {
	var (
		secret string
		user   string
		scopes []string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development bearer token",
		Long: `Token signs an HS256 token the way notesyncd expects. It is meant for
local development against a server whose jwt_secret you know.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(secret) == "" {
				return errors.New("--secret is required")
			}
			token, err := httpapi.IssueToken(secret, user, scopes, ttl, time.Now().UTC())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", os.Getenv("NOTESYNC_SERVER_JWT_SECRET"), "server jwt secret")
	cmd.Flags().StringVar(&user, "user", "", "user id for the sub claim")
	cmd.Flags().StringSliceVar(&scopes, "scopes", httpapi.DefaultScopes, "granted scopes")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

// withEngine runs fn against a short-lived engine without the background
// collaboration and spool loops.
func (a *app) withEngine(cmd *cobra.Command, fn func(ctx context.Context, e *engine.Engine) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	e, err := a.openEngine(ctx, engineMode{})
	if err != nil {
		return err
	}
	defer e.Close()
	return fn(ctx, e)
}
