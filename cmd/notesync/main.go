package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/agentworkforce/notesync/internal/config"
	"github.com/agentworkforce/notesync/internal/engine"
	"github.com/agentworkforce/notesync/internal/gateway"
	"github.com/agentworkforce/notesync/internal/localstore"
	"github.com/agentworkforce/notesync/internal/offline"
	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

type app struct {
	configFile string
	cfg        config.Client
	logFile    io.Closer
}

func newRootCommand() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "notesync",
		Short: "Offline-first sync client for notes, tasks and folders",
		Long: `notesync keeps a local copy of your entities, queues edits while offline
and replays them against notesyncd once the server is reachable again.

Settings come from defaults, the optional --config YAML file and NOTESYNC_*
environment variables (NOTESYNC_CLIENT_BASE_URL, NOTESYNC_CLIENT_TOKEN, ...).`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := config.LoadClient(a.configFile)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.logFile = config.SetupLog(cfg.Log)
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logFile != nil {
				_ = a.logFile.Close()
			}
		},
	}
	root.PersistentFlags().StringVar(&a.configFile, "config", "", "YAML config file")
	root.AddCommand(
		a.runCommand(),
		a.enqueueCommand(),
		a.syncCommand(),
		a.statusCommand(),
		a.showCommand(),
		a.discardCommand(),
		a.retryCommand(),
		a.resubmitCommand(),
		tokenCommand(),
	)
	return root
}

func (a *app) dataDir() (string, error) {
	dir := strings.TrimSpace(a.cfg.Client.DataDir)
	if dir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return "", fmt.Errorf("locate config dir: %w", err)
		}
		dir = filepath.Join(base, "notesync")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create data dir: %w", err)
	}
	return dir, nil
}

// resolveClientID returns client.id or a generated id kept in the data dir,
// so conflict attribution stays stable across runs.
func resolveClientID(configured, dataDir string) (string, error) {
	if id := strings.TrimSpace(configured); id != "" {
		return id, nil
	}
	path := filepath.Join(dataDir, "client-id")
	data, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("read client id: %w", err)
	}
	id := "cl_" + strings.ToLower(ulid.Make().String())
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("write client id: %w", err)
	}
	return id, nil
}

type engineMode struct {
	daemon bool
}

func (a *app) openEngine(ctx context.Context, mode engineMode) (*engine.Engine, error) {
	dataDir, err := a.dataDir()
	if err != nil {
		return nil, err
	}
	clientID, err := resolveClientID(a.cfg.Client.ID, dataDir)
	if err != nil {
		return nil, err
	}
	dsn := strings.TrimSpace(a.cfg.Client.StoreDSN)
	if dsn == "" {
		dsn = "sqlite://" + filepath.Join(dataDir, "store.db")
	}
	store, err := localstore.Open(dsn)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}

	c := a.cfg.Client
	remote := offline.NewHTTPClient(offline.HTTPClientOptions{
		BaseURL:  c.BaseURL,
		Token:    c.Token,
		ClientID: clientID,
	})
	opts := engine.Options{
		Store:          store,
		Remote:         remote,
		Logger:         log.Default(),
		Concurrency:    c.Concurrency,
		MaxAttempts:    c.MaxAttempts,
		BaseDelay:      c.BaseDelay,
		MaxDelay:       c.MaxDelay,
		RequestTimeout: c.RequestTimeout,
		ProbeInterval:  c.ProbeInterval,
		ProbeThreshold: c.ProbeThreshold,
	}
	if mode.daemon {
		opts.SyncInterval = c.SyncInterval
		opts.IntervalJitter = c.IntervalJitter
		opts.SpoolDir = c.SpoolDir
		if c.Collaborate {
			opts.Dial = gateway.WSDialer(gateway.WSChannelOptions{
				URL:      websocketURL(c.BaseURL),
				Token:    c.Token,
				ClientID: clientID,
			})
		}
	}
	e, err := engine.New(opts)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	if err := e.Start(ctx); err != nil {
		_ = e.Close()
		return nil, err
	}
	return e, nil
}

func websocketURL(baseURL string) string {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/v1/collab/ws"
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
