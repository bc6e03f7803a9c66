package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/agentworkforce/notesync/internal/model"
	"github.com/fsnotify/fsnotify"
)

type Enqueuer interface {
	Enqueue(ctx context.Context, mut Mutation) (model.Operation, error)
}

// Spool turns *.json mutation files dropped into a directory into queued
// operations. Writers should create the file under another name and rename
// it into place; a file that fails to parse or validate is renamed to
// *.rejected next to a *.rejected.err note.
type Spool struct {
	dir    string
	queue  Enqueuer
	logger Logger
}

func NewSpool(dir string, queue Enqueuer, logger Logger) (*Spool, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("spool directory is required")
	}
	if queue == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Spool{dir: filepath.Clean(dir), queue: queue, logger: logger}, nil
}

// Scan ingests every spool file currently present, oldest name first.
func (s *Spool) Scan(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, err
	}
	var names []string
	for _, entry := range entries {
		if entry.Type().IsRegular() && isSpoolFile(entry.Name()) {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	count := 0
	for _, name := range names {
		if ctx.Err() != nil {
			return count, ctx.Err()
		}
		if s.ingest(ctx, filepath.Join(s.dir, name)) {
			count++
		}
	}
	return count, nil
}

// Run scans once, then ingests files as they appear until ctx is cancelled.
func (s *Spool) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(s.dir); err != nil {
		return err
	}
	if _, err := s.Scan(ctx); err != nil && ctx.Err() == nil {
		s.logf("spool scan failed: %v", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if !isSpoolFile(filepath.Base(ev.Name)) {
				continue
			}
			s.ingest(ctx, ev.Name)
		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logf("spool watcher error: %v", werr)
		}
	}
}

func (s *Spool) ingest(ctx context.Context, path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logf("read spool file %s: %v", path, err)
		}
		return false
	}
	var mut Mutation
	if err := json.Unmarshal(data, &mut); err != nil {
		s.reject(path, err)
		return false
	}
	op, err := s.queue.Enqueue(ctx, mut)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		s.reject(path, err)
		return false
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logf("remove spool file %s: %v", path, err)
	}
	s.logf("spooled %s as op %s", filepath.Base(path), op.OpID)
	return true
}

func (s *Spool) reject(path string, cause error) {
	s.logf("rejected spool file %s: %v", path, cause)
	if err := os.Rename(path, path+".rejected"); err != nil {
		s.logf("rename rejected spool file %s: %v", path, err)
		return
	}
	_ = os.WriteFile(path+".rejected.err", []byte(cause.Error()+"\n"), 0o644)
}

func isSpoolFile(name string) bool {
	return strings.HasSuffix(name, ".json") && !strings.HasPrefix(name, ".")
}

func (s *Spool) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}
