// Package archive copies the live composite output to object storage.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/confcast/internal/app/compositor"
	"github.com/dkeye/confcast/internal/metrics"
)

type ObjectStore interface {
	Put(ctx context.Context, key string, r io.ReadSeeker, size int64, contentType string) error
}

const (
	segmentType  = "video/mp2t"
	manifestType = "application/vnd.apple.mpegurl"
)

// Key is the object name of file in generation g.
func Key(g compositor.Generation, file string) string {
	return path.Join(g.Room, fmt.Sprintf("%06d", g.Number), file)
}

// Archiver uploads every segment listed in a generation's manifest, then the
// manifest itself, for as long as the generation is served.
type Archiver struct {
	ctx     context.Context
	store   ObjectStore
	metrics *metrics.Metrics

	mu     sync.Mutex
	active map[string]context.CancelFunc
	wg     sync.WaitGroup
}

func New(ctx context.Context, store ObjectStore, m *metrics.Metrics) *Archiver {
	return &Archiver{
		ctx:     ctx,
		store:   store,
		metrics: m,
		active:  make(map[string]context.CancelFunc),
	}
}

// OnPromote starts archiving g and stops the room's previous generation.
func (a *Archiver) OnPromote(g compositor.Generation) {
	logger := log.With().Str("module", "archive").Str("room", g.Room).Int("generation", g.Number).Logger()
	w, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Error().Err(err).Msg("create watcher")
		return
	}
	if err := w.Add(g.Dir); err != nil {
		_ = w.Close()
		logger.Error().Err(err).Msg("watch generation")
		return
	}

	ctx, cancel := context.WithCancel(a.ctx)
	a.mu.Lock()
	if prev, ok := a.active[g.Room]; ok {
		prev()
	}
	a.active[g.Room] = cancel
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer w.Close()
		a.watch(ctx, g, w)
	}()
}

func (a *Archiver) watch(ctx context.Context, g compositor.Generation, w *fsnotify.Watcher) {
	uploaded := make(map[string]bool)
	a.sync(ctx, g, uploaded)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) == filepath.Clean(g.Dir) && ev.Has(fsnotify.Remove) {
				return
			}
			if filepath.Base(ev.Name) == compositor.PlaylistName && (ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write)) {
				a.sync(ctx, g, uploaded)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Str("module", "archive").Str("room", g.Room).Msg("watcher error")
		}
	}
}

// sync uploads the segments of the current manifest not uploaded yet,
// followed by the manifest.
func (a *Archiver) sync(ctx context.Context, g compositor.Generation, uploaded map[string]bool) {
	manifest, err := os.ReadFile(filepath.Join(g.Dir, compositor.PlaylistName))
	if err != nil {
		return
	}
	for _, seg := range compositor.SegmentsOf(manifest) {
		if uploaded[seg] {
			continue
		}
		if err := a.putFile(ctx, g, seg); err != nil {
			log.Warn().Err(err).Str("module", "archive").Str("room", g.Room).Str("segment", seg).Msg("segment upload failed")
			continue
		}
		uploaded[seg] = true
	}
	err = a.store.Put(ctx, Key(g, compositor.PlaylistName), bytes.NewReader(manifest), int64(len(manifest)), manifestType)
	a.record(err)
	if err != nil {
		log.Warn().Err(err).Str("module", "archive").Str("room", g.Room).Msg("manifest upload failed")
	}
}

func (a *Archiver) putFile(ctx context.Context, g compositor.Generation, name string) error {
	f, err := os.Open(filepath.Join(g.Dir, name))
	if err != nil {
		return err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return err
	}
	err = a.store.Put(ctx, Key(g, name), f, st.Size(), segmentType)
	a.record(err)
	return err
}

func (a *Archiver) record(err error) {
	if err != nil {
		a.metrics.ArchiveUpload("failed")
		return
	}
	a.metrics.ArchiveUpload("ok")
}

// Close stops every watcher and waits for in-flight uploads.
func (a *Archiver) Close() {
	a.mu.Lock()
	for room, cancel := range a.active {
		cancel()
		delete(a.active, room)
	}
	a.mu.Unlock()
	a.wg.Wait()
}
