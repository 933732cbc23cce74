// Package capture consumes inbound status events, deduplicates them against
// the persistent registry, acknowledges, archives, and forwards a summary.
package capture

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"relaybot/internal/classify"
	"relaybot/internal/eventbus"
	"relaybot/internal/registry"
	"relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

type Config struct {
	// ForwardTo is the recipient of forwarded status summaries.
	// Empty disables the forward stage.
	ForwardTo string
}

// Engine drives each status event through
// Unseen -> Acknowledged -> Archived -> Forwarded.
//
// Every stage failure is caught and logged; no failure propagates, and one
// malformed event never blocks the next. The event id is recorded as seen
// right after the acknowledge attempt so transient archive errors cannot
// cause reprocessing storms; a crash between that add and the archive write
// loses that one event (accepted risk).
type Engine struct {
	mu  sync.Mutex
	cfg Config

	reg  *registry.Registry
	tr   transport.Transport
	arch *Archiver
	bus  eventbus.Bus
	log  logx.Logger

	now func() time.Time
}

func New(cfg Config, reg *registry.Registry, tr transport.Transport, arch *Archiver, bus eventbus.Bus, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{
		cfg:  cfg,
		reg:  reg,
		tr:   tr,
		arch: arch,
		bus:  bus,
		log:  log,
		now:  time.Now,
	}
}

// Apply updates the engine config. Safe during hot-reload.
func (e *Engine) Apply(cfg Config) {
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
}

func (e *Engine) forwardTo() string {
	e.mu.Lock()
	to := e.cfg.ForwardTo
	e.mu.Unlock()
	return to
}

// Registry exposes the dedup registry for the command surface.
func (e *Engine) Registry() *registry.Registry { return e.reg }

// ArchiveCount reports the indexed archive total for the stats surface.
func (e *Engine) ArchiveCount(ctx context.Context) int64 { return e.arch.Count(ctx) }

// Run consumes status events until ctx is done or the channel closes.
func (e *Engine) Run(ctx context.Context, events <-chan transport.StatusEvent) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			e.Process(ctx, ev)
		}
	}
}

// Process runs one event through the pipeline. It never returns an error:
// per-event failures are engine-local by design.
func (e *Engine) Process(ctx context.Context, ev transport.StatusEvent) {
	if ev.ID == "" {
		e.log.Debug("status event without id dropped")
		return
	}
	log := e.log.With(logx.String("event", ev.ID), logx.String("sender", ev.SenderID))

	// The flag is checked at admission; toggling it later does not
	// retroactively suppress an event already past this point.
	if !e.reg.Enabled() {
		log.Debug("capture disabled; event ignored")
		return
	}
	if e.reg.Contains(ev.ID) {
		log.Debug("duplicate status event skipped")
		return
	}

	// Acknowledge: losing the read receipt is preferable to losing the archive.
	if err := e.tr.Acknowledge(ctx, ev.ID); err != nil {
		log.Warn("acknowledge failed; continuing", logx.Err(err))
	}

	// Mark seen regardless of the acknowledge outcome, before archiving.
	e.reg.Add(ev.ID)

	c := classify.Classify(ev.Payload)
	log = log.With(logx.String("kind", string(c.Kind)))

	var media []byte
	if c.HasMedia() {
		// Single attempt, no retry. A missing media file degrades the
		// archive to metadata only; it never aborts the pipeline.
		b, err := e.tr.Download(ctx, c.Media)
		if err != nil {
			log.Warn("media download failed; archiving metadata only", logx.Err(err))
		} else {
			media = b
		}
	}

	entry, err := e.arch.Archive(ctx, ev, c, media, e.now())
	if err != nil {
		log.Warn("archive failed; event dropped", logx.Err(err))
		return
	}
	log.Info("status archived",
		logx.Int("media_bytes", entry.MediaBytes),
		logx.Bool("caption", entry.CaptionPath != ""))

	// The archive is the durable outcome: announce it before the forward
	// stage, whose failure is log-and-continue like every other stage.
	if e.bus != nil {
		e.bus.Publish(eventbus.Event{Type: eventbus.TypeStatusCaptured, Data: entry})
	}

	if to := e.forwardTo(); to != "" {
		if err := e.forward(ctx, to, ev, c, media); err != nil {
			log.Warn("forward failed", logx.Err(err))
		}
	}
}

func (e *Engine) forward(ctx context.Context, to string, ev transport.StatusEvent, c classify.Content, media []byte) error {
	summary := summaryText(ev, c)

	// Attach bytes only for visual variants; everything else forwards as text.
	if len(media) > 0 && (c.Kind == classify.KindImage || c.Kind == classify.KindVideo) {
		return e.tr.Send(ctx, to, transport.SendPayload{
			Media:   media,
			Caption: summary,
			MIME:    c.MIME,
		})
	}
	return e.tr.Send(ctx, to, transport.SendPayload{Text: summary})
}

func summaryText(ev transport.StatusEvent, c classify.Content) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Status from %s [%s]", ev.SenderID, c.Kind)
	if t := strings.TrimSpace(c.Text); t != "" {
		b.WriteString("\n")
		b.WriteString(t)
	}
	if c.Filename != "" {
		b.WriteString("\nfile: ")
		b.WriteString(c.Filename)
	}
	return b.String()
}
