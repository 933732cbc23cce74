// Package adapter implements the transport contract on the Telegram Bot API
// via telebot long polling.
package adapter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "relaybot/internal/runtime/supervisor"
	kit "relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// StatusChats lists chat ids whose posts are status broadcasts. Posts
	// from these chats become StatusEvents; everything else is an operator
	// update.
	StatusChats []int64
}

type Adapter struct {
	log logx.Logger
	bot *tele.Bot

	cfgMu       sync.Mutex
	token       string
	statusChats map[int64]struct{}

	events atomic.Value // stores (chan<- kit.StatusEvent)
	out    atomic.Value // stores (chan<- kit.Update)

	runMu   sync.Mutex
	running bool

	// sup owns adapter internal goroutines (poll loop, drop logger, stop watcher).
	// It is created on Start() and cancelled on Stop().
	sup *rtsup.Supervisor

	// dropped counts events/updates dropped because the consumer was slower
	// than the poll loop. Logged periodically to avoid per-update spam.
	droppedEvents  uint64
	droppedUpdates uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{
		log:         log,
		bot:         b,
		token:       cfg.Token,
		statusChats: chatSet(cfg.StatusChats),
	}
	// Ensure atomic.Values are initialized with a stable dynamic type.
	var nilEvents chan<- kit.StatusEvent
	var nilOut chan<- kit.Update
	a.events.Store(nilEvents)
	a.out.Store(nilOut)
	a.registerHandlers()
	return a, nil
}

func chatSet(ids []int64) map[int64]struct{} {
	m := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	return m
}

// Apply updates the status-chat set on config reload. The token and poll
// timeout are fixed for the bot's lifetime.
func (a *Adapter) Apply(cfg Config) {
	a.cfgMu.Lock()
	a.statusChats = chatSet(cfg.StatusChats)
	a.cfgMu.Unlock()
}

func (a *Adapter) isStatusChat(id int64) bool {
	a.cfgMu.Lock()
	_, ok := a.statusChats[id]
	a.cfgMu.Unlock()
	return ok
}

// Supervisor returns the adapter's internal supervisor (nil if not started).
func (a *Adapter) Supervisor() *rtsup.Supervisor {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return a.sup
}

// EventID encodes a chat/message pair as the stable dedup key for a status
// event. Telegram redelivers updates after restarts without offset commit;
// the key is derived from message identity, not delivery.
func EventID(chatID int64, messageID int) string {
	return strconv.FormatInt(chatID, 10) + ":" + strconv.Itoa(messageID)
}

func (a *Adapter) registerHandlers() {
	// Handlers forward to the CURRENT output channels. Start() may swap them.
	media := func(c tele.Context, p kit.Payload) error {
		a.route(c.Message(), p)
		return nil
	}

	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil {
			return nil
		}
		return media(c, kit.Payload{Text: m.Text})
	})
	a.bot.Handle(tele.OnPhoto, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Photo == nil {
			return nil
		}
		return media(c, kit.Payload{Image: &kit.MediaPart{
			Ref:     kit.MediaRef{FileID: m.Photo.FileID},
			Caption: m.Caption,
		}})
	})
	a.bot.Handle(tele.OnVideo, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Video == nil {
			return nil
		}
		return media(c, kit.Payload{Video: &kit.MediaPart{
			Ref:      kit.MediaRef{FileID: m.Video.FileID},
			Caption:  m.Caption,
			Filename: m.Video.FileName,
			MIME:     m.Video.MIME,
		}})
	})
	a.bot.Handle(tele.OnAudio, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Audio == nil {
			return nil
		}
		return media(c, kit.Payload{Audio: &kit.MediaPart{
			Ref:      kit.MediaRef{FileID: m.Audio.FileID},
			Caption:  m.Caption,
			Filename: m.Audio.FileName,
			MIME:     m.Audio.MIME,
		}})
	})
	a.bot.Handle(tele.OnVoice, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Voice == nil {
			return nil
		}
		return media(c, kit.Payload{Audio: &kit.MediaPart{
			Ref:  kit.MediaRef{FileID: m.Voice.FileID},
			MIME: m.Voice.MIME,
		}})
	})
	a.bot.Handle(tele.OnDocument, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Document == nil {
			return nil
		}
		return media(c, kit.Payload{Document: &kit.MediaPart{
			Ref:      kit.MediaRef{FileID: m.Document.FileID},
			Caption:  m.Caption,
			Filename: m.Document.FileName,
			MIME:     m.Document.MIME,
		}})
	})
	a.bot.Handle(tele.OnSticker, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Sticker == nil {
			return nil
		}
		return media(c, kit.Payload{Sticker: &kit.MediaPart{
			Ref: kit.MediaRef{FileID: m.Sticker.FileID},
		}})
	})
	a.bot.Handle(tele.OnLocation, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Location == nil {
			return nil
		}
		return media(c, kit.Payload{Location: &kit.LocationPart{
			Lat: float64(m.Location.Lat),
			Lon: float64(m.Location.Lng),
		}})
	})
	a.bot.Handle(tele.OnVenue, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Venue == nil {
			return nil
		}
		return media(c, kit.Payload{Location: &kit.LocationPart{
			Lat:  float64(m.Venue.Location.Lat),
			Lon:  float64(m.Venue.Location.Lng),
			Name: m.Venue.Title,
		}})
	})
}

// route sorts a message into the status pipeline or the operator surface.
func (a *Adapter) route(m *tele.Message, p kit.Payload) {
	if m == nil || m.Chat == nil {
		return
	}
	if a.isStatusChat(m.Chat.ID) {
		sender := ""
		if m.Sender != nil {
			if m.Sender.Username != "" {
				sender = m.Sender.Username
			} else {
				sender = strconv.FormatInt(m.Sender.ID, 10)
			}
		} else if m.SenderChat != nil {
			sender = strconv.FormatInt(m.SenderChat.ID, 10)
		}
		a.sendEvent(kit.StatusEvent{
			ID:       EventID(m.Chat.ID, m.ID),
			SenderID: sender,
			Payload:  p,
		})
		return
	}
	// Only text reaches the command surface; media outside status chats is
	// noise for a bot with no media commands.
	if p.Text == "" || m.Sender == nil {
		return
	}
	a.sendUpdate(kit.Update{Message: &kit.Message{
		ID:           m.ID,
		ChatID:       m.Chat.ID,
		FromID:       m.Sender.ID,
		FromUsername: m.Sender.Username,
		Text:         p.Text,
	}})
}

func (a *Adapter) sendEvent(ev kit.StatusEvent) {
	v := a.events.Load()
	out, _ := v.(chan<- kit.StatusEvent)
	if out == nil {
		return
	}
	select {
	case out <- ev:
	default:
		atomic.AddUint64(&a.droppedEvents, 1)
	}
}

func (a *Adapter) sendUpdate(up kit.Update) {
	v := a.out.Load()
	out, _ := v.(chan<- kit.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		atomic.AddUint64(&a.droppedUpdates, 1)
	}
}

func (a *Adapter) Start(ctx context.Context, events chan<- kit.StatusEvent, updates chan<- kit.Update) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.events.Store(events)
	a.out.Store(updates)
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "telegram.adapter"))),
		// adapter errors should not take down the whole app; treat as best-effort.
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	// Periodic summary for dropped traffic (avoid noisy per-update logs).
	sup.Go0("updates.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		flush := func() {
			if n := atomic.SwapUint64(&a.droppedEvents, 0); n > 0 {
				a.log.Warn("status events dropped (channel full)", logx.Uint64("count", n))
			}
			if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
				a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n))
			}
		}
		for {
			select {
			case <-c.Done():
				flush()
				return
			case <-ticker.C:
				flush()
			}
		}
	})

	// Ensure we stop telebot when the adapter context is cancelled.
	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		if a.bot != nil {
			a.bot.Stop()
		}
	})

	// Telebot's Start() is a long-running loop. In some failure modes it can
	// exit unexpectedly; run it under a restart loop so the adapter self-heals.
	sup.GoRestart0("telebot.poll", func(c context.Context) {
		a.log.Info("polling started")
		// Start blocks until Stop() is called.
		if a.bot != nil {
			a.bot.Start()
		}
		a.log.Info("polling stopped")
	}, 500*time.Millisecond, 10*time.Second)

	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	// Best-effort graceful stop. Never block shutdown for too long on Telegram long-poll.
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilEvents chan<- kit.StatusEvent
	var nilOut chan<- kit.Update
	a.events.Store(nilEvents)
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning {
		a.log.Debug("telegram stop called but not running")
		return nil
	}

	if sup != nil {
		sup.Cancel()
	}

	// telebot Stop is expected to be fast; run it async just in case.
	if a.bot != nil {
		go a.bot.Stop()
	}

	if sup == nil {
		return nil
	}

	// Grace window: keep shutdown snappy even if getUpdates long-poll is still waiting.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		a.log.Warn("telegram stop error", logx.Err(err))
	}
	return nil
}

// Acknowledge is a no-op on this transport: the Bot API has no read-receipt
// call for chat messages. Kept on the contract so transports that do support
// receipts can honor them.
func (a *Adapter) Acknowledge(ctx context.Context, eventID string) error {
	a.log.Debug("acknowledge (no-op on telegram)", logx.String("event", eventID))
	return nil
}

func (a *Adapter) Send(ctx context.Context, recipientID string, p kit.SendPayload) error {
	id, err := strconv.ParseInt(strings.TrimSpace(recipientID), 10, 64)
	if err != nil {
		return fmt.Errorf("recipient %q: not a chat id: %w", recipientID, err)
	}
	chat := &tele.Chat{ID: id}

	if len(p.Media) > 0 {
		_, err := a.bot.Send(chat, sendable(p))
		return err
	}

	for _, chunk := range splitTelegramText(p.Text, telegramTextLimit) {
		if ctx != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}
		if _, err := a.bot.Send(chat, chunk); err != nil {
			return err
		}
	}
	return nil
}

// sendable picks the media wrapper by MIME class; anything unrecognized goes
// out as a document so bytes are never silently dropped.
func sendable(p kit.SendPayload) tele.Sendable {
	f := tele.FromReader(bytes.NewReader(p.Media))
	switch {
	case strings.HasPrefix(p.MIME, "image/"):
		return &tele.Photo{File: f, Caption: p.Caption}
	case strings.HasPrefix(p.MIME, "video/"):
		return &tele.Video{File: f, Caption: p.Caption}
	default:
		return &tele.Document{File: f, Caption: p.Caption, FileName: "status.bin"}
	}
}

func (a *Adapter) Download(ctx context.Context, ref kit.MediaRef) ([]byte, error) {
	if ref.IsZero() {
		return nil, errors.New("empty media ref")
	}
	if ctx != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
	}
	rc, err := a.bot.File(&tele.File{FileID: ref.FileID})
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

const telegramTextLimit = 4000

// splitTelegramText splits long messages into chunks that are safe to send
// to Telegram, preferring newline boundaries.
func splitTelegramText(s string, limit int) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}

		// Prefer splitting on a newline near the end of the window.
		if end < len(rs) {
			cut := -1
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' {
					// Avoid extremely small chunks.
					if i-start >= limit/3 {
						cut = i + 1
						break
					}
				}
			}
			if cut != -1 {
				end = cut
			}
		}

		chunk := string(rs[start:end])
		chunk = strings.TrimRight(chunk, "\n")
		out = append(out, chunk)

		start = end
		// Skip leading newlines to avoid empty chunks.
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
