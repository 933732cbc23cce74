package capture

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"relaybot/internal/classify"
	"relaybot/internal/eventbus"
	"relaybot/internal/registry"
	"relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

// fakeTransport records pipeline side effects and lets tests inject stage
// failures.
type fakeTransport struct {
	mu sync.Mutex

	acked       []string
	sent        []sentPayload
	downloads   int
	ackErr      error
	sendErr     error
	downloadErr error
	mediaBytes  []byte
}

type sentPayload struct {
	to string
	p  transport.SendPayload
}

func (f *fakeTransport) Start(context.Context, chan<- transport.StatusEvent, chan<- transport.Update) error {
	return nil
}

func (f *fakeTransport) Stop(context.Context) error { return nil }

func (f *fakeTransport) Acknowledge(_ context.Context, eventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, eventID)
	return f.ackErr
}

func (f *fakeTransport) Send(_ context.Context, recipientID string, p transport.SendPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentPayload{to: recipientID, p: p})
	return f.sendErr
}

func (f *fakeTransport) Download(context.Context, transport.MediaRef) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downloads++
	if f.downloadErr != nil {
		return nil, f.downloadErr
	}
	return f.mediaBytes, nil
}

func newTestEngine(t *testing.T, cfg Config, tr transport.Transport) (*Engine, *registry.Registry) {
	t.Helper()
	dir := t.TempDir()
	reg, err := registry.Open(filepath.Join(dir, "registry.json"), logx.Nop())
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	arch := NewArchiver(filepath.Join(dir, "archive"), nil, logx.Nop())
	e := New(cfg, reg, tr, arch, nil, logx.Nop())
	e.now = func() time.Time { return time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC) }
	return e, reg
}

func textEvent(id, sender, text string) transport.StatusEvent {
	return transport.StatusEvent{
		ID:       id,
		SenderID: sender,
		Payload:  transport.Payload{Text: text},
	}
}

func TestProcessDeduplicates(t *testing.T) {
	t.Parallel()
	tr := &fakeTransport{}
	e, reg := newTestEngine(t, Config{ForwardTo: "owner"}, tr)

	ev := textEvent("100:1", "alice", "hi")
	e.Process(context.Background(), ev)
	e.Process(context.Background(), ev)

	if len(tr.acked) != 1 {
		t.Fatalf("acknowledged %d times, want 1", len(tr.acked))
	}
	if len(tr.sent) != 1 {
		t.Fatalf("forwarded %d times, want 1", len(tr.sent))
	}
	if !reg.Contains("100:1") {
		t.Fatal("event id must be registered as seen")
	}
}

func TestProcessDisabledIgnoresAndDoesNotMark(t *testing.T) {
	t.Parallel()
	tr := &fakeTransport{}
	e, reg := newTestEngine(t, Config{ForwardTo: "owner"}, tr)
	reg.SetEnabled(false)

	e.Process(context.Background(), textEvent("100:2", "alice", "hi"))

	if len(tr.acked) != 0 || len(tr.sent) != 0 {
		t.Fatal("disabled capture must not touch the transport")
	}
	if reg.Contains("100:2") {
		t.Fatal("ignored event must not be marked seen")
	}
}

func TestProcessEmptyIDDropped(t *testing.T) {
	t.Parallel()
	tr := &fakeTransport{}
	e, reg := newTestEngine(t, Config{}, tr)

	e.Process(context.Background(), textEvent("", "alice", "hi"))

	if len(tr.acked) != 0 {
		t.Fatal("empty id must be dropped before acknowledge")
	}
	if reg.Seen() != 0 {
		t.Fatal("empty id must not be registered")
	}
}

func TestProcessAckFailureStillArchives(t *testing.T) {
	t.Parallel()
	tr := &fakeTransport{ackErr: errors.New("receipt endpoint down")}
	e, reg := newTestEngine(t, Config{ForwardTo: "owner"}, tr)

	e.Process(context.Background(), textEvent("100:3", "alice", "hi"))

	if !reg.Contains("100:3") {
		t.Fatal("event must be marked seen despite acknowledge failure")
	}
	if len(tr.sent) != 1 {
		t.Fatalf("forwarded %d times, want 1", len(tr.sent))
	}
}

func TestProcessDownloadFailureDegradesToText(t *testing.T) {
	t.Parallel()
	tr := &fakeTransport{downloadErr: errors.New("file expired")}
	e, _ := newTestEngine(t, Config{ForwardTo: "owner"}, tr)

	e.Process(context.Background(), transport.StatusEvent{
		ID:       "100:4",
		SenderID: "alice",
		Payload: transport.Payload{
			Image: &transport.MediaPart{Ref: transport.MediaRef{FileID: "f"}, Caption: "cap"},
		},
	})

	if tr.downloads != 1 {
		t.Fatalf("downloads = %d, want 1 (no retry)", tr.downloads)
	}
	if len(tr.sent) != 1 {
		t.Fatalf("forwarded %d times, want 1", len(tr.sent))
	}
	if len(tr.sent[0].p.Media) != 0 {
		t.Fatal("failed download must forward without media bytes")
	}
	if !strings.Contains(tr.sent[0].p.Text, "cap") {
		t.Fatalf("summary %q missing caption", tr.sent[0].p.Text)
	}
}

func TestProcessForwardsImageBytes(t *testing.T) {
	t.Parallel()
	tr := &fakeTransport{mediaBytes: []byte{0xFF, 0xD8, 0xFF}}
	e, _ := newTestEngine(t, Config{ForwardTo: "owner"}, tr)

	e.Process(context.Background(), transport.StatusEvent{
		ID:       "100:5",
		SenderID: "alice",
		Payload: transport.Payload{
			Image: &transport.MediaPart{Ref: transport.MediaRef{FileID: "f"}, Caption: "sunset"},
		},
	})

	if len(tr.sent) != 1 {
		t.Fatalf("forwarded %d times, want 1", len(tr.sent))
	}
	got := tr.sent[0]
	if got.to != "owner" {
		t.Fatalf("recipient = %q, want owner", got.to)
	}
	if len(got.p.Media) == 0 {
		t.Fatal("image forward must carry the downloaded bytes")
	}
	if !strings.Contains(got.p.Caption, "Status from alice") {
		t.Fatalf("caption %q missing sender line", got.p.Caption)
	}
}

func TestProcessNoForwardTarget(t *testing.T) {
	t.Parallel()
	tr := &fakeTransport{}
	e, reg := newTestEngine(t, Config{}, tr)

	e.Process(context.Background(), textEvent("100:6", "alice", "hi"))

	if len(tr.sent) != 0 {
		t.Fatal("empty forward target must skip the forward stage")
	}
	if !reg.Contains("100:6") {
		t.Fatal("event must still be archived and marked seen")
	}
}

func TestProcessForwardFailureStillPublishes(t *testing.T) {
	t.Parallel()
	tr := &fakeTransport{sendErr: errors.New("recipient blocked the bot")}
	dir := t.TempDir()
	reg, err := registry.Open(filepath.Join(dir, "registry.json"), logx.Nop())
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4)
	defer unsub()

	arch := NewArchiver(filepath.Join(dir, "archive"), nil, logx.Nop())
	e := New(Config{ForwardTo: "owner"}, reg, tr, arch, bus, logx.Nop())
	e.Process(context.Background(), textEvent("100:9", "alice", "hi"))

	// The archive is the durable outcome; a failed forward must not hide it.
	select {
	case got := <-ch:
		if got.Type != eventbus.TypeStatusCaptured {
			t.Fatalf("event type = %q, want %q", got.Type, eventbus.TypeStatusCaptured)
		}
	default:
		t.Fatal("archived event never reached the bus")
	}
	if len(tr.sent) != 1 {
		t.Fatalf("forward attempts = %d, want 1", len(tr.sent))
	}
	if !reg.Contains("100:9") {
		t.Fatal("event must stay marked seen")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	t.Parallel()
	tr := &fakeTransport{}
	e, _ := newTestEngine(t, Config{}, tr)

	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan transport.StatusEvent)
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx, events) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}

func TestSummaryTextIncludesFilename(t *testing.T) {
	t.Parallel()
	ev := transport.StatusEvent{ID: "1", SenderID: "bob"}
	c := classify.Content{Kind: classify.KindDocument, Filename: "report.pdf"}
	got := summaryText(ev, c)
	if !strings.Contains(got, "Status from bob [document]") {
		t.Fatalf("summary %q missing header", got)
	}
	if !strings.Contains(got, "file: report.pdf") {
		t.Fatalf("summary %q missing filename line", got)
	}
}
