package transport

import "context"

// StatusEvent is an ephemeral broadcast event observed on the wire.
//
// ID is unique per event occurrence at the source, but the same logical
// status may be redelivered; ID is the dedup key, not a delivery guarantee.
type StatusEvent struct {
	ID       string
	SenderID string
	Payload  Payload
}

// Payload is the raw protocol message shape.
// For well-formed events exactly one of the typed parts is set.
type Payload struct {
	Text     string
	Image    *MediaPart
	Video    *MediaPart
	Audio    *MediaPart
	Document *MediaPart
	Sticker  *MediaPart
	Location *LocationPart

	// Extra carries unrecognized protocol fields. The classifier scans it
	// for text-like values when no known shape matches.
	Extra map[string]string
}

type MediaPart struct {
	Ref      MediaRef
	Caption  string
	Filename string
	MIME     string
}

type LocationPart struct {
	Lat  float64
	Lon  float64
	Name string
}

// MediaRef identifies downloadable media on the transport.
type MediaRef struct {
	FileID string
}

func (r MediaRef) IsZero() bool { return r.FileID == "" }

// SendPayload is an outbound message: text, or media bytes with a caption.
type SendPayload struct {
	Text    string
	Media   []byte
	Caption string
	MIME    string
}

// Update is an inbound operator message (command surface).
type Update struct {
	Message *Message
}

type Message struct {
	ID           int
	ChatID       int64
	FromID       int64
	FromUsername string
	Text         string
}

// Transport is the only component allowed to perform network
// send/receive/acknowledge/download operations.
type Transport interface {
	// Start begins delivering status events and operator updates to the
	// given channels. Both channels must be buffered; slow consumers drop.
	Start(ctx context.Context, events chan<- StatusEvent, updates chan<- Update) error
	Stop(ctx context.Context) error

	// Acknowledge marks a status event as read at the source. Best-effort.
	Acknowledge(ctx context.Context, eventID string) error

	// Send delivers a payload to a single recipient.
	Send(ctx context.Context, recipientID string, p SendPayload) error

	// Download fetches media bytes for a status event. Single attempt.
	Download(ctx context.Context, ref MediaRef) ([]byte, error)
}
