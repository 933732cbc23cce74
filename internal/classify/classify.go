// Package classify maps raw status payloads to content variants.
package classify

import (
	"fmt"
	"sort"
	"strings"

	"relaybot/internal/transport"
)

type Kind string

const (
	KindText     Kind = "text"
	KindImage    Kind = "image"
	KindVideo    Kind = "video"
	KindAudio    Kind = "audio"
	KindDocument Kind = "document"
	KindSticker  Kind = "sticker"
	KindLocation Kind = "location"
	KindUnknown  Kind = "unknown"
)

// Content is the classified view of a status payload.
type Content struct {
	Kind Kind

	// Text holds the body for text variants, the caption for media
	// variants, and a best-effort placeholder for Unknown.
	Text string

	// Filename is set for documents.
	Filename string

	// Media points at downloadable bytes for media variants.
	Media transport.MediaRef

	MIME string
}

// HasMedia reports whether the content references downloadable bytes.
func (c Content) HasMedia() bool { return !c.Media.IsZero() }

// Unknown-variant fallback when no text-like value can be recovered.
const unknownPlaceholder = "[unrecognized status content]"

// Classify maps a payload to exactly one content variant.
//
// The shape checks are ordered and mutually exclusive in the source
// protocol; first match wins. Classify never fails: payloads matching no
// known shape become KindUnknown with a non-empty text fallback.
func Classify(p transport.Payload) Content {
	switch {
	case p.Text != "":
		return Content{Kind: KindText, Text: p.Text}
	case p.Image != nil:
		return Content{Kind: KindImage, Text: p.Image.Caption, Media: p.Image.Ref, MIME: p.Image.MIME}
	case p.Video != nil:
		return Content{Kind: KindVideo, Text: p.Video.Caption, Media: p.Video.Ref, MIME: p.Video.MIME}
	case p.Audio != nil:
		return Content{Kind: KindAudio, Media: p.Audio.Ref, MIME: p.Audio.MIME}
	case p.Document != nil:
		return Content{
			Kind:     KindDocument,
			Text:     p.Document.Caption,
			Filename: p.Document.Filename,
			Media:    p.Document.Ref,
			MIME:     p.Document.MIME,
		}
	case p.Sticker != nil:
		return Content{Kind: KindSticker, Media: p.Sticker.Ref, MIME: p.Sticker.MIME}
	case p.Location != nil:
		name := strings.TrimSpace(p.Location.Name)
		text := fmt.Sprintf("%.6f,%.6f", p.Location.Lat, p.Location.Lon)
		if name != "" {
			text = name + " (" + text + ")"
		}
		return Content{Kind: KindLocation, Text: text}
	default:
		return Content{Kind: KindUnknown, Text: unknownText(p)}
	}
}

// unknownText scans unrecognized payload fields for a text-like value.
// It must always return a non-empty string.
func unknownText(p transport.Payload) string {
	if len(p.Extra) == 0 {
		return unknownPlaceholder
	}

	// Prefer caption-like keys, then any non-empty value (stable order).
	for _, k := range []string{"caption", "text", "title", "name", "description"} {
		if v := strings.TrimSpace(p.Extra[k]); v != "" {
			return v
		}
	}

	keys := make([]string, 0, len(p.Extra))
	for k := range p.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if v := strings.TrimSpace(p.Extra[k]); v != "" {
			return v
		}
	}
	return unknownPlaceholder
}
