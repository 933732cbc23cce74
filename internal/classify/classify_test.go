package classify

import (
	"testing"

	"relaybot/internal/transport"
)

func TestClassifyVariants(t *testing.T) {
	t.Parallel()
	ref := transport.MediaRef{FileID: "f1"}

	tests := []struct {
		name     string
		payload  transport.Payload
		kind     Kind
		text     string
		hasMedia bool
	}{
		{
			name:    "text",
			payload: transport.Payload{Text: "hello"},
			kind:    KindText,
			text:    "hello",
		},
		{
			name:     "image with caption",
			payload:  transport.Payload{Image: &transport.MediaPart{Ref: ref, Caption: "pic"}},
			kind:     KindImage,
			text:     "pic",
			hasMedia: true,
		},
		{
			name:     "video",
			payload:  transport.Payload{Video: &transport.MediaPart{Ref: ref, MIME: "video/mp4"}},
			kind:     KindVideo,
			hasMedia: true,
		},
		{
			name:     "audio ignores caption field",
			payload:  transport.Payload{Audio: &transport.MediaPart{Ref: ref, Caption: "song"}},
			kind:     KindAudio,
			hasMedia: true,
		},
		{
			name:     "document keeps filename",
			payload:  transport.Payload{Document: &transport.MediaPart{Ref: ref, Filename: "a.pdf"}},
			kind:     KindDocument,
			hasMedia: true,
		},
		{
			name:     "sticker",
			payload:  transport.Payload{Sticker: &transport.MediaPart{Ref: ref}},
			kind:     KindSticker,
			hasMedia: true,
		},
		{
			name:    "location with name",
			payload: transport.Payload{Location: &transport.LocationPart{Lat: 1.5, Lon: 2.5, Name: "pier"}},
			kind:    KindLocation,
			text:    "pier (1.500000,2.500000)",
		},
		{
			name:    "unknown empty payload",
			payload: transport.Payload{},
			kind:    KindUnknown,
			text:    "[unrecognized status content]",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.payload)
			if got.Kind != tt.kind {
				t.Fatalf("Kind = %s, want %s", got.Kind, tt.kind)
			}
			if tt.text != "" && got.Text != tt.text {
				t.Fatalf("Text = %q, want %q", got.Text, tt.text)
			}
			if got.HasMedia() != tt.hasMedia {
				t.Fatalf("HasMedia = %v, want %v", got.HasMedia(), tt.hasMedia)
			}
		})
	}
}

func TestClassifyPrecedence(t *testing.T) {
	t.Parallel()
	// Malformed payload with several parts set: first shape check wins.
	p := transport.Payload{
		Text:  "body",
		Image: &transport.MediaPart{Ref: transport.MediaRef{FileID: "x"}},
	}
	got := Classify(p)
	if got.Kind != KindText {
		t.Fatalf("Kind = %s, want %s (text outranks image)", got.Kind, KindText)
	}
	if got.HasMedia() {
		t.Fatal("text variant must not carry media")
	}
}

func TestClassifyUnknownNeverEmpty(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		extra map[string]string
		want  string
	}{
		{name: "caption preferred", extra: map[string]string{"zz": "other", "caption": "cap"}, want: "cap"},
		{name: "sorted key fallback", extra: map[string]string{"b": "bee", "a": "ay"}, want: "ay"},
		{name: "all blank", extra: map[string]string{"a": "  "}, want: "[unrecognized status content]"},
		{name: "nil extra", extra: nil, want: "[unrecognized status content]"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(transport.Payload{Extra: tt.extra})
			if got.Kind != KindUnknown {
				t.Fatalf("Kind = %s, want %s", got.Kind, KindUnknown)
			}
			if got.Text != tt.want {
				t.Fatalf("Text = %q, want %q", got.Text, tt.want)
			}
			if got.Text == "" {
				t.Fatal("unknown text must never be empty")
			}
		})
	}
}
