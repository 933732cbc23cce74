package adapter

import (
	"strings"
	"testing"
)

func TestEventID(t *testing.T) {
	t.Parallel()
	tests := []struct {
		chatID    int64
		messageID int
		want      string
	}{
		{chatID: 100, messageID: 7, want: "100:7"},
		{chatID: -1001234567890, messageID: 42, want: "-1001234567890:42"},
		{chatID: 0, messageID: 0, want: "0:0"},
	}
	for _, tt := range tests {
		if got := EventID(tt.chatID, tt.messageID); got != tt.want {
			t.Fatalf("EventID(%d, %d) = %q, want %q", tt.chatID, tt.messageID, got, tt.want)
		}
	}
}

func TestChatSet(t *testing.T) {
	t.Parallel()
	m := chatSet([]int64{-1, -2, -2})
	if len(m) != 2 {
		t.Fatalf("len = %d, want 2", len(m))
	}
	if _, ok := m[-1]; !ok {
		t.Fatal("missing -1")
	}
	if _, ok := m[3]; ok {
		t.Fatal("unexpected 3")
	}
}

func TestSplitTelegramTextShort(t *testing.T) {
	t.Parallel()
	got := splitTelegramText("hello", 10)
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("got %#v", got)
	}
}

func TestSplitTelegramTextPrefersNewlines(t *testing.T) {
	t.Parallel()
	in := strings.Repeat("x", 30) + "\n" + strings.Repeat("y", 30)
	got := splitTelegramText(in, 40)
	if len(got) != 2 {
		t.Fatalf("chunks = %d, want 2 (%#v)", len(got), got)
	}
	if got[0] != strings.Repeat("x", 30) {
		t.Fatalf("first chunk = %q, want the x-run up to the newline", got[0])
	}
	if got[1] != strings.Repeat("y", 30) {
		t.Fatalf("second chunk = %q", got[1])
	}
}

func TestSplitTelegramTextHardWrap(t *testing.T) {
	t.Parallel()
	in := strings.Repeat("a", 95)
	got := splitTelegramText(in, 40)
	if len(got) != 3 {
		t.Fatalf("chunks = %d, want 3", len(got))
	}
	var total int
	for i, c := range got {
		if len(c) > 40 {
			t.Fatalf("chunk %d exceeds limit: %d runes", i, len(c))
		}
		if c == "" {
			t.Fatalf("chunk %d is empty", i)
		}
		total += len(c)
	}
	if total != 95 {
		t.Fatalf("reassembled %d runes, want 95", total)
	}
}

func TestSplitTelegramTextNoEmptyChunks(t *testing.T) {
	t.Parallel()
	in := strings.Repeat("line\n", 50)
	for _, c := range splitTelegramText(in, 32) {
		if strings.TrimSpace(c) == "" {
			t.Fatalf("empty chunk in %#v", splitTelegramText(in, 32))
		}
	}
}
