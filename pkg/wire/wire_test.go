package wire

import "testing"

func TestPlainTextConcatenatesTextSegments(t *testing.T) {
	e := InboundEvent{Message: []Segment{
		{Type: SegText, Text: "hello "},
		{Type: SegAt, QQ: "123"},
		{Type: SegText, Text: "world"},
	}}
	if got := e.PlainText(); got != "hello world" {
		t.Fatalf("got %q", got)
	}
}

func TestIsMentioned(t *testing.T) {
	e := InboundEvent{Message: []Segment{{Type: SegAt, QQ: "42"}}}
	if !e.IsMentioned("42") {
		t.Fatalf("expected mention match")
	}
	if e.IsMentioned("99") {
		t.Fatalf("expected no match for different id")
	}
}

func TestIsLoneSticker(t *testing.T) {
	lone := InboundEvent{Message: []Segment{{Type: SegImage, StickerHint: true}}}
	if !lone.IsLoneSticker() {
		t.Fatalf("expected lone sticker message to match")
	}
	withText := InboundEvent{Message: []Segment{
		{Type: SegImage, StickerHint: true},
		{Type: SegText, Text: "ok"},
	}}
	if withText.IsLoneSticker() {
		t.Fatalf("expected a sticker plus text to not match")
	}
	photo := InboundEvent{Message: []Segment{{Type: SegImage, StickerHint: false}}}
	if photo.IsLoneSticker() {
		t.Fatalf("a non-sticker image should not match")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	body := "hi " + EncodeAt("123") + " check this " + EncodeImageFile("/tmp/a.jpg")
	segs := DecodeCQCodes(body)
	var sawAt, sawImage, sawText bool
	for _, s := range segs {
		switch s.Type {
		case SegAt:
			sawAt = s.QQ == "123"
		case SegImage:
			sawImage = true
		case SegText:
			sawText = true
		}
	}
	if !sawAt || !sawImage || !sawText {
		t.Fatalf("expected at/image/text segments, got %+v", segs)
	}
}

func TestPickDefaultEmojiStaysInSet(t *testing.T) {
	for i := 0; i < 20; i++ {
		glyph := PickDefaultEmoji(i)
		found := false
		for _, g := range DefaultEmoji {
			if g == glyph {
				found = true
				break
			}
		}
		if !found {
			t.Fatalf("emoji %q not in default set", glyph)
		}
	}
}
