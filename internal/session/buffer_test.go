package session

import (
	"strings"
	"testing"
)

func TestBufferAppendAndRead(t *testing.T) {
	b := NewBuffer(1024)

	b.Append([]byte("hello "))
	b.Append([]byte("world"))

	if got := b.String(); got != "hello world" {
		t.Errorf("String = %q, want %q", got, "hello world")
	}
	if b.Len() != 11 {
		t.Errorf("Len = %d, want 11", b.Len())
	}
	if got := b.Tail(5); got != "world" {
		t.Errorf("Tail(5) = %q, want %q", got, "world")
	}
	if got := b.Tail(100); got != "hello world" {
		t.Errorf("Tail(100) = %q, want the whole buffer", got)
	}
}

func TestBufferPrunesFront(t *testing.T) {
	b := NewBuffer(10)

	b.Append([]byte("0123456789"))
	b.Append([]byte("abcde"))

	if got := b.String(); got != "56789abcde" {
		t.Errorf("String = %q, want %q", got, "56789abcde")
	}
	if b.Len() != 10 {
		t.Errorf("Len = %d, want 10", b.Len())
	}
	if b.End() != 15 {
		t.Errorf("End = %d, want absolute offset 15", b.End())
	}
}

func TestBufferMarkerCapture(t *testing.T) {
	b := NewBuffer(1024)

	b.Append([]byte("boot noise\n"))
	b.MarkTurn()
	b.Append([]byte("turn output\n"))

	got, ok := b.SinceMarker()
	if !ok || got != "turn output\n" {
		t.Errorf("SinceMarker = %q ok=%v, want turn output", got, ok)
	}

	// Peeking does not consume.
	got, ok = b.SinceMarker()
	if !ok || got != "turn output\n" {
		t.Errorf("second SinceMarker = %q ok=%v, want same text", got, ok)
	}

	got, ok = b.ConsumeMarker()
	if !ok || got != "turn output\n" {
		t.Errorf("ConsumeMarker = %q ok=%v, want turn output", got, ok)
	}

	// Consumed: no marker until the next turn opens.
	if _, ok := b.ConsumeMarker(); ok {
		t.Error("second ConsumeMarker should report no open turn")
	}
	if b.HasMarker() {
		t.Error("HasMarker should be false after consumption")
	}
}

func TestBufferMarkerAtEnd(t *testing.T) {
	b := NewBuffer(1024)
	b.Append([]byte("earlier output"))
	b.MarkTurn()

	got, ok := b.ConsumeMarker()
	if !ok || got != "" {
		t.Errorf("ConsumeMarker right after MarkTurn = %q ok=%v, want empty", got, ok)
	}
}

func TestBufferMarkerSurvivesPruning(t *testing.T) {
	b := NewBuffer(10)

	b.Append([]byte("abcde"))
	b.MarkTurn()
	// 15 more bytes: pruning passes the marker position.
	b.Append([]byte("0123456789ZYXWV"))

	got, ok := b.SinceMarker()
	if !ok {
		t.Fatal("marker should survive pruning")
	}
	// Everything retained is after the (pruned past) marker.
	if got != b.String() {
		t.Errorf("SinceMarker = %q, want the full retained buffer %q", got, b.String())
	}
	if !strings.HasSuffix(got, "ZYXWV") {
		t.Errorf("SinceMarker = %q, want the newest bytes", got)
	}
}

func TestBufferDefaultLimit(t *testing.T) {
	b := NewBuffer(0)
	big := make([]byte, DefaultBufferLimit+100)
	for i := range big {
		big[i] = 'x'
	}
	b.Append(big)
	if b.Len() != DefaultBufferLimit {
		t.Errorf("Len = %d, want the default limit %d", b.Len(), DefaultBufferLimit)
	}
}
