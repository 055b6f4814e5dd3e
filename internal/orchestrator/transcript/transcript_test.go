package transcript

import (
	"strings"
	"testing"
)

func tok(text string, start, end float64) Token {
	return Token{Text: text, Start: start, End: end}
}

func TestShift(t *testing.T) {
	in := []Token{tok("a", 0, 1), tok("b", 1, 2)}
	out := Shift(in, 590)

	if out[0].Start != 590 || out[1].End != 592 {
		t.Errorf("Shift = %+v", out)
	}
	if in[0].Start != 0 {
		t.Error("Shift must not mutate its input")
	}
}

func TestJoinText(t *testing.T) {
	got := JoinText([]Token{tok(" hello", 0, 1), tok("", 1, 1), tok("world ", 1, 2)})
	if got != "hello world" {
		t.Errorf("JoinText = %q, want %q", got, "hello world")
	}
}

func TestEnsureMonotonicClampsOverlap(t *testing.T) {
	tokens := []Token{tok("a", 0, 1.5), tok("b", 1.0, 2), tok("c", 2.02, 3)}
	out := EnsureMonotonic(tokens)

	if out[0].End != 1.0 {
		t.Errorf("token 0 end = %v, want clamped to 1.0", out[0].End)
	}
	if out[1].End != 2 {
		t.Errorf("token 1 end = %v, want 2 (within epsilon)", out[1].End)
	}
	for i := 0; i+1 < len(out); i++ {
		if out[i].End > out[i+1].Start+Epsilon {
			t.Errorf("token %d ends %v after next start %v", i, out[i].End, out[i+1].Start)
		}
	}
}

func TestEnsureMonotonicResorts(t *testing.T) {
	tokens := []Token{tok("b", 2, 3), tok("a", 0, 1), tok("c", 4, 5)}
	out := ensureMonotonic(tokens, false)

	if !IsMonotonic(out) {
		t.Fatalf("EnsureMonotonic left disorder: %+v", out)
	}
	if out[0].Text != "a" || out[1].Text != "b" {
		t.Errorf("order = %q %q %q", out[0].Text, out[1].Text, out[2].Text)
	}
}

func TestEnsureMonotonicStrictPanics(t *testing.T) {
	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("ensureMonotonic(strict) did not panic on disorder")
		}
		if msg, _ := r.(string); !strings.Contains(msg, "not monotonic") {
			t.Errorf("panic = %v, want monotonicity message", r)
		}
	}()
	ensureMonotonic([]Token{tok("b", 2, 3), tok("a", 0, 1)}, true)
}

func TestSegmentBySpeaker(t *testing.T) {
	tokens := []Token{
		tok("hi", 0, 0.5), tok("there", 0.5, 1),
		tok("hello", 1.2, 1.6), tok("back", 1.6, 2),
		tok("later", 10, 10.5),
	}
	turns := []SpeakerTurn{
		{Speaker: "A", Start: 0, End: 1.1},
		{Speaker: "B", Start: 1.1, End: 5},
	}

	segs := Segments(tokens, turns, 1.5)
	if len(segs) != 3 {
		t.Fatalf("len(segments) = %d, want 3: %+v", len(segs), segs)
	}
	tests := []struct {
		speaker string
		text    string
	}{
		{"A", "hi there"},
		{"B", "hello back"},
		{UnknownSpeaker, "later"},
	}
	for i, tt := range tests {
		if segs[i].Speaker != tt.speaker || segs[i].Text != tt.text {
			t.Errorf("segment %d = %q/%q, want %q/%q", i, segs[i].Speaker, segs[i].Text, tt.speaker, tt.text)
		}
		if segs[i].Index != i {
			t.Errorf("segment %d index = %d", i, segs[i].Index)
		}
	}
}

func TestSegmentSplitsOnPause(t *testing.T) {
	tokens := []Token{tok("one", 0, 1), tok("two", 5, 6)}
	segs := Placeholder(tokens, 2)

	if len(segs) != 2 {
		t.Fatalf("len(segments) = %d, want 2", len(segs))
	}
	for _, s := range segs {
		if s.Speaker != UnknownSpeaker {
			t.Errorf("speaker = %q, want %q", s.Speaker, UnknownSpeaker)
		}
	}
}

func TestContextWindow(t *testing.T) {
	segs := make([]Segment, 6)
	for i := range segs {
		segs[i].Index = i
	}

	before, after := ContextWindow(segs, 1, 2)
	if len(before) != 1 || before[0].Index != 0 {
		t.Errorf("before = %+v", before)
	}
	if len(after) != 2 || after[1].Index != 3 {
		t.Errorf("after = %+v", after)
	}

	before, after = ContextWindow(segs, 5, 2)
	if len(before) != 2 || len(after) != 0 {
		t.Errorf("at end: before=%d after=%d", len(before), len(after))
	}
}
