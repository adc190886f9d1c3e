package question

import (
	"strings"
	"testing"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		sentence string
		question bool
	}{
		{"english wh question", "What do you think about microservices?", true},
		{"english inverted question", "Can you walk me through your last project?", true},
		{"english statement", "I think we should deploy on Friday.", false},
		{"english unmarked statement", "The deployment finished an hour ago.", false},
		{"japanese question particle", "どう思いますか？", true},
		{"japanese question particle unpunctuated", "どう思いますか", true},
		{"japanese opinion statement", "私はこう思います。", false},
		{"japanese statement polite", "昨日会議がありました。", false},
		{"japanese kana question", "行けるかな？", true},
		{"question mark alone on statement shape", "You rewrote the whole service?", true},
		{"empty", "", false},
		{"punctuation only", "...", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			conf := Classify(tc.sentence)
			if got := conf >= defaultMinConfidence; got != tc.question {
				t.Errorf("Classify(%q) = %.2f, question=%v, want %v", tc.sentence, conf, got, tc.question)
			}
			if conf < 0 || conf > 1 {
				t.Errorf("Classify(%q) = %.2f, outside [0,1]", tc.sentence, conf)
			}
		})
	}
}

func TestClassify_SharedVerbStemDisambiguation(t *testing.T) {
	t.Parallel()

	q := Classify("どう思いますか？")
	s := Classify("私はこう思います。")
	if q < defaultMinConfidence {
		t.Errorf("question form scored %.2f, below threshold", q)
	}
	if s >= defaultMinConfidence {
		t.Errorf("statement form scored %.2f, classified as question", s)
	}
}

func TestDetect_EmitsRefinedQuestions(t *testing.T) {
	t.Parallel()

	d := New()
	got := d.Detect("So tell me.   What is   your greatest weakness? I ask everyone that.", "chunk-1")
	if len(got) != 1 {
		t.Fatalf("detected %d questions, want 1", len(got))
	}
	q := got[0]
	if q.Text != "What is your greatest weakness?" {
		t.Errorf("refined text = %q", q.Text)
	}
	if q.SourceChunkID != "chunk-1" {
		t.Errorf("SourceChunkID = %q", q.SourceChunkID)
	}
	if q.ID == "" || q.Timestamp.IsZero() {
		t.Error("emitted question must carry an ID and timestamp")
	}
	if q.Confidence < defaultMinConfidence || q.Confidence > 1 {
		t.Errorf("Confidence = %.2f", q.Confidence)
	}
}

func TestDetect_DedupWithinSession(t *testing.T) {
	t.Parallel()

	d := New()
	first := d.Detect("What is your greatest weakness?", "chunk-1")
	if len(first) != 1 {
		t.Fatalf("first pass detected %d, want 1", len(first))
	}

	// Exact repeat and a near-identical transcription variant both dedup.
	if again := d.Detect("What is your greatest weakness?", "chunk-2"); len(again) != 0 {
		t.Errorf("exact duplicate emitted %d questions", len(again))
	}
	if again := d.Detect("what is your greatest weakness?", "chunk-3"); len(again) != 0 {
		t.Errorf("lowercase variant emitted %d questions", len(again))
	}
	if again := d.Detect("What is your greatest weaknesses?", "chunk-4"); len(again) != 0 {
		t.Errorf("near-duplicate emitted %d questions", len(again))
	}

	// Clear ends the session; the same question may fire again.
	d.Clear()
	if fresh := d.Detect("What is your greatest weakness?", "chunk-5"); len(fresh) != 1 {
		t.Errorf("after Clear detected %d, want 1", len(fresh))
	}
}

func TestDetect_RejectsMetaInstructionLeaks(t *testing.T) {
	t.Parallel()

	d := New()
	leaks := []string{
		"[BLANK_AUDIO]",
		"(no output)",
		"silence",
		"[Music]",
		"無音",
	}
	for _, leak := range leaks {
		if got := d.Detect(leak, "chunk-1"); len(got) != 0 {
			t.Errorf("Detect(%q) emitted %d questions, want 0", leak, len(got))
		}
	}
	if d.Discarded() != len(leaks) {
		t.Errorf("Discarded() = %d, want %d", d.Discarded(), len(leaks))
	}

	// Real speech that merely mentions a leak word still counts.
	if got := d.Detect("How do you handle silence in an interview?", "chunk-2"); len(got) != 1 {
		t.Errorf("legitimate sentence mentioning a leak word: got %d questions, want 1", len(got))
	}
}

func TestDetect_CarryOverAcrossChunkBoundary(t *testing.T) {
	t.Parallel()

	d := New()
	// The question is split mid-sentence across two chunks.
	if got := d.Detect("What would you change about", "chunk-1"); len(got) != 0 {
		t.Fatalf("unterminated fragment emitted %d questions", len(got))
	}
	got := d.Detect("your current architecture?", "chunk-2")
	if len(got) != 1 {
		t.Fatalf("joined sentence detected %d questions, want 1", len(got))
	}
	if want := "What would you change about your current architecture?"; got[0].Text != want {
		t.Errorf("joined text = %q, want %q", got[0].Text, want)
	}
}

func TestFlush_ClassifiesPendingTail(t *testing.T) {
	t.Parallel()

	d := New()
	d.Detect("Why did the migration fail", "chunk-1") // no terminator
	got := d.Flush("chunk-1")
	if len(got) != 1 {
		t.Fatalf("Flush detected %d questions, want 1", len(got))
	}
	if !strings.HasPrefix(got[0].Text, "Why did the migration fail") {
		t.Errorf("flushed text = %q", got[0].Text)
	}

	// Nothing pending: Flush is a no-op.
	if again := d.Flush("chunk-1"); len(again) != 0 {
		t.Errorf("second Flush emitted %d questions", len(again))
	}
}

func TestBuffer(t *testing.T) {
	t.Parallel()

	b := NewBuffer()
	b.Append(DetectedQuestion{ID: "q-1", Text: "one?"})
	b.Append(DetectedQuestion{ID: "q-2", Text: "two?"}, DetectedQuestion{ID: "q-3", Text: "three?"})

	if b.Len() != 3 {
		t.Fatalf("Len = %d, want 3", b.Len())
	}
	list := b.List()
	if list[0].ID != "q-1" || list[2].ID != "q-3" {
		t.Errorf("List order = %v", []string{list[0].ID, list[1].ID, list[2].ID})
	}

	// The returned slice is a copy.
	list[0].ID = "mutated"
	if b.List()[0].ID != "q-1" {
		t.Error("List must return a copy")
	}

	b.Clear()
	if b.Len() != 0 {
		t.Errorf("Len after Clear = %d, want 0", b.Len())
	}
}
