// Package question decides whether transcript text contains genuine
// questions and emits deduplicated [DetectedQuestion] values.
//
// Classification is structural, not generative: interrogative markers,
// trailing question particles and sentence shape produce a confidence score
// in [0,1] that downstream consumers threshold as they see fit. A bounded
// carry-over window joins sentences split across chunk boundaries, and
// content-based dedup (Jaro-Winkler over normalized text) suppresses
// re-detections of the same question within a session.
package question

import (
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/antzucaro/matchr"
	"github.com/google/uuid"
)

// DetectedQuestion is one validated question found in transcript text.
type DetectedQuestion struct {
	ID            string
	Text          string
	Timestamp     time.Time
	Confidence    float64
	SourceChunkID string
}

const (
	defaultMinConfidence = 0.5
	defaultDedupScore    = 0.90
	defaultCarryLimit    = 240 // runes of unterminated tail carried across chunks
)

// Option is a functional option for configuring a [Detector].
type Option func(*Detector)

// WithMinConfidence sets the score below which a candidate is discarded.
// Default: 0.5.
func WithMinConfidence(min float64) Option {
	return func(d *Detector) { d.minConfidence = min }
}

// WithDedupScore sets the Jaro-Winkler similarity at or above which two
// normalized questions are considered the same. Default: 0.90.
func WithDedupScore(score float64) Option {
	return func(d *Detector) { d.dedupScore = score }
}

// Detector classifies transcript text. All methods are safe for concurrent
// use.
type Detector struct {
	minConfidence float64
	dedupScore    float64

	mu      sync.Mutex
	carry   string   // unterminated tail of the previous transcript
	emitted []string // normalized questions already emitted this session

	// Discarded counts meta-instruction leaks rejected since the last Clear.
	discarded int
}

// New returns a Detector configured with the supplied options.
func New(opts ...Option) *Detector {
	d := &Detector{
		minConfidence: defaultMinConfidence,
		dedupScore:    defaultDedupScore,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Detect extracts questions from one transcript. Sentences split across a
// chunk boundary are rejoined using the carry-over window; duplicates of
// questions already emitted this session are suppressed.
func (d *Detector) Detect(text, chunkID string) []DetectedQuestion {
	d.mu.Lock()
	defer d.mu.Unlock()

	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if isMetaLeak(text) {
		d.discarded++
		return nil
	}

	full := text
	if d.carry != "" {
		full = d.carry + " " + text
	}
	sentences, tail := splitSentences(full)
	d.carry = truncateRunes(tail, defaultCarryLimit)

	var out []DetectedQuestion
	now := time.Now()
	for _, sentence := range sentences {
		if isMetaLeak(sentence) {
			d.discarded++
			continue
		}
		conf := Classify(sentence)
		if conf < d.minConfidence {
			continue
		}
		refined := refine(sentence)
		norm := normalize(refined)
		if d.isDuplicateLocked(norm) {
			continue
		}
		d.emitted = append(d.emitted, norm)
		out = append(out, DetectedQuestion{
			ID:            "q-" + uuid.NewString(),
			Text:          refined,
			Timestamp:     now,
			Confidence:    conf,
			SourceChunkID: chunkID,
		})
	}
	return out
}

// Flush classifies the carry-over tail as a final sentence. Called when a
// streaming hint fired: the utterance is presumed complete even without a
// terminator.
func (d *Detector) Flush(chunkID string) []DetectedQuestion {
	d.mu.Lock()
	tail := strings.TrimSpace(d.carry)
	d.carry = ""
	d.mu.Unlock()
	if tail == "" {
		return nil
	}
	return d.Detect(tail+"?", chunkID)
}

// Discarded reports how many meta-instruction leaks were rejected since the
// last Clear.
func (d *Detector) Discarded() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.discarded
}

// Clear resets the session state: carry-over window, dedup history and the
// discard counter.
func (d *Detector) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.carry = ""
	d.emitted = nil
	d.discarded = 0
}

func (d *Detector) isDuplicateLocked(norm string) bool {
	for _, seen := range d.emitted {
		if seen == norm {
			return true
		}
		if matchr.JaroWinkler(norm, seen, false) >= d.dedupScore {
			return true
		}
	}
	return false
}

// ─── classification ──────────────────────────────────────────────────────────

// interrogativeWords are sentence-leading English question words.
var interrogativeWords = map[string]bool{
	"what": true, "who": true, "whom": true, "whose": true, "when": true,
	"where": true, "why": true, "how": true, "which": true,
}

// auxiliaryWords start inverted yes/no questions ("can you...", "did they...").
var auxiliaryWords = map[string]bool{
	"is": true, "are": true, "was": true, "were": true, "am": true,
	"do": true, "does": true, "did": true, "can": true, "could": true,
	"will": true, "would": true, "shall": true, "should": true,
	"may": true, "might": true, "have": true, "has": true, "had": true,
}

// japaneseInterrogatives appear anywhere in a Japanese question.
var japaneseInterrogatives = []string{
	"どう", "何", "なぜ", "なに", "いつ", "どこ", "誰", "どの", "どんな", "どちら", "いくら",
}

// Classify scores a single sentence's question-ness in [0,1]. It is a pure
// function of the sentence text.
func Classify(sentence string) float64 {
	sentence = strings.TrimSpace(sentence)
	if sentence == "" {
		return 0
	}

	body, mark := stripTerminator(sentence)
	if body == "" {
		return 0
	}

	var score float64
	if mark == "?" || mark == "？" {
		score += 0.5
	}

	// Trailing-particle check with a negative lookahead: a sentence ending
	// in か is interrogative, but the bare opinion verb 思います/思う (no
	// particle) is a statement even though it shares the stem with
	// 思いますか.
	switch {
	case endsWithQuestionParticle(body):
		score += 0.45
	case endsWithStatementVerb(body) && mark != "?" && mark != "？":
		return 0
	}

	lower := strings.ToLower(body)
	first := firstWord(lower)
	switch {
	case interrogativeWords[first]:
		score += 0.3
	case auxiliaryWords[first]:
		score += 0.2
	}
	for _, w := range japaneseInterrogatives {
		if strings.Contains(body, w) {
			score += 0.2
			break
		}
	}

	// Very short fragments ("yes?", "ok?") are weak evidence; a sentence of
	// plausible question length earns a nudge.
	if n := len(strings.Fields(lower)); n >= 3 && n <= 40 {
		score += 0.1
	} else if runeLen(body) >= 4 && containsJapanese(body) {
		score += 0.1
	}

	if score > 1 {
		score = 1
	}
	return score
}

var questionParticles = []string{"か", "かな", "かい", "かしら", "の"}

func endsWithQuestionParticle(body string) bool {
	for _, p := range questionParticles {
		if strings.HasSuffix(body, p) {
			// "の" alone is too ambiguous without an interrogative elsewhere.
			if p == "の" {
				for _, w := range japaneseInterrogatives {
					if strings.Contains(body, w) {
						return true
					}
				}
				return false
			}
			return true
		}
	}
	return false
}

var statementVerbEndings = []string{"思います", "思う", "です", "ます", "でした", "ました"}

func endsWithStatementVerb(body string) bool {
	for _, s := range statementVerbEndings {
		if strings.HasSuffix(body, s) {
			return true
		}
	}
	return false
}

// ─── meta-instruction leaks ──────────────────────────────────────────────────

// metaLeaks are literal artifacts of a malformed upstream transcription or
// generative step. They are indicators of broken input, never user speech.
var metaLeaks = map[string]bool{
	"no output": true, "no response": true, "no speech": true,
	"silence": true, "blank_audio": true, "blank audio": true,
	"inaudible": true, "music": true, "applause": true, "noise": true,
	"出力なし": true, "無音": true, "音声なし": true,
}

// isMetaLeak reports whether the fragment is nothing but a meta artifact,
// optionally wrapped in brackets or parentheses.
func isMetaLeak(text string) bool {
	t := strings.TrimSpace(strings.ToLower(text))
	t = strings.Trim(t, "[](){}<>*_ \t")
	t = strings.TrimRight(t, ".!?。！？")
	return metaLeaks[t]
}

// ─── text helpers ────────────────────────────────────────────────────────────

var sentenceTerminators = ".!?。！？"

// splitSentences cuts text at sentence terminators, keeping each terminator
// with its sentence. The trailing unterminated remainder is returned
// separately for carry-over.
func splitSentences(text string) (sentences []string, tail string) {
	var b strings.Builder
	for _, r := range text {
		b.WriteRune(r)
		if strings.ContainsRune(sentenceTerminators, r) {
			if s := strings.TrimSpace(b.String()); s != "" {
				sentences = append(sentences, s)
			}
			b.Reset()
		}
	}
	return sentences, strings.TrimSpace(b.String())
}

func stripTerminator(sentence string) (body, mark string) {
	runes := []rune(sentence)
	for len(runes) > 0 && strings.ContainsRune(sentenceTerminators, runes[len(runes)-1]) {
		mark = string(runes[len(runes)-1])
		runes = runes[:len(runes)-1]
	}
	return strings.TrimSpace(string(runes)), mark
}

// refine canonicalizes an emitted question: collapsed whitespace, a single
// terminal question mark.
func refine(sentence string) string {
	body, _ := stripTerminator(sentence)
	body = strings.Join(strings.Fields(body), " ")
	if containsJapanese(body) {
		return body + "？"
	}
	return body + "?"
}

// normalize reduces text for dedup comparison: lowercase, no punctuation,
// no spaces.
func normalize(text string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func firstWord(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return strings.Trim(fields[0], ",;:'\"")
}

func containsJapanese(s string) bool {
	for _, r := range s {
		if unicode.In(r, unicode.Hiragana, unicode.Katakana, unicode.Han) {
			return true
		}
	}
	return false
}

func runeLen(s string) int { return len([]rune(s)) }

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[len(runes)-max:])
}
