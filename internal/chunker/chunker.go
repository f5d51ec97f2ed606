// Package chunker provides deterministic segmentation of story text into
// speakable units bounded by length and punctuation.
//
// Splitting prefers paragraph and sentence boundaries, falls back to the
// nearest whitespace before the length limit, and as a last resort hard-cuts
// a single oversized word to guarantee forward progress. The same input and
// limit always yield the same segmentation.
package chunker

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// DefaultMaxChunkChars is the default per-chunk character budget. It matches
// the longest input the inference provider synthesizes without degradation.
const DefaultMaxChunkChars = 500

// Regex patterns for text cleaning.
const (
	paragraphBreakPattern = `\n\s*\n`
	excessNewlinePattern  = `\n{3,}`
	inlineSpacePattern    = `[ \t]{2,}`
	spaceBeforePunct      = `\s+([.,!?;:])`
	missingSpaceAfter     = `([.,!?;:])([A-Za-z])`
	boldPattern           = `\*\*([^*]+)\*\*`
	italicPattern         = `\*([^*]+)\*`
	underlinePattern      = `__([^_]+)__`
)

// Punctuation normalization constants.
const (
	emDash       = "—"
	enDash       = "–"
	ellipsisChar = "…"
	ellipsis     = "..."
)

// Chunk is one bounded-length slice of story text dispatched as a single
// inference unit. ParagraphEnd marks chunks after which the assembler may
// insert a longer pause.
type Chunk struct {
	Index        int
	Text         string
	ParagraphEnd bool
}

// Chunker splits cleaned story text into bounded chunks.
type Chunker struct {
	maxChunkChars int

	paragraphBreak *regexp.Regexp
	excessNewlines *regexp.Regexp
	inlineSpaces   *regexp.Regexp
	spacePunct     *regexp.Regexp
	missingSpace   *regexp.Regexp
	bold           *regexp.Regexp
	italic         *regexp.Regexp
	underline      *regexp.Regexp
	punctReplacer  *strings.Replacer
}

// New creates a chunker with the given per-chunk character budget. A
// non-positive budget falls back to DefaultMaxChunkChars.
func New(maxChunkChars int) *Chunker {
	if maxChunkChars <= 0 {
		maxChunkChars = DefaultMaxChunkChars
	}

	return &Chunker{
		maxChunkChars:  maxChunkChars,
		paragraphBreak: regexp.MustCompile(paragraphBreakPattern),
		excessNewlines: regexp.MustCompile(excessNewlinePattern),
		inlineSpaces:   regexp.MustCompile(inlineSpacePattern),
		spacePunct:     regexp.MustCompile(spaceBeforePunct),
		missingSpace:   regexp.MustCompile(missingSpaceAfter),
		bold:           regexp.MustCompile(boldPattern),
		italic:         regexp.MustCompile(italicPattern),
		underline:      regexp.MustCompile(underlinePattern),
		punctReplacer: strings.NewReplacer(
			"“", `"`, "”", `"`,
			"‘", "'", "’", "'",
			emDash, "-",
			enDash, "-",
			ellipsisChar, ellipsis,
		),
	}
}

// MaxChunkChars returns the configured per-chunk character budget.
func (c *Chunker) MaxChunkChars() int {
	return c.maxChunkChars
}

// Clean normalizes story text for synthesis: markdown emphasis is stripped,
// smart quotes and dashes are replaced with their ASCII forms, whitespace is
// collapsed, and punctuation spacing is repaired. Paragraph breaks (blank
// lines) are preserved, since chunking is paragraph-aware.
func (c *Chunker) Clean(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = c.excessNewlines.ReplaceAllString(text, "\n\n")
	text = c.inlineSpaces.ReplaceAllString(text, " ")

	text = c.bold.ReplaceAllString(text, "$1")
	text = c.italic.ReplaceAllString(text, "$1")
	text = c.underline.ReplaceAllString(text, "$1")

	text = c.punctReplacer.Replace(text)

	text = c.spacePunct.ReplaceAllString(text, "$1")
	text = c.missingSpace.ReplaceAllString(text, "$1 $2")

	return strings.TrimSpace(text)
}

// Split cleans the text and segments it into ordered chunks. Chunks never
// exceed the character budget except when a single word does, never break
// inside a word otherwise, and carry contiguous indices starting at zero.
// Empty or whitespace-only input yields an empty slice.
func (c *Chunker) Split(text string) []Chunk {
	cleaned := c.Clean(text)
	if cleaned == "" {
		return nil
	}

	var pieces []Chunk

	paragraphs := c.paragraphBreak.Split(cleaned, -1)
	for _, paragraph := range paragraphs {
		paragraph = strings.TrimSpace(paragraph)
		if paragraph == "" {
			continue
		}

		start := len(pieces)
		pieces = c.appendParagraph(pieces, paragraph)

		if len(pieces) > start {
			pieces[len(pieces)-1].ParagraphEnd = true
		}
	}

	for i := range pieces {
		pieces[i].Index = i
	}

	return pieces
}

// SplitStrings is Split reduced to the bare text sequence.
func (c *Chunker) SplitStrings(text string) []string {
	chunks := c.Split(text)
	if len(chunks) == 0 {
		return nil
	}

	out := make([]string, len(chunks))
	for i, chunk := range chunks {
		out[i] = chunk.Text
	}

	return out
}

// appendParagraph packs one paragraph into chunks, preferring sentence
// boundaries and packing greedily up to the budget.
func (c *Chunker) appendParagraph(pieces []Chunk, paragraph string) []Chunk {
	paragraph = strings.ReplaceAll(paragraph, "\n", " ")

	if utf8.RuneCountInString(paragraph) <= c.maxChunkChars {
		return append(pieces, Chunk{Index: 0, Text: paragraph, ParagraphEnd: false})
	}

	var builder strings.Builder

	flush := func() {
		if builder.Len() > 0 {
			pieces = append(pieces, Chunk{
				Index:        0,
				Text:         builder.String(),
				ParagraphEnd: false,
			})
			builder.Reset()
		}
	}

	for _, sentence := range splitSentences(paragraph) {
		sentenceLen := utf8.RuneCountInString(sentence)
		currentLen := utf8.RuneCountInString(builder.String())

		switch {
		case sentenceLen > c.maxChunkChars:
			// The sentence alone overflows the budget; fall back to
			// whitespace packing.
			flush()

			for _, part := range c.packWords(sentence) {
				pieces = append(pieces, Chunk{
					Index:        0,
					Text:         part,
					ParagraphEnd: false,
				})
			}
		case builder.Len() > 0 && currentLen+1+sentenceLen > c.maxChunkChars:
			flush()

			builder.WriteString(sentence)
		default:
			if builder.Len() > 0 {
				builder.WriteString(" ")
			}

			builder.WriteString(sentence)
		}
	}

	flush()

	return pieces
}

// packWords packs the words of an oversized sentence into budget-sized
// chunks, hard-cutting any single word that itself exceeds the budget.
func (c *Chunker) packWords(sentence string) []string {
	var (
		out     []string
		builder strings.Builder
	)

	flush := func() {
		if builder.Len() > 0 {
			out = append(out, builder.String())
			builder.Reset()
		}
	}

	for _, word := range strings.Fields(sentence) {
		wordLen := utf8.RuneCountInString(word)
		currentLen := utf8.RuneCountInString(builder.String())

		if wordLen > c.maxChunkChars {
			flush()

			out = append(out, c.hardCut(word)...)

			continue
		}

		if builder.Len() > 0 && currentLen+1+wordLen > c.maxChunkChars {
			flush()
		}

		if builder.Len() > 0 {
			builder.WriteString(" ")
		}

		builder.WriteString(word)
	}

	flush()

	return out
}

// hardCut slices a single oversized word at rune boundaries. This is the
// only case where a chunk boundary may fall inside a word; without it an
// unbreakable run of characters would stall the pipeline.
func (c *Chunker) hardCut(word string) []string {
	var out []string

	runes := []rune(word)
	for len(runes) > 0 {
		n := min(len(runes), c.maxChunkChars)
		out = append(out, string(runes[:n]))
		runes = runes[n:]
	}

	return out
}

// splitSentences splits a paragraph at terminal punctuation followed by
// whitespace. Closing quotes stay attached to their sentence.
func splitSentences(paragraph string) []string {
	var (
		out   []string
		start int
	)

	runes := []rune(paragraph)
	for i := 0; i < len(runes); i++ {
		if !isTerminal(runes[i]) {
			continue
		}

		// Consume any run of terminal punctuation and closing quotes.
		j := i
		for j+1 < len(runes) && (isTerminal(runes[j+1]) || runes[j+1] == '"' || runes[j+1] == '\'') {
			j++
		}

		if j+1 >= len(runes) || runes[j+1] == ' ' {
			sentence := strings.TrimSpace(string(runes[start : j+1]))
			if sentence != "" {
				out = append(out, sentence)
			}

			start = j + 1
		}

		i = j
	}

	if tail := strings.TrimSpace(string(runes[start:])); tail != "" {
		out = append(out, tail)
	}

	return out
}

func isTerminal(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}
