package document

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

var paragraphBreak = regexp.MustCompile(`\n[ \t\r]*\n`)

type piece struct {
	text   string
	offset int
}

// splitText packs consecutive paragraphs into blocks of at most maxChars bytes.
// A paragraph longer than maxChars is cut at word boundaries. Each block's
// locator is the byte offset of its first paragraph in text.
func splitText(text string, maxChars int) []Unit {
	var units []Unit
	var buf strings.Builder
	start := 0

	flush := func() {
		if buf.Len() == 0 {
			return
		}
		units = append(units, Unit{Text: buf.String(), Locator: fmt.Sprintf("offset %d", start)})
		buf.Reset()
	}

	for _, para := range paragraphs(text) {
		for _, p := range cutLong(para, maxChars) {
			if buf.Len() > 0 && buf.Len()+2+len(p.text) > maxChars {
				flush()
			}
			if buf.Len() == 0 {
				start = p.offset
			} else {
				buf.WriteString("\n\n")
			}
			buf.WriteString(p.text)
		}
	}
	flush()
	return units
}

// paragraphs returns the non-empty paragraphs of text with whitespace collapsed.
func paragraphs(text string) []piece {
	var out []piece
	prev := 0
	add := func(end int) {
		seg := text[prev:end]
		trimmed := strings.TrimLeft(seg, " \t\r\n")
		offset := prev + len(seg) - len(trimmed)
		if norm := normalizeSpace(trimmed); norm != "" {
			out = append(out, piece{text: norm, offset: offset})
		}
	}
	for _, loc := range paragraphBreak.FindAllStringIndex(text, -1) {
		add(loc[0])
		prev = loc[1]
	}
	add(len(text))
	return out
}

// cutLong splits p at spaces so no piece exceeds maxChars. Offsets are
// approximate once whitespace has been collapsed.
func cutLong(p piece, maxChars int) []piece {
	var out []piece
	text, offset := p.text, p.offset
	for len(text) > maxChars {
		cut := strings.LastIndexByte(text[:maxChars], ' ')
		if cut <= 0 {
			cut = maxChars
			for cut > 0 && !utf8.RuneStart(text[cut]) {
				cut--
			}
			if cut == 0 {
				_, size := utf8.DecodeRuneInString(text)
				cut = size
			}
		}
		out = append(out, piece{text: strings.TrimSpace(text[:cut]), offset: offset})
		rest := strings.TrimLeft(text[cut:], " ")
		offset += len(text) - len(rest)
		text = rest
	}
	if text != "" {
		out = append(out, piece{text: text, offset: offset})
	}
	return out
}

// normalizeSpace collapses runs of whitespace to single spaces.
func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
