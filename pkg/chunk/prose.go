// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package chunk

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/kraklabs/kie/pkg/model"
)

var whitespaceRun = regexp.MustCompile(`[ \t]+`)
var sentenceBoundary = regexp.MustCompile(`(?:[.!?])\s+`)

// chunkProse is the prose path: normalize whitespace, split into
// paragraphs, pack greedily up to MaxChars, break mid-paragraph only at
// sentence boundaries when a single paragraph exceeds MaxChars, and prepend
// OverlapChars of the previous chunk to every chunk but the first.
//
// HTML input (LanguageHint == "html") is reduced to text via goquery first.
func chunkProse(in Input) []model.Chunk {
	text := in.Content
	if strings.EqualFold(in.LanguageHint, "html") || looksLikeHTML(text) {
		text = htmlToText(text)
	}
	text = normalizeWhitespace(text)
	if strings.TrimSpace(text) == "" {
		return nil
	}

	paragraphs := splitParagraphs(text)
	packed := packParagraphs(paragraphs)

	out := make([]model.Chunk, 0, len(packed))
	var prevTail string
	for _, p := range packed {
		body := p.text
		if prevTail != "" {
			body = prevTail + body
		}
		startLine, endLine := charOffsetsToLines(text, p.startOffset, p.endOffset)
		out = append(out, newChunk(in, body, startLine, endLine, "text", nil))
		prevTail = tailOverlap(p.text, OverlapChars)
	}
	return out
}

func looksLikeHTML(s string) bool {
	t := strings.TrimSpace(s)
	return strings.HasPrefix(t, "<") && (strings.Contains(t, "</") || strings.Contains(t, "/>"))
}

func htmlToText(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return html
	}
	doc.Find("script, style, noscript").Remove()
	return doc.Text()
}

func normalizeWhitespace(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = whitespaceRun.ReplaceAllString(strings.TrimRight(l, " \t"), " ")
	}
	return strings.Join(lines, "\n")
}

type paragraph struct {
	text        string
	startOffset int
	endOffset   int
}

// splitParagraphs splits on blank lines, tracking byte offsets into the
// normalized text so callers can later translate offsets back to line
// numbers (line 1 means byte offset 0).
func splitParagraphs(text string) []paragraph {
	var out []paragraph
	offset := 0
	var cur strings.Builder
	curStart := 0
	flush := func(end int) {
		trimmed := strings.TrimSpace(cur.String())
		if trimmed != "" {
			out = append(out, paragraph{text: trimmed, startOffset: curStart, endOffset: end})
		}
		cur.Reset()
	}
	lines := strings.Split(text, "\n")
	for _, l := range lines {
		if strings.TrimSpace(l) == "" {
			flush(offset)
			curStart = offset + len(l) + 1
		} else {
			if cur.Len() == 0 {
				curStart = offset
			}
			cur.WriteString(l)
			cur.WriteByte('\n')
		}
		offset += len(l) + 1
	}
	flush(offset)
	return out
}

type packed struct {
	text        string
	startOffset int
	endOffset   int
}

// packParagraphs greedily packs paragraphs into chunks targeting
// TargetChars and never exceeding MaxChars, splitting an oversized single
// paragraph at sentence boundaries.
func packParagraphs(paragraphs []paragraph) []packed {
	var out []packed
	var curParas []paragraph

	flush := func() {
		if len(curParas) == 0 {
			return
		}
		texts := make([]string, len(curParas))
		for i, p := range curParas {
			texts[i] = p.text
		}
		out = append(out, packed{
			text:        strings.Join(texts, "\n\n"),
			startOffset: curParas[0].startOffset,
			endOffset:   curParas[len(curParas)-1].endOffset,
		})
		curParas = nil
	}

	size := 0
	for _, p := range paragraphs {
		if len(p.text) > MaxChars {
			flush()
			out = append(out, splitOversizedParagraph(p)...)
			size = 0
			continue
		}
		if size > 0 && size+len(p.text) > MaxChars {
			flush()
			size = 0
		}
		curParas = append(curParas, p)
		size += len(p.text) + 2
		if size >= TargetChars {
			flush()
			size = 0
		}
	}
	flush()
	return out
}

// splitOversizedParagraph breaks a single too-large paragraph at sentence
// boundaries, packing sentences up to MaxChars per piece.
func splitOversizedParagraph(p paragraph) []packed {
	boundaries := sentenceBoundary.FindAllStringIndex(p.text, -1)
	var sentences []string
	last := 0
	for _, b := range boundaries {
		sentences = append(sentences, p.text[last:b[1]])
		last = b[1]
	}
	if last < len(p.text) {
		sentences = append(sentences, p.text[last:])
	}
	if len(sentences) == 0 {
		sentences = []string{p.text}
	}

	var out []packed
	var cur strings.Builder
	offset := p.startOffset
	pieceStart := offset
	for _, s := range sentences {
		if cur.Len() > 0 && cur.Len()+len(s) > MaxChars {
			out = append(out, packed{text: strings.TrimSpace(cur.String()), startOffset: pieceStart, endOffset: offset})
			cur.Reset()
			pieceStart = offset
		}
		cur.WriteString(s)
		offset += len(s)
	}
	if cur.Len() > 0 {
		out = append(out, packed{text: strings.TrimSpace(cur.String()), startOffset: pieceStart, endOffset: offset})
	}
	return out
}

// tailOverlap returns the last n characters of s, used as the overlap
// prefix for the following chunk.
func tailOverlap(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// charOffsetsToLines converts [start, end) byte offsets into normalized
// text into 1-based line numbers, where line 1 means byte offset 0.
func charOffsetsToLines(text string, start, end int) (startLine, endLine int) {
	if start > len(text) {
		start = len(text)
	}
	if end > len(text) {
		end = len(text)
	}
	startLine = 1 + strings.Count(text[:start], "\n")
	endLine = 1 + strings.Count(text[:end], "\n")
	if endLine < startLine {
		endLine = startLine
	}
	return startLine, endLine
}
