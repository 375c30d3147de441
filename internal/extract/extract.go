// Package extract converts raw uploaded material (plain text, markdown,
// HTML pages, video transcripts) into normalized plain text for chunking.
// Binary formats that need external tooling (PDF, DOCX, PPTX) are rejected
// with ErrExtraction so the ingestion pipeline can mark the source failed
// without aborting sibling sources.
package extract

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ErrExtraction indicates the content could not be converted to text.
// Sources failing with this error are marked failed and never partially
// indexed. Check with errors.Is.
var ErrExtraction = errors.New("extraction failed")

// Kind classifies a source by its likely text format.
type Kind string

const (
	// KindText is plain text (.txt or no recognized extension).
	KindText Kind = "text"
	// KindMarkdown is markdown (.md, .markdown).
	KindMarkdown Kind = "markdown"
	// KindHTML is an HTML page (.html, .htm).
	KindHTML Kind = "html"
	// KindTranscript is a subtitle/transcript file (.vtt, .srt).
	KindTranscript Kind = "transcript"
	// KindUnsupported is a format this package cannot extract.
	KindUnsupported Kind = "unsupported"
)

// DetectKind inspects the source name (filename or URL path) and returns the
// best-effort format classification. Unknown extensions default to plain
// text so pasted transcripts and notes without an extension still ingest.
func DetectKind(name string) Kind {
	ext := strings.ToLower(filepath.Ext(name))
	switch ext {
	case "", ".txt", ".text", ".log":
		return KindText
	case ".md", ".markdown":
		return KindMarkdown
	case ".html", ".htm":
		return KindHTML
	case ".vtt", ".srt":
		return KindTranscript
	case ".pdf", ".doc", ".docx", ".ppt", ".pptx", ".xls", ".xlsx":
		return KindUnsupported
	default:
		return KindText
	}
}

// Text extracts plain text from data according to the format detected from
// name. Returns ErrExtraction (wrapped) for unsupported formats and for
// content that yields no text at all.
func Text(name string, data []byte) (string, error) {
	kind := DetectKind(name)

	var text string
	switch kind {
	case KindText, KindMarkdown:
		text = string(data)
	case KindHTML:
		text = stripTags(string(data))
	case KindTranscript:
		text = stripCues(string(data))
	case KindUnsupported:
		return "", fmt.Errorf("extract: unsupported format %q for %s: %w", filepath.Ext(name), name, ErrExtraction)
	}

	text = sanitizeUTF8(text)
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("extract: no text content in %s: %w", name, ErrExtraction)
	}
	return text, nil
}

// Normalize collapses whitespace runs to a single space and trims the
// result. A run containing a line break collapses to a single newline
// instead, so paragraph boundaries survive into chunking. Chunk boundaries
// are computed over normalized text, so this must be deterministic: the
// same input always yields the same output.
func Normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	space := false
	newline := false
	for _, r := range text {
		if unicode.IsSpace(r) {
			space = true
			if r == '\n' {
				newline = true
			}
			continue
		}
		if space && b.Len() > 0 {
			if newline {
				b.WriteByte('\n')
			} else {
				b.WriteByte(' ')
			}
		}
		space = false
		newline = false
		b.WriteRune(r)
	}
	return b.String()
}

// stripTags removes HTML tags and decodes the handful of entities that
// matter for prose. Script and style element bodies are dropped entirely.
func stripTags(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	lower := strings.ToLower(s)
	i := 0
	for i < len(s) {
		if s[i] != '<' {
			b.WriteByte(s[i])
			i++
			continue
		}
		// Skip script/style bodies up to their closing tag.
		if strings.HasPrefix(lower[i:], "<script") {
			if end := strings.Index(lower[i:], "</script>"); end >= 0 {
				i += end + len("</script>")
				continue
			}
		}
		if strings.HasPrefix(lower[i:], "<style") {
			if end := strings.Index(lower[i:], "</style>"); end >= 0 {
				i += end + len("</style>")
				continue
			}
		}
		end := strings.IndexByte(s[i:], '>')
		if end < 0 {
			break
		}
		// Block-level tags become whitespace so words don't run together.
		b.WriteByte(' ')
		i += end + 1
	}

	out := b.String()
	for entity, repl := range map[string]string{
		"&nbsp;": " ", "&amp;": "&", "&lt;": "<", "&gt;": ">",
		"&quot;": `"`, "&#39;": "'",
	} {
		out = strings.ReplaceAll(out, entity, repl)
	}
	return out
}

// stripCues removes WebVTT/SRT cue numbers, timestamps, and headers, keeping
// only the spoken text lines of a transcript.
func stripCues(s string) string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "" || trimmed == "WEBVTT":
			continue
		case strings.Contains(trimmed, "-->"):
			continue
		case isCueNumber(trimmed):
			continue
		default:
			lines = append(lines, trimmed)
		}
	}
	return strings.Join(lines, "\n")
}

// isCueNumber reports whether the line is a bare SRT cue sequence number.
func isCueNumber(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// sanitizeUTF8 replaces invalid byte sequences with the Unicode replacement
// character so downstream chunking never slices mid-rune garbage.
func sanitizeUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	return strings.ToValidUTF8(s, "�")
}
