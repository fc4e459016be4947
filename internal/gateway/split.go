package gateway

import (
	"strings"
	"unicode/utf8"
)

const fenceClose = "\n```"

// SplitMessage cuts text into chunks of at most limit bytes so it fits a
// platform's message size cap. Cuts prefer paragraph breaks, then line
// breaks, then spaces. A chunk that ends inside a ``` fence is closed and the
// fence (with its language tag) is reopened at the start of the next chunk.
func SplitMessage(text string, limit int) []string {
	if limit <= 0 || len(text) <= limit {
		return []string{text}
	}

	var (
		chunks []string
		rest   = text
		floor  int // bytes of reopened fence at the head of rest
	)

	for len(rest) > limit {
		chunk := rest[:cutPoint(rest[:limit], floor)]
		// Every chunk starts outside a fence: either the previous one closed
		// cleanly or chunk begins with the reopened fence.
		inCode, lang := openFence(chunk)
		if inCode && len(chunk)+len(fenceClose) > limit && limit > floor+len(fenceClose) {
			chunk = rest[:cutPoint(rest[:limit-len(fenceClose)], floor)]
			inCode, lang = openFence(chunk)
		}
		rest = rest[len(chunk):]
		floor = 0

		if inCode {
			prefix := "```" + lang + "\n"
			chunk += fenceClose
			rest = prefix + rest
			floor = len(prefix)
		}
		chunks = append(chunks, chunk)
	}
	if rest != "" {
		chunks = append(chunks, rest)
	}
	return chunks
}

// cutPoint picks the best split index inside window, never at or before floor.
func cutPoint(window string, floor int) int {
	for _, sep := range []string{"\n\n", "\n", " "} {
		if i := strings.LastIndex(window, sep); i > floor {
			return i + 1
		}
	}
	// Hard cut; drop a trailing partial rune.
	cut := len(window)
	i := cut - 1
	for i > floor && !utf8.RuneStart(window[i]) {
		i--
	}
	if i > floor && !utf8.FullRuneInString(window[i:]) {
		cut = i
	}
	return cut
}

// openFence reports whether chunk ends inside a ``` fence, and its language tag.
func openFence(chunk string) (bool, string) {
	inCode, lang := false, ""
	for pos := 0; ; {
		i := strings.Index(chunk[pos:], "```")
		if i < 0 {
			return inCode, lang
		}
		at := pos + i
		if !inCode {
			after := chunk[at+3:]
			if nl := strings.IndexByte(after, '\n'); nl >= 0 {
				after = after[:nl]
			}
			lang = strings.TrimSpace(after)
		}
		inCode = !inCode
		pos = at + 3
	}
}
