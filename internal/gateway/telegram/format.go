package telegram

import (
	"regexp"
	"strings"
)

var (
	htmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

	inlineCode = regexp.MustCompile("`([^`\n]+)`")
	boldText   = regexp.MustCompile(`\*\*([^*\n]+)\*\*`)
	italicText = regexp.MustCompile(`\*([^*\n]+)\*`)
	headerLine = regexp.MustCompile(`^#{1,6}\s+(.+)$`)
)

// markdownToHTML renders the Markdown subset models usually produce (fenced
// and inline code, bold, italic, headers) as Telegram HTML. Everything else
// is escaped.
func markdownToHTML(text string) string {
	var (
		out    strings.Builder
		inCode bool
		code   []string
	)
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if fence, ok := strings.CutPrefix(strings.TrimSpace(line), "```"); ok {
			if !inCode {
				inCode, code = true, code[:0]
				if lang := strings.TrimSpace(fence); lang != "" {
					out.WriteString(`<pre><code class="language-` + htmlEscaper.Replace(lang) + `">`)
				} else {
					out.WriteString("<pre><code>")
				}
				continue
			}
			out.WriteString(htmlEscaper.Replace(strings.Join(code, "\n")) + "</code></pre>")
			inCode = false
			if i < len(lines)-1 {
				out.WriteByte('\n')
			}
			continue
		}
		if inCode {
			code = append(code, line)
			continue
		}
		out.WriteString(formatLine(line))
		if i < len(lines)-1 {
			out.WriteByte('\n')
		}
	}
	if inCode {
		out.WriteString(htmlEscaper.Replace(strings.Join(code, "\n")) + "</code></pre>")
	}
	return out.String()
}

func formatLine(line string) string {
	if m := headerLine.FindStringSubmatch(line); m != nil {
		return "<b>" + htmlEscaper.Replace(strings.TrimSpace(m[1])) + "</b>"
	}

	// Code spans are cut out first so their contents are not styled.
	var b strings.Builder
	rest := line
	for {
		loc := inlineCode.FindStringSubmatchIndex(rest)
		if loc == nil {
			b.WriteString(styleText(rest))
			return b.String()
		}
		b.WriteString(styleText(rest[:loc[0]]))
		b.WriteString("<code>" + htmlEscaper.Replace(rest[loc[2]:loc[3]]) + "</code>")
		rest = rest[loc[1]:]
	}
}

func styleText(s string) string {
	s = htmlEscaper.Replace(s)
	s = boldText.ReplaceAllString(s, "<b>$1</b>")
	// Bold pairs are gone, so remaining single stars delimit italics.
	return italicText.ReplaceAllString(s, "<i>$1</i>")
}
