package status

import (
	"fmt"
	"os"
	"strings"

	"github.com/mattn/go-runewidth"
)

// minTextWidth keeps very deep trees readable on narrow terminals.
const minTextWidth = 16

// Glyphs are the connector strings drawn in front of each node.
// All four strings must have the same display width.
type Glyphs struct {
	Tee   string
	Last  string
	Pipe  string
	Blank string
}

var (
	// UnicodeGlyphs draws connectors with box-drawing characters.
	UnicodeGlyphs = Glyphs{Tee: "├── ", Last: "└── ", Pipe: "│   ", Blank: "    "}

	// ASCIIGlyphs draws connectors with plain ASCII.
	ASCIIGlyphs = Glyphs{Tee: "|-- ", Last: "`-- ", Pipe: "|   ", Blank: "    "}
)

// Options controls PrettyPrint output.
type Options struct {
	// ASCII selects ASCIIGlyphs instead of UnicodeGlyphs.
	ASCII bool

	// Width is the terminal width used for wrapping. Zero disables wrapping.
	Width int
}

// UseASCII reports whether the current locale cannot display box-drawing
// characters. It follows the usual LC_ALL > LC_CTYPE > LANG precedence.
func UseASCII() bool {
	for _, env := range []string{"LC_ALL", "LC_CTYPE", "LANG"} {
		v := os.Getenv(env)
		if v == "" {
			continue
		}
		v = strings.ToLower(v)
		return !strings.Contains(v, "utf-8") && !strings.Contains(v, "utf8")
	}
	return true
}

// PrettyPrint renders a snapshot as an indented tree.
func PrettyPrint(s Snapshot, opts Options) string {
	g := UnicodeGlyphs
	if opts.ASCII {
		g = ASCIIGlyphs
	}

	var b strings.Builder
	if text := nodeText(s); text != "" {
		writeWrapped(&b, "", "", text, opts.Width)
	}
	printChildren(&b, s.Children, "", g, opts.Width)
	return b.String()
}

func printChildren(b *strings.Builder, children []Snapshot, prefix string, g Glyphs, width int) {
	for i, c := range children {
		last := i == len(children)-1

		first, next := prefix+g.Tee, prefix+g.Pipe
		if last {
			first, next = prefix+g.Last, prefix+g.Blank
		}

		writeWrapped(b, first, next, nodeText(c), width)
		printChildren(b, c.Children, next, g, width)
	}
}

// nodeText joins the message with its properties in key order.
func nodeText(s Snapshot) string {
	if len(s.Props) == 0 {
		return s.Message
	}

	pairs := make([]string, 0, len(s.Props))
	for _, k := range s.propKeys() {
		pairs = append(pairs, fmt.Sprintf("%s=%v", k, s.Props[k]))
	}

	if s.Message == "" {
		return "[" + strings.Join(pairs, " ") + "]"
	}
	return s.Message + " [" + strings.Join(pairs, " ") + "]"
}

// writeWrapped writes text after the first-line prefix, wrapping onto lines
// that start with the continuation prefix so they align under the node.
func writeWrapped(b *strings.Builder, first, next, text string, width int) {
	avail := 0
	if width > 0 {
		avail = width - runewidth.StringWidth(first)
		if avail < minTextWidth {
			avail = minTextWidth
		}
	}

	for i, line := range wrap(text, avail) {
		if i == 0 {
			b.WriteString(first)
		} else {
			b.WriteString(next)
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
}

// wrap breaks text into lines no wider than width display cells. Words longer
// than width are split. A width of zero returns the text unchanged.
func wrap(text string, width int) []string {
	if width <= 0 || runewidth.StringWidth(text) <= width {
		return []string{text}
	}

	var lines []string
	var cur strings.Builder
	curWidth := 0

	flush := func() {
		lines = append(lines, cur.String())
		cur.Reset()
		curWidth = 0
	}

	for _, word := range strings.Fields(text) {
		ww := runewidth.StringWidth(word)

		if curWidth > 0 && curWidth+1+ww <= width {
			cur.WriteByte(' ')
			cur.WriteString(word)
			curWidth += 1 + ww
			continue
		}
		if curWidth > 0 {
			flush()
		}

		for ww > width {
			head := runewidth.Truncate(word, width, "")
			if head == "" {
				break
			}
			lines = append(lines, head)
			word = word[len(head):]
			ww = runewidth.StringWidth(word)
		}
		cur.WriteString(word)
		curWidth = ww
	}
	if curWidth > 0 || len(lines) == 0 {
		flush()
	}

	return lines
}
