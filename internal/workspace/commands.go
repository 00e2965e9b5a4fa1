package workspace

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/starford/bedrock/internal/document"
	"github.com/starford/bedrock/internal/transaction"
)

// Command builds a transaction from a document and its selection. ok is
// false when the command has nothing to do at the selection.
type Command func(st *document.State, sel transaction.Selection) (tx transaction.Transaction, ok bool)

const indentUnit = "    "

var (
	taskRe    = regexp.MustCompile(`^(\s*[-*+]\s+)\[[ xX]\]\s+(.*)$`)
	bulletRe  = regexp.MustCompile(`^(\s*[-*+]\s+)(.*)$`)
	orderedRe = regexp.MustCompile(`^(\s*)(\d{1,9})([.)])\s+(.*)$`)
	quoteRe   = regexp.MustCompile(`^(\s*>\s+)(.*)$`)
)

func command(st *document.State, label string, sel transaction.Selection, changes ...transaction.Change) transaction.Transaction {
	tx := transaction.New(st.Version(), changes...)
	tx.SelectionAfter = &sel
	tx.Origin = transaction.OriginCommand
	tx.Label = label
	return tx
}

func runeLen(s string) int { return utf8.RuneCountInString(s) }

// lineBounds returns the rune range of the line holding pos, newline excluded.
func lineBounds(st *document.State, pos int) (start, end int) {
	text := []rune(st.Text())
	pos = min(max(pos, 0), len(text))
	start = pos
	for start > 0 && text[start-1] != '\n' {
		start--
	}
	end = pos
	for end < len(text) && text[end] != '\n' {
		end++
	}
	return start, end
}

// Wrap surrounds the selection with left and right. A cursor ends up between
// them; a range collapses to a cursor after right.
func Wrap(left, right, label string) Command {
	return func(st *document.State, sel transaction.Selection) (transaction.Transaction, bool) {
		sel = sel.Clamp(st.Len())
		insert := left + st.Slice(sel.Start, sel.End) + right
		after := transaction.Cursor(sel.Start + runeLen(left))
		if !sel.IsCursor() {
			after = transaction.Cursor(sel.End + runeLen(left) + runeLen(right))
		}
		return command(st, label, after, transaction.Change{From: sel.Start, To: sel.End, Insert: insert}), true
	}
}

// AutoPair inserts a delimiter pair around the selection.
func AutoPair(left, right string) Command {
	return Wrap(left, right, "autopair")
}

// PrefixLine inserts prefix at the start of the selection's first line.
func PrefixLine(prefix, label string) Command {
	return func(st *document.State, sel transaction.Selection) (transaction.Transaction, bool) {
		sel = sel.Clamp(st.Len())
		start, _ := lineBounds(st, sel.Start)
		n := runeLen(prefix)
		after := transaction.Selection{Start: sel.Start + n, End: sel.End + n}
		return command(st, label, after, transaction.Change{From: start, To: start, Insert: prefix}), true
	}
}

// Indent inserts an indent unit at a cursor, or indents every line a range
// touches.
func Indent(st *document.State, sel transaction.Selection) (transaction.Transaction, bool) {
	sel = sel.Clamp(st.Len())
	if sel.IsCursor() {
		after := transaction.Cursor(sel.Start + len(indentUnit))
		return command(st, "indent", after, transaction.Change{From: sel.Start, To: sel.End, Insert: indentUnit}), true
	}
	return shiftBlock(st, sel, false), true
}

// Outdent removes one tab or up to four leading spaces from the cursor's
// line, or from every line a range touches.
func Outdent(st *document.State, sel transaction.Selection) (transaction.Transaction, bool) {
	sel = sel.Clamp(st.Len())
	if !sel.IsCursor() {
		return shiftBlock(st, sel, true), true
	}
	start, end := lineBounds(st, sel.Start)
	line := st.Slice(start, end)
	n := leading(line)
	if n == 0 {
		return transaction.Transaction{}, false
	}
	cursor := start
	if sel.Start-start >= n {
		cursor = sel.Start - n
	}
	return command(st, "outdent", transaction.Cursor(cursor), transaction.Change{From: start, To: end, Insert: line[n:]}), true
}

// leading is how many bytes (and runes) of indentation one outdent removes.
func leading(line string) int {
	if strings.HasPrefix(line, "\t") {
		return 1
	}
	n := 0
	for n < len(indentUnit) && n < len(line) && line[n] == ' ' {
		n++
	}
	return n
}

func shiftBlock(st *document.State, sel transaction.Selection, outdent bool) transaction.Transaction {
	start, _ := lineBounds(st, sel.Start)
	_, end := lineBounds(st, sel.End)
	lines := strings.Split(st.Slice(start, end), "\n")
	for i, l := range lines {
		if outdent {
			lines[i] = l[leading(l):]
		} else {
			lines[i] = indentUnit + l
		}
	}
	block := strings.Join(lines, "\n")
	label := "indent-block"
	if outdent {
		label = "outdent-block"
	}
	after := transaction.Selection{Start: start, End: start + runeLen(block)}
	return command(st, label, after, transaction.Change{From: start, To: end, Insert: block})
}

// ContinueBlock starts the next list item, task or quote line at a cursor.
// An empty item ends the block with a plain newline.
func ContinueBlock(st *document.State, sel transaction.Selection) (transaction.Transaction, bool) {
	sel = sel.Clamp(st.Len())
	if !sel.IsCursor() {
		return transaction.Transaction{}, false
	}
	start, end := lineBounds(st, sel.Start)
	line := st.Slice(start, end)

	var insert string
	switch {
	case taskRe.MatchString(line):
		m := taskRe.FindStringSubmatch(line)
		insert = continuation(m[2], m[1]+"[ ] ")
	case orderedRe.MatchString(line):
		m := orderedRe.FindStringSubmatch(line)
		n, err := strconv.Atoi(m[2])
		if err != nil {
			n = 0
		}
		insert = continuation(m[4], m[1]+strconv.Itoa(n+1)+m[3]+" ")
	case bulletRe.MatchString(line):
		m := bulletRe.FindStringSubmatch(line)
		insert = continuation(m[2], m[1])
	case quoteRe.MatchString(line):
		m := quoteRe.FindStringSubmatch(line)
		insert = continuation(m[2], m[1])
	default:
		return transaction.Transaction{}, false
	}
	after := transaction.Cursor(sel.Start + runeLen(insert))
	return command(st, "continue-markdown-block", after, transaction.Change{From: sel.Start, To: sel.End, Insert: insert}), true
}

func continuation(body, prefix string) string {
	if strings.TrimSpace(body) == "" {
		return "\n"
	}
	return "\n" + prefix
}

var commands = map[string]Command{
	"bold":          Wrap("**", "**", "bold"),
	"italic":        Wrap("*", "*", "italic"),
	"strikethrough": Wrap("~~", "~~", "strikethrough"),
	"highlight":     Wrap("==", "==", "highlight"),
	"code":          Wrap("`", "`", "code"),
	"math":          Wrap("$", "$", "math"),
	"comment":       Wrap("%%", "%%", "comment"),
	"wikilink":      Wrap("[[", "]]", "wikilink"),
	"heading":       PrefixLine("# ", "heading"),
	"quote":         PrefixLine("> ", "quote"),
	"bullet":        PrefixLine("- ", "bullet"),
	"task":          PrefixLine("- [ ] ", "task"),
	"indent":        Indent,
	"outdent":       Outdent,
	"continue":      ContinueBlock,
}

// Lookup returns the editing command registered under name.
func Lookup(name string) (Command, bool) {
	c, ok := commands[name]
	return c, ok
}

// CommandNames lists the registered command names in sorted order.
func CommandNames() []string {
	names := make([]string, 0, len(commands))
	for n := range commands {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
