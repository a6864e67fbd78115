// Package wire implements the client side of the IMAP4rev1 wire grammar
// used by SEARCH, LIST, FETCH, STORE and CAPABILITY responses: quoting of
// command arguments, date formatting, and parsing of responses into a tree
// of byte strings with literal splicing.
package wire

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Item is a node of a parsed response: either an Atom or a List.
type Item interface {
	imapItem()
}

// Atom is an undecoded byte string.
type Atom []byte

// List is a parenthesised group.
type List []Item

func (Atom) imapItem() {}
func (List) imapItem() {}

// ParseError reports a structural violation of the response grammar.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return "imap parse error: " + e.Reason
}

func parseErr(reason string) error {
	return &ParseError{Reason: reason}
}

// Quote wraps a user string in double quotes, escaping backslash and double
// quote with a backslash.
func Quote(arg string) string {
	var b strings.Builder
	b.Grow(len(arg) + 2)
	b.WriteByte('"')
	for i := 0; i < len(arg); i++ {
		c := arg[i]
		if c == '\\' || c == '"' {
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}
	b.WriteByte('"')
	return b.String()
}

// FormatDate renders t's calendar date as D-Mon-YYYY with the three-letter
// English month abbreviation and no zero padding of the day, as IMAP
// BEFORE/SINCE expect.
func FormatDate(t time.Time) string {
	return t.Format("2-Jan-2006")
}

// Parse parses one logical response line into a tree of byte strings.
// Literals are consumed verbatim, in order, one per {N} marker encountered.
// Trailing bytes after the top-level sequence are an error.
func Parse(data []byte, literals [][]byte) (List, error) {
	lits := literals
	res, rest, err := parseData(data, &lits, true)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, parseErr(fmt.Sprintf("unexpected tail %q", rest))
	}
	return res, nil
}

// parseData consumes items until end of input or an unbalanced ')', which
// closes the current group. The literals list shrinks as markers consume it.
func parseData(data []byte, lits *[][]byte, topLevel bool) (List, []byte, error) {
	acc := List{}
	res := []byte{}
	quoted := false
	i := 0
	for i < len(data) {
		c := data[i]
		if !quoted {
			switch c {
			case '"':
				if len(res) != 0 {
					return nil, nil, parseErr("unexpected quote")
				}
				quoted = true
			case ' ':
				acc = append(acc, Atom(res))
				res = []byte{}
			case '(':
				if len(res) != 0 {
					return nil, nil, parseErr("unexpected parens")
				}
				sub, rest, err := parseData(data[i+1:], lits, false)
				if err != nil {
					return nil, nil, err
				}
				acc = append(acc, sub)
				res = []byte{}
				data = rest
				i = 0
				if len(data) == 0 {
					return acc, nil, nil
				}
				if data[0] != ' ' && data[0] != ')' {
					return nil, nil, parseErr("expecting space or end parens")
				}
			case ')':
				acc = append(acc, Atom(res))
				return acc, data[i+1:], nil
			case '{':
				if len(res) != 0 {
					return nil, nil, parseErr("unexpected curly")
				}
				end := bytes.IndexByte(data[i+1:], '}')
				if end == -1 {
					return nil, nil, parseErr("expected curly")
				}
				if len(*lits) == 0 {
					return nil, nil, parseErr("literal marker without a literal")
				}
				acc = append(acc, Atom((*lits)[0]))
				*lits = (*lits)[1:]
				i += end + 2
				if i >= len(data) {
					return acc, nil, nil
				}
				if data[i] != ' ' && data[i] != ')' {
					return nil, nil, parseErr("expecting space or end parens")
				}
			default:
				res = append(res, c)
			}
		} else {
			switch c {
			case '"':
				quoted = false
			case '\\':
				i++
				if i >= len(data) {
					return nil, nil, parseErr("unfinished escape sequence")
				}
				res = append(res, data[i])
			default:
				res = append(res, c)
			}
		}
		i++
	}
	if len(res) != 0 {
		if quoted || !topLevel {
			return nil, nil, parseErr("unfinished quote or parens")
		}
		acc = append(acc, Atom(res))
	}
	return acc, nil, nil
}

// Attrs is a FETCH attribute mapping, keyed by the upper-cased attribute name.
type Attrs map[string]Item

// ParseAttrs derives an attribute mapping from a flat attribute sequence of
// even length, as returned inside a FETCH response group.
func ParseAttrs(items List) (Attrs, error) {
	if len(items)%2 != 0 {
		return nil, parseErr("data array of non-even length")
	}
	res := make(Attrs, len(items)/2)
	for i := 0; i < len(items); i += 2 {
		name, ok := items[i].(Atom)
		if !ok {
			return nil, parseErr("attribute name is not an atom")
		}
		res[strings.ToUpper(string(name))] = items[i+1]
	}
	return res, nil
}

// Bytes returns the named attribute when it is a plain byte string.
func (a Attrs) Bytes(name string) ([]byte, bool) {
	v, ok := a[name]
	if !ok {
		return nil, false
	}
	atom, ok := v.(Atom)
	if !ok {
		return nil, false
	}
	return []byte(atom), true
}

// String renders the attribute map for diagnostics.
func (a Attrs) String() string {
	names := make([]string, 0, len(a))
	for name := range a {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	b.WriteByte('{')
	first := true
	for _, name := range names {
		if !first {
			b.WriteString(", ")
		}
		first = false
		fmt.Fprintf(&b, "%s: %s", name, itemString(a[name]))
	}
	b.WriteByte('}')
	return b.String()
}

func itemString(it Item) string {
	switch v := it.(type) {
	case Atom:
		return fmt.Sprintf("%q", []byte(v))
	case List:
		var b strings.Builder
		b.WriteByte('(')
		for i, sub := range v {
			if i > 0 {
				b.WriteByte(' ')
			}
			b.WriteString(itemString(sub))
		}
		b.WriteByte(')')
		return b.String()
	}
	return "?"
}
