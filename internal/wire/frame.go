package wire

import "bytes"

// Chunk is one piece of a server response stream for a single command: a
// text fragment, optionally paired with the literal whose {N} marker the
// fragment ends with. A UID FETCH batch response arrives as an interleaved
// sequence of such chunks.
type Chunk struct {
	Text    []byte
	Literal []byte
	HasLit  bool
}

// Frame is one reassembled logical response line: the concatenated text
// pieces with {N} markers left in place, plus the literals to splice, in
// marker order.
type Frame struct {
	Line     []byte
	Literals [][]byte
}

// Reassemble groups a chunk sequence into logical response lines. Text
// pieces are concatenated until one ends with a closing parenthesis; a
// chunk carrying a literal never terminates a frame, since its text ends
// with the literal's {N} marker.
func Reassemble(chunks []Chunk) []Frame {
	var frames []Frame
	for len(chunks) > 0 {
		var line []byte
		var literals [][]byte
		for len(chunks) > 0 {
			ch := chunks[0]
			chunks = chunks[1:]
			line = append(line, ch.Text...)
			if ch.HasLit {
				literals = append(literals, ch.Literal)
				continue
			}
			if bytes.HasSuffix(ch.Text, []byte(")")) {
				break
			}
		}
		frames = append(frames, Frame{Line: line, Literals: literals})
	}
	return frames
}

// ParseFrame parses one reassembled frame.
func ParseFrame(f Frame) (List, error) {
	return Parse(f.Line, f.Literals)
}
