package restore

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// StatementReader splits a dump into executable statements, one line at a time.
//
// A line is trimmed of leading whitespace and dropped when it is blank or starts with "--" or
// "#". Lines that do not end with ";" are buffered; the first line ending with ";" completes
// the statement. Buffered lines are joined with a line break so tokens on adjacent lines never
// merge.
type StatementReader struct {
	r        *bufio.Reader
	buf      []string
	line     int
	dangling string
	err      error
	done     bool
}

// NewStatementReader returns a StatementReader over r.
func NewStatementReader(r io.Reader) *StatementReader {
	return &StatementReader{r: bufio.NewReader(r)}
}

// Next returns the next complete statement with its string-literal escapes restored. It
// returns false at end of input or on a read error; check Err afterwards.
func (s *StatementReader) Next() (string, bool) {
	for !s.done {
		raw, err := s.r.ReadString('\n')
		if err != nil {
			s.done = true
			if !errors.Is(err, io.EOF) {
				s.err = err
				return "", false
			}
		}
		if raw == "" && s.done {
			break
		}
		s.line++

		line := strings.TrimRight(strings.TrimLeft(raw, " \t\f\v"), "\r\n")
		if line == "" || strings.HasPrefix(line, "--") || strings.HasPrefix(line, "#") {
			continue
		}

		if !strings.HasSuffix(line, ";") {
			s.buf = append(s.buf, line)
			continue
		}

		stmt := line
		if len(s.buf) > 0 {
			stmt = strings.Join(append(s.buf, line), "\n")
			s.buf = s.buf[:0]
		}
		return UnescapeLineBreaks(stmt), true
	}

	if len(s.buf) > 0 {
		s.dangling = strings.Join(s.buf, "\n")
		s.buf = nil
	}
	return "", false
}

// Err returns the read error that stopped Next, if any.
func (s *StatementReader) Err() error {
	return s.err
}

// Dangling returns the unterminated fragment left at end of input. It is only set once Next
// has returned false.
func (s *StatementReader) Dangling() string {
	return s.dangling
}

// Lines returns the number of lines consumed so far.
func (s *StatementReader) Lines() int {
	return s.line
}

// UnescapeLineBreaks replaces the two-character sequence `\n` with a real line break inside
// quoted string literals. Other escapes, including `\\`, are left for the server, and text
// outside literals or inside backtick identifiers is untouched.
func UnescapeLineBreaks(stmt string) string {
	if !strings.Contains(stmt, `\n`) {
		return stmt
	}

	var b strings.Builder
	b.Grow(len(stmt))

	var quote byte
	for i := 0; i < len(stmt); i++ {
		c := stmt[i]

		switch {
		case quote == 0:
			if c == '\'' || c == '"' || c == '`' {
				quote = c
			}
			b.WriteByte(c)

		case c == '\\' && quote != '`' && i+1 < len(stmt):
			if stmt[i+1] == 'n' {
				b.WriteByte('\n')
			} else {
				b.WriteByte(c)
				b.WriteByte(stmt[i+1])
			}
			i++

		case c == quote:
			// A doubled quote stays inside the literal.
			if i+1 < len(stmt) && stmt[i+1] == quote {
				b.WriteByte(c)
				b.WriteByte(c)
				i++
				continue
			}
			quote = 0
			b.WriteByte(c)

		default:
			b.WriteByte(c)
		}
	}

	return b.String()
}
