package migration

import (
	"regexp"
	"strings"
)

type splitState int

const (
	// stateTopLevel: a line ending in ";" closes the current statement.
	stateTopLevel splitState = iota
	// stateInBlock: inside a dollar-quoted body; ";" is part of the body.
	stateInBlock
)

// blockOpen finds the dollar quote that starts an anonymous DO block or a
// function body (AS $$ / AS $fn$).
var blockOpen = regexp.MustCompile(`(?i)\b(?:DO|AS)\s+(\$[A-Za-z_0-9]*\$)`)

type splitter struct {
	state      splitState
	tag        string // dollar-quote delimiter of the open block, e.g. "$$" or "$body$"
	buf        strings.Builder
	statements []string
}

// Split breaks a script into executable statements. Outside a dollar-quoted
// block a line whose trimmed text ends in ";" ends a statement. Inside one,
// lines accumulate until a line closes the same tag, so procedural bodies with
// their own semicolons stay whole. Trailing text without a terminator becomes
// the last statement. Statements made only of whitespace and "--" comments are
// dropped.
func Split(script string) []string {
	s := &splitter{}
	for _, line := range strings.Split(script, "\n") {
		s.feed(strings.TrimRight(line, "\r"))
	}
	s.flush()
	return s.statements
}

func (s *splitter) feed(line string) {
	s.buf.WriteString(line)
	s.buf.WriteByte('\n')

	switch s.state {
	case stateTopLevel:
		code := stripComment(line)
		if loc := blockOpen.FindStringSubmatchIndex(code); loc != nil {
			s.tag = code[loc[2]:loc[3]]
			// Count delimiters from the opening one on; an even count means the
			// body also closed on this line.
			if strings.Count(code[loc[2]:], s.tag)%2 == 1 {
				s.state = stateInBlock
				return
			}
		}
		if endsStatement(line) {
			s.flush()
		}

	case stateInBlock:
		if strings.Count(line, s.tag)%2 == 1 {
			s.state = stateTopLevel
			s.tag = ""
			if endsStatement(line) {
				s.flush()
			}
		}
	}
}

// stripComment drops a trailing "--" comment. A "--" inside a quoted literal
// is not recognized.
func stripComment(line string) string {
	if i := strings.Index(line, "--"); i >= 0 {
		return line[:i]
	}
	return line
}

func endsStatement(line string) bool {
	return strings.HasSuffix(strings.TrimSpace(line), ";")
}

func (s *splitter) flush() {
	stmt := strings.TrimSpace(s.buf.String())
	s.buf.Reset()
	if stmt == "" || onlyComments(stmt) {
		return
	}
	s.statements = append(s.statements, stmt)
}

func onlyComments(stmt string) bool {
	for _, line := range strings.Split(stmt, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "--") {
			return false
		}
	}
	return true
}
