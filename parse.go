package ropgen

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ParseError represents a failure to parse a line of a program.
type ParseError struct {
	Line int
	Text string
	Err  error
}

// Error returns the error message with its line context.
func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d: %q: %s", e.Line, e.Text, e.Err)
}

// Unwrap returns the underlying error.
func (e *ParseError) Unwrap() error { return e.Err }

// ParseProgram parses one instruction per line. Blank lines and text after a
// '#' are ignored.
func ParseProgram(r io.Reader) ([]*Instruction, error) {
	var program []*Instruction
	scanner := bufio.NewScanner(r)
	for lineNo := 1; scanner.Scan(); lineNo++ {
		text := scanner.Text()
		if stripComment(text) == "" {
			continue
		}

		ins, err := ParseInstruction(text)
		if err != nil {
			return nil, &ParseError{Line: lineNo, Text: strings.TrimSpace(text), Err: err}
		}
		program = append(program, ins)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return program, nil
}

// ParseInstruction parses a single line into an instruction.
func ParseInstruction(s string) (*Instruction, error) {
	a, err := ParseAction(s)
	if err != nil {
		return nil, err
	}
	return NewInstruction(a), nil
}

// ParseAction parses a line of the form "op dst[, src]".
func ParseAction(s string) (*Action, error) {
	s = stripComment(s)
	if s == "" {
		return nil, fmt.Errorf("empty instruction: %w", ErrMalformedOperand)
	}

	mnemonic, rest := s, ""
	if i := strings.IndexAny(s, " \t"); i != -1 {
		mnemonic, rest = s[:i], strings.TrimSpace(s[i+1:])
	}
	op, err := ParseOpcode(mnemonic)
	if err != nil {
		return nil, err
	}

	fields, err := splitOperands(rest)
	if err != nil {
		return nil, err
	}
	if op.IsUnary() && len(fields) != 1 {
		return nil, fmt.Errorf("%s: expected 1 operand, got %d: %w", op, len(fields), ErrMalformedOperand)
	} else if !op.IsUnary() && len(fields) != 2 {
		return nil, fmt.Errorf("%s: expected 2 operands, got %d: %w", op, len(fields), ErrMalformedOperand)
	}

	operands := make([]Operand, 2)
	for i, field := range fields {
		if operands[i], err = ParseOperand(field); err != nil {
			return nil, err
		}
	}
	return NewAction(op, operands[0], operands[1])
}

// ParseOperand parses a register, an immediate or a memory reference.
// Size annotations such as "dword ptr" are ignored.
func ParseOperand(s string) (Operand, error) {
	s = stripSize(strings.ToLower(strings.TrimSpace(s)))
	switch {
	case s == "":
		return nil, fmt.Errorf("empty operand: %w", ErrMalformedOperand)
	case strings.HasPrefix(s, "["):
		if !strings.HasSuffix(s, "]") {
			return nil, fmt.Errorf("%q: unterminated memory reference: %w", s, ErrMalformedOperand)
		}
		return parseMemory(s[1 : len(s)-1])
	case isRegisterName(s):
		return NewRegister(s), nil
	}

	imm, err := parseInt(s)
	if err != nil {
		return nil, fmt.Errorf("%q: %w", s, ErrMalformedOperand)
	}
	return NewValue(imm), nil
}

// parseMemory parses the inside of a memory reference:
// base, index*scale and displacement terms joined by '+' or '-'.
func parseMemory(s string) (*Location, error) {
	terms, err := splitSigned(s)
	if err != nil {
		return nil, err
	}

	var base, index *Location
	var scale, disp int64 = 1, 0
	for _, t := range terms {
		switch {
		case strings.Contains(t.text, "*"):
			reg, n, err := parseScaled(t.text)
			if err != nil {
				return nil, err
			} else if index != nil || t.neg {
				return nil, fmt.Errorf("[%s]: invalid index: %w", s, ErrUnsupportedAddressForm)
			}
			index, scale = reg, n

		case isRegisterName(t.text):
			if t.neg {
				return nil, fmt.Errorf("[%s]: negated register: %w", s, ErrUnsupportedAddressForm)
			} else if base == nil {
				base = NewRegister(t.text)
			} else if index == nil {
				index = NewRegister(t.text)
			} else {
				return nil, fmt.Errorf("[%s]: too many registers: %w", s, ErrUnsupportedAddressForm)
			}

		default:
			n, err := parseInt(t.text)
			if err != nil {
				return nil, fmt.Errorf("[%s]: %q: %w", s, t.text, ErrMalformedOperand)
			}
			if t.neg {
				n = -n
			}
			disp += n
		}
	}

	if base == nil && index == nil {
		return NewIndirect(NewValue(disp)), nil
	}

	var baseValue Value
	if base != nil {
		baseValue = ValueAt(base)
	}
	var indexValue *Value
	if index != nil {
		v := ValueAt(index)
		indexValue = &v
	}
	return NewMemory(baseValue, indexValue, scale, disp), nil
}

// parseScaled parses "reg*n" or "n*reg".
func parseScaled(s string) (*Location, int64, error) {
	parts := strings.Split(s, "*")
	if len(parts) != 2 {
		return nil, 0, fmt.Errorf("%q: %w", s, ErrMalformedOperand)
	}
	a, b := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
	if isRegisterName(b) {
		a, b = b, a
	}
	if !isRegisterName(a) {
		return nil, 0, fmt.Errorf("%q: missing index register: %w", s, ErrMalformedOperand)
	}

	n, err := parseInt(b)
	if err != nil {
		return nil, 0, fmt.Errorf("%q: invalid scale: %w", s, ErrMalformedOperand)
	}
	switch n {
	case 1, 2, 4, 8:
		return NewRegister(a), n, nil
	default:
		return nil, 0, fmt.Errorf("%q: invalid scale: %w", s, ErrUnsupportedAddressForm)
	}
}

type signedTerm struct {
	text string
	neg  bool
}

// splitSigned splits s on '+' and '-' and records the sign of each term.
func splitSigned(s string) ([]signedTerm, error) {
	var terms []signedTerm
	var buf strings.Builder
	neg := false
	flush := func() error {
		text := strings.TrimSpace(buf.String())
		buf.Reset()
		if text == "" {
			return fmt.Errorf("[%s]: missing term: %w", s, ErrMalformedOperand)
		}
		terms = append(terms, signedTerm{text: text, neg: neg})
		return nil
	}

	for i, c := range s {
		if c != '+' && c != '-' {
			buf.WriteRune(c)
			continue
		}

		// A leading sign applies to the first term.
		if i == 0 || strings.TrimSpace(s[:i]) == "" {
			neg = c == '-'
			continue
		}
		if err := flush(); err != nil {
			return nil, err
		}
		neg = c == '-'
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return terms, nil
}

// splitOperands splits s on commas that are not inside brackets.
func splitOperands(s string) ([]string, error) {
	if s == "" {
		return nil, nil
	}

	var fields []string
	depth, start := 0, 0
	for i, c := range s {
		switch c {
		case '[':
			depth++
		case ']':
			if depth--; depth < 0 {
				return nil, fmt.Errorf("%q: unbalanced brackets: %w", s, ErrMalformedOperand)
			}
		case ',':
			if depth == 0 {
				fields = append(fields, strings.TrimSpace(s[start:i]))
				start = i + 1
			}
		}
	}
	if depth != 0 {
		return nil, fmt.Errorf("%q: unbalanced brackets: %w", s, ErrMalformedOperand)
	}
	return append(fields, strings.TrimSpace(s[start:])), nil
}

// stripComment removes a trailing '#' comment and surrounding space.
func stripComment(s string) string {
	if i := strings.IndexByte(s, '#'); i != -1 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// stripSize removes a leading size annotation such as "dword ptr".
func stripSize(s string) string {
	for _, prefix := range []string{"byte", "word", "dword", "qword"} {
		if strings.HasPrefix(s, prefix+" ") {
			s = strings.TrimSpace(s[len(prefix):])
			break
		}
	}
	if strings.HasPrefix(s, "ptr ") || strings.HasPrefix(s, "ptr[") {
		s = strings.TrimSpace(s[len("ptr"):])
	}
	return s
}

// isRegisterName returns true if s is a valid concrete register name.
func isRegisterName(s string) bool {
	if s == "" || s[0] < 'a' || s[0] > 'z' {
		return false
	}
	for i := 1; i < len(s); i++ {
		if c := s[i]; !(c >= 'a' && c <= 'z') && !(c >= '0' && c <= '9') {
			return false
		}
	}
	return true
}

// parseInt parses a decimal or 0x-prefixed hexadecimal integer with an
// optional sign. Hexadecimal values may use the full unsigned range.
func parseInt(s string) (int64, error) {
	neg := strings.HasPrefix(s, "-")
	digits := strings.TrimPrefix(s, "-")

	var u uint64
	var err error
	if strings.HasPrefix(digits, "0x") {
		u, err = strconv.ParseUint(digits[2:], 16, 64)
	} else {
		u, err = strconv.ParseUint(digits, 10, 63)
	}
	if err != nil {
		return 0, err
	}
	if neg {
		return -int64(u), nil
	}
	return int64(u), nil
}
