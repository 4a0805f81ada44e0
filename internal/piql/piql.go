// Package piql implements the process info query language: a comma separated
// list of criteria, each of the form
//
//	category|attribute|operator[|parent]=value
//
// Categories are "process" (attributes pid, pidfile, name, basename) and
// "arg" (attribute "*", an argument index, or an argument name). Operators
// are "match" and "nomatch"; values are regular expressions that must match
// the whole attribute. When the first character of a criterion is not a
// letter it is used as the separator instead of '|'. All criteria must hold
// for a process to be selected.
package piql

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

// ErrSyntax is wrapped by every parse error.
var ErrSyntax = errors.New("piql: syntax error")

type Category string

const (
	CategoryProcess Category = "process"
	CategoryArg     Category = "arg"
)

type Operator string

const (
	OpMatch   Operator = "match"
	OpNoMatch Operator = "nomatch"
)

// Process attributes.
const (
	AttrPID      = "pid"
	AttrPIDFile  = "pidfile"
	AttrName     = "name"
	AttrBaseName = "basename"

	// AttrAnyArg selects every argument.
	AttrAnyArg = "*"
)

// Process is the minimal view of one process table entry.
type Process struct {
	PID  int32
	PPID int32
	Name string
	Args []string
}

// BaseName strips directories from Name using both separator styles.
func (p Process) BaseName() string {
	if i := strings.LastIndexAny(p.Name, `/\`); i >= 0 {
		return p.Name[i+1:]
	}
	return p.Name
}

// Criterion is one parsed condition.
type Criterion struct {
	Category  Category
	Attribute string
	Operator  Operator
	Parent    bool
	Value     string

	re *regexp.Regexp
}

func (c Criterion) String() string {
	s := fmt.Sprintf("%s|%s|%s", c.Category, c.Attribute, c.Operator)
	if c.Parent {
		s += "|parent"
	}
	return s + "=" + c.Value
}

// Query is a parsed PIQL expression.
type Query struct {
	raw      string
	criteria []Criterion
}

func (q *Query) String() string { return q.raw }

func (q *Query) Criteria() []Criterion {
	return append([]Criterion(nil), q.criteria...)
}

// Parse compiles a PIQL expression.
func Parse(s string) (*Query, error) {
	if strings.TrimSpace(s) == "" {
		return nil, fmt.Errorf("%w: empty query", ErrSyntax)
	}
	q := &Query{raw: s}
	for _, part := range splitCriteria(s) {
		c, err := parseCriterion(part)
		if err != nil {
			return nil, err
		}
		q.criteria = append(q.criteria, c)
	}
	return q, nil
}

// splitCriteria splits on commas that start a new criterion, so regular
// expressions may contain commas (e.g. "a{1,3}").
func splitCriteria(s string) []string {
	pieces := strings.Split(s, ",")
	out := make([]string, 0, len(pieces))
	for _, p := range pieces {
		if len(out) > 0 && !startsCriterion(p) {
			out[len(out)-1] += "," + p
			continue
		}
		out = append(out, p)
	}
	return out
}

func startsCriterion(s string) bool {
	s = strings.TrimLeftFunc(s, unicode.IsSpace)
	if s == "" {
		return false
	}
	if r := rune(s[0]); !unicode.IsLetter(r) {
		s = s[1:]
	}
	for _, cat := range []Category{CategoryProcess, CategoryArg} {
		if rest, ok := strings.CutPrefix(s, string(cat)); ok && rest != "" && !unicode.IsLetter(rune(rest[0])) {
			return true
		}
	}
	return false
}

func parseCriterion(s string) (Criterion, error) {
	var c Criterion
	s = strings.TrimSpace(s)
	if s == "" {
		return c, fmt.Errorf("%w: empty criterion", ErrSyntax)
	}

	sep := "|"
	if r := rune(s[0]); !unicode.IsLetter(r) {
		sep = s[:1]
		s = s[1:]
	}

	head, value, ok := strings.Cut(s, "=")
	if !ok {
		return c, fmt.Errorf("%w: %q has no value", ErrSyntax, s)
	}
	fields := strings.Split(head, sep)
	if len(fields) != 3 && len(fields) != 4 {
		return c, fmt.Errorf("%w: %q must be category%sattribute%soperator[%sparent]", ErrSyntax, head, sep, sep, sep)
	}

	c.Category = Category(strings.ToLower(fields[0]))
	c.Attribute = fields[1]
	c.Operator = Operator(strings.ToLower(fields[2]))
	c.Value = value

	if len(fields) == 4 {
		if !strings.EqualFold(fields[3], "parent") {
			return c, fmt.Errorf("%w: unknown qualifier %q", ErrSyntax, fields[3])
		}
		c.Parent = true
	}

	switch c.Operator {
	case OpMatch, OpNoMatch:
	default:
		return c, fmt.Errorf("%w: unknown operator %q", ErrSyntax, fields[2])
	}

	switch c.Category {
	case CategoryProcess:
		c.Attribute = strings.ToLower(c.Attribute)
		switch c.Attribute {
		case AttrPID, AttrName, AttrBaseName:
		case AttrPIDFile:
			// the value is a path, not a pattern
			return c, nil
		default:
			return c, fmt.Errorf("%w: unknown process attribute %q", ErrSyntax, fields[1])
		}
	case CategoryArg:
		if c.Attribute == "" {
			return c, fmt.Errorf("%w: empty argument name", ErrSyntax)
		}
	default:
		return c, fmt.Errorf("%w: unknown category %q", ErrSyntax, fields[0])
	}

	re, err := regexp.Compile(`^(?:` + value + `)$`)
	if err != nil {
		return c, fmt.Errorf("%w: bad pattern %q: %v", ErrSyntax, value, err)
	}
	c.re = re
	return c, nil
}

// Run evaluates the query against a process table and returns the matching
// entries in table order. Errors come only from reading pid files.
func (q *Query) Run(table []Process) ([]Process, error) {
	byPID := make(map[int32]*Process, len(table))
	for i := range table {
		byPID[table[i].PID] = &table[i]
	}

	selected := make([]bool, len(table))
	for i := range selected {
		selected[i] = true
	}

	for _, c := range q.criteria {
		pred, err := c.predicate()
		if err != nil {
			return nil, err
		}
		for i := range table {
			if selected[i] {
				selected[i] = c.holds(&table[i], byPID, pred)
			}
		}
	}

	var out []Process
	for i, ok := range selected {
		if ok {
			out = append(out, table[i])
		}
	}
	return out, nil
}

// Run parses and evaluates s in one step.
func Run(s string, table []Process) ([]Process, error) {
	q, err := Parse(s)
	if err != nil {
		return nil, err
	}
	return q.Run(table)
}

// predicate reports whether a process satisfies the criterion's "match"
// form. For arg criteria the second result is false when the argument does
// not exist at all.
type predicate func(p *Process) (matched, exists bool)

func (c Criterion) predicate() (predicate, error) {
	switch c.Category {
	case CategoryProcess:
		switch c.Attribute {
		case AttrPID:
			return func(p *Process) (bool, bool) {
				return c.re.MatchString(strconv.FormatInt(int64(p.PID), 10)), true
			}, nil
		case AttrName:
			return func(p *Process) (bool, bool) { return c.re.MatchString(p.Name), true }, nil
		case AttrBaseName:
			return func(p *Process) (bool, bool) { return c.re.MatchString(p.BaseName()), true }, nil
		case AttrPIDFile:
			pid, err := readPIDFile(c.Value)
			if err != nil {
				return nil, err
			}
			return func(p *Process) (bool, bool) { return p.PID == pid, true }, nil
		}
	case CategoryArg:
		return c.argPredicate(), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrSyntax, c)
}

func (c Criterion) argPredicate() predicate {
	if c.Attribute == AttrAnyArg {
		return func(p *Process) (bool, bool) {
			if len(p.Args) == 0 {
				return false, false
			}
			for _, a := range p.Args {
				if c.re.MatchString(a) {
					return true, true
				}
			}
			return false, true
		}
	}

	if idx, err := strconv.Atoi(c.Attribute); err == nil {
		return func(p *Process) (bool, bool) {
			i := idx
			if i < 0 {
				i += len(p.Args)
			}
			if i < 0 || i >= len(p.Args) {
				return false, false
			}
			return c.re.MatchString(p.Args[i]), true
		}
	}

	return func(p *Process) (bool, bool) {
		v, ok := ArgValue(p.Args, c.Attribute)
		if !ok {
			return false, false
		}
		return c.re.MatchString(v), true
	}
}

// holds applies one criterion to p.
func (c Criterion) holds(p *Process, byPID map[int32]*Process, pred predicate) bool {
	target := p
	if c.Parent {
		target = nil
		if p.PPID != p.PID {
			target = byPID[p.PPID]
		}
	}

	if c.Category == CategoryProcess {
		// nomatch is the complement of the match set
		matched := false
		if target != nil {
			matched, _ = pred(target)
		}
		if c.Operator == OpNoMatch {
			return !matched
		}
		return matched
	}

	// arg criteria need the argument to exist on the target
	if target == nil {
		return false
	}
	matched, exists := pred(target)
	if !exists {
		return false
	}
	if c.Operator == OpNoMatch {
		return !matched
	}
	return matched
}

// ArgValue finds the value of a named argument. "name=value" yields value,
// "name" followed by another argument yields that argument, and a trailing
// "name" yields "".
func ArgValue(args []string, name string) (string, bool) {
	for i, a := range args {
		if a == name {
			if i+1 < len(args) {
				return args[i+1], true
			}
			return "", true
		}
		if k, v, ok := strings.Cut(a, "="); ok && k == name {
			return v, true
		}
	}
	return "", false
}

func readPIDFile(path string) (int32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("piql: pidfile: %w", err)
	}
	pid, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("piql: pidfile %s: %w", path, err)
	}
	return int32(pid), nil
}
