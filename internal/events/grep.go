package events

import (
	"bufio"
	"regexp"
	"strconv"
	"strings"
)

const (
	maxParsedLines = 200
	maxKeptMatches = 30
)

// searchToolPattern finds a search tool invoked at the start of a command or
// after a pipe, separator or subshell.
var searchToolPattern = regexp.MustCompile(`(?:^|[\s|;&(])(git\s+grep|rg|grep|egrep|ag|ack)(?:\s|$)`)

// detectSearchTool returns the search tool a shell command runs and the
// arguments that follow it.
func detectSearchTool(command string) (tool, args string, ok bool) {
	loc := searchToolPattern.FindStringSubmatchIndex(command)
	if loc == nil {
		return "", "", false
	}
	tool = strings.Join(strings.Fields(command[loc[2]:loc[3]]), " ")
	args = command[loc[3]:]
	if end := strings.IndexAny(args, "|;&)"); end >= 0 {
		args = args[:end]
	}
	return tool, args, true
}

// valueFlags take a separate operand that is never the pattern.
var valueFlags = map[string]bool{
	"-A": true, "-B": true, "-C": true, "-f": true, "-g": true, "-j": true,
	"-m": true, "-M": true, "-t": true, "-T": true,
	"--after-context": true, "--before-context": true, "--context": true,
	"--file": true, "--glob": true, "--iglob": true, "--type": true,
	"--type-not": true, "--max-count": true, "--max-depth": true,
	"--max-columns": true, "--threads": true, "--sort": true, "--color": true,
	"--colors": true, "--encoding": true, "--include": true, "--exclude": true,
	"--exclude-dir": true, "--ignore": true, "--ignore-dir": true,
}

// toolValueFlags are value flags whose meaning depends on the tool. grep -E
// is a plain switch, rg -E names an encoding.
var toolValueFlags = map[string]map[string]bool{
	"rg":    {"-E": true},
	"grep":  {"-d": true, "-D": true},
	"egrep": {"-d": true, "-D": true},
	"ag":    {"-G": true},
}

// searchQuery returns the pattern a search command looks for, unquoted: the
// operand of -e or --regexp, else the first argument that is neither a flag
// nor a flag's value.
func searchQuery(tool, args string) string {
	toks := splitArgs(args)
	operand := func(i int) string {
		if i < len(toks) {
			return toks[i]
		}
		return ""
	}
	for i := 0; i < len(toks); i++ {
		tok := toks[i]
		if tok == "--" {
			return operand(i + 1)
		}
		if tok == "-" {
			continue
		}
		if !strings.HasPrefix(tok, "-") {
			return tok
		}
		name, value, inline := strings.Cut(tok, "=")
		if name == "-e" || name == "--regexp" {
			if inline {
				return value
			}
			return operand(i + 1)
		}
		if !inline && (valueFlags[name] || toolValueFlags[tool][name]) {
			i++
		}
	}
	return ""
}

// splitArgs splits a command line on whitespace, keeping quoted runs together.
func splitArgs(s string) []string {
	var (
		out      []string
		cur      strings.Builder
		inSingle bool
		inDouble bool
		escaped  bool
		started  bool
	)
	flush := func() {
		if started {
			out = append(out, cur.String())
		}
		cur.Reset()
		started = false
	}
	for _, r := range s {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\' && !inSingle:
			escaped = true
			started = true
		case r == '\'' && !inDouble:
			inSingle = !inSingle
			started = true
		case r == '"' && !inSingle:
			inDouble = !inDouble
			started = true
		case (r == ' ' || r == '\t' || r == '\n') && !inSingle && !inDouble:
			flush()
		default:
			cur.WriteRune(r)
			started = true
		}
	}
	flush()
	return out
}

// parseMatches reads file:line:preview lines. It scans at most maxParsedLines
// lines and keeps at most maxKeptMatches matches; count is every match parsed.
func parseMatches(output string) (matches []GrepMatch, count int) {
	sc := bufio.NewScanner(strings.NewReader(output))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for lines := 0; sc.Scan() && lines < maxParsedLines; lines++ {
		m, ok := parseMatchLine(sc.Text())
		if !ok {
			continue
		}
		count++
		if len(matches) < maxKeptMatches {
			matches = append(matches, m)
		}
	}
	return matches, count
}

func parseMatchLine(line string) (GrepMatch, bool) {
	parts := strings.SplitN(strings.TrimSpace(line), ":", 3)
	if len(parts) < 2 || parts[0] == "" {
		return GrepMatch{}, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil || n <= 0 {
		return GrepMatch{}, false
	}
	m := GrepMatch{File: parts[0], Line: n}
	if len(parts) == 3 {
		m.Preview = strings.TrimSpace(parts[2])
	}
	return m, true
}
