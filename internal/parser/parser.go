// Package parser extracts the embedded command languages agents emit in
// their pane output: ->relay: sends, [[SUMMARY]] blocks, and [[SESSION_END]]
// blocks.
package parser

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

const (
	relayMarker     = "->relay:"
	fenceOpen       = "<<<"
	fenceClose      = ">>>"
	summaryOpen     = "[[SUMMARY]]"
	summaryClose    = "[[/SUMMARY]]"
	sessionEndOpen  = "[[SESSION_END]]"
	sessionEndClose = "[[/SESSION_END]]"
)

// Command is one parsed ->relay: send.
type Command struct {
	To         string
	Body       string
	Importance int
	ReplyTo    string
	Ack        bool
}

// Summary is a parsed [[SUMMARY]] block.
type Summary struct {
	CurrentTask    string   `json:"currentTask,omitempty"`
	CompletedTasks []string `json:"completedTasks,omitempty"`
	Context        string   `json:"context,omitempty"`
	Decisions      []string `json:"decisions,omitempty"`
	Files          []string `json:"files,omitempty"`
}

// SessionEnd is a parsed [[SESSION_END]] block.
type SessionEnd struct {
	Summary        string   `json:"summary"`
	CompletedTasks []string `json:"completedTasks,omitempty"`
}

// Result carries everything newly emitted by one Feed call.
type Result struct {
	Commands    []Command
	Summaries   []Summary
	SessionEnds []SessionEnd
	Errors      []string // malformed blocks, reported once per unique raw content
}

// Parser is incremental and idempotent: the pane is captured by re-read, so
// the same buffer is seen many times. Every emission is identified by a
// content hash and returned exactly once.
type Parser struct {
	seen map[string]bool
}

// New creates a Parser.
func New() *Parser {
	return &Parser{seen: make(map[string]bool)}
}

var metaTokenRe = regexp.MustCompile(`\s*\[(importance=(\d)|replyTo=([^\]\s]+)|ack)\]\s*$`)

// Feed parses the full accumulated buffer and returns only emissions not seen
// before.
func (p *Parser) Feed(buffer string) Result {
	var res Result
	lines := strings.Split(buffer, "\n")

	for i := 0; i < len(lines); i++ {
		line := lines[i]

		if idx := strings.Index(line, relayMarker); idx >= 0 {
			// A backslash before the marker escapes it: the line is literal
			// instruction text, not a command.
			if idx > 0 && line[idx-1] == '\\' {
				continue
			}
			rest := line[idx+len(relayMarker):]
			cmd, consumed, ok := p.parseCommand(rest, lines, i)
			if !ok {
				continue
			}
			i += consumed
			raw := "cmd\x00" + cmd.To + "\x00" + cmd.Body + "\x00" + cmd.ReplyTo
			if p.once(raw) {
				res.Commands = append(res.Commands, cmd)
			}
			continue
		}

		if strings.Contains(line, summaryOpen) {
			raw, body, consumed, ok := collectBlock(lines, i, summaryOpen, summaryClose)
			if !ok {
				continue // unterminated; wait for more output
			}
			i += consumed
			p.emitJSON(raw, body, &res, func(data []byte) error {
				var s Summary
				if err := json.Unmarshal(data, &s); err != nil {
					return err
				}
				res.Summaries = append(res.Summaries, s)
				return nil
			})
			continue
		}

		if strings.Contains(line, sessionEndOpen) {
			raw, body, consumed, ok := collectBlock(lines, i, sessionEndOpen, sessionEndClose)
			if !ok {
				continue
			}
			i += consumed
			p.emitJSON(raw, body, &res, func(data []byte) error {
				var s SessionEnd
				if err := json.Unmarshal(data, &s); err != nil {
					return err
				}
				res.SessionEnds = append(res.SessionEnds, s)
				return nil
			})
			continue
		}
	}
	return res
}

// parseCommand parses the text after the ->relay: marker. consumed is the
// number of extra lines swallowed by a fenced body.
func (p *Parser) parseCommand(rest string, lines []string, start int) (Command, int, bool) {
	rest = strings.TrimSpace(rest)
	sp := strings.IndexByte(rest, ' ')
	var to, tail string
	if sp < 0 {
		to, tail = rest, ""
	} else {
		to, tail = rest[:sp], strings.TrimSpace(rest[sp+1:])
	}
	if to == "" {
		return Command{}, 0, false
	}

	var cmd Command
	cmd.To = to

	if strings.TrimSpace(tail) == fenceOpen || strings.HasPrefix(tail, fenceOpen) {
		// Fenced multi-line body: everything until a line containing >>>.
		// Metadata may trail the fence opener.
		_, meta := stripMeta(strings.TrimSpace(strings.TrimPrefix(tail, fenceOpen)))
		cmd.Importance, cmd.ReplyTo, cmd.Ack = meta.importance, meta.replyTo, meta.ack

		var body []string
		for j := start + 1; j < len(lines); j++ {
			if strings.Contains(lines[j], fenceClose) {
				cmd.Body = strings.Join(body, "\n")
				return cmd, j - start, true
			}
			body = append(body, lines[j])
		}
		return Command{}, 0, false // unterminated fence
	}

	body, meta := stripMeta(tail)
	if body == "" {
		return Command{}, 0, false
	}
	cmd.Body = body
	cmd.Importance, cmd.ReplyTo, cmd.Ack = meta.importance, meta.replyTo, meta.ack
	return cmd, 0, true
}

type metaFields struct {
	importance int
	replyTo    string
	ack        bool
}

// stripMeta peels trailing [importance=..] [replyTo=..] [ack] tokens off a
// body.
func stripMeta(body string) (string, metaFields) {
	var m metaFields
	for {
		loc := metaTokenRe.FindStringSubmatch(body)
		if loc == nil {
			return strings.TrimSpace(body), m
		}
		switch {
		case loc[2] != "":
			m.importance, _ = strconv.Atoi(loc[2])
		case loc[3] != "":
			m.replyTo = loc[3]
		default:
			m.ack = true
		}
		body = body[:len(body)-len(loc[0])]
	}
}

// collectBlock gathers the text between open and close markers, which may sit
// on the same line or span several.
func collectBlock(lines []string, start int, openMark, closeMark string) (raw, body string, consumed int, ok bool) {
	first := lines[start]
	idx := strings.Index(first, openMark)
	after := first[idx+len(openMark):]

	if end := strings.Index(after, closeMark); end >= 0 {
		inner := after[:end]
		return openMark + inner + closeMark, inner, 0, true
	}

	parts := []string{after}
	for j := start + 1; j < len(lines); j++ {
		if end := strings.Index(lines[j], closeMark); end >= 0 {
			parts = append(parts, lines[j][:end])
			inner := strings.Join(parts, "\n")
			return openMark + inner + closeMark, inner, j - start, true
		}
		parts = append(parts, lines[j])
	}
	return "", "", 0, false
}

// emitJSON decodes a block body once per unique raw content; malformed JSON
// is reported once and then ignored until new content appears.
func (p *Parser) emitJSON(raw, body string, res *Result, decode func([]byte) error) {
	if !p.once(raw) {
		return
	}
	if err := decode([]byte(strings.TrimSpace(body))); err != nil {
		res.Errors = append(res.Errors, "malformed block: "+err.Error())
	}
}

// once records a content hash and reports whether it is new.
func (p *Parser) once(raw string) bool {
	sum := sha256.Sum256([]byte(raw))
	key := hex.EncodeToString(sum[:16])
	if p.seen[key] {
		return false
	}
	p.seen[key] = true
	return true
}
