package parser

import (
	"reflect"
	"testing"
)

func TestSingleLineCommand(t *testing.T) {
	p := New()
	res := p.Feed("hello\n->relay:Bob hi\n>>>\n")
	if len(res.Commands) != 1 {
		t.Fatalf("got %d commands, want 1", len(res.Commands))
	}
	cmd := res.Commands[0]
	if cmd.To != "Bob" || cmd.Body != "hi" {
		t.Errorf("cmd = %+v", cmd)
	}
}

func TestIdempotentRefeed(t *testing.T) {
	p := New()
	buf := "hello\n->relay:Bob hi\n>>>\n"
	first := p.Feed(buf)
	second := p.Feed(buf)
	if len(first.Commands) != 1 {
		t.Fatalf("first feed: %d commands", len(first.Commands))
	}
	if len(second.Commands) != 0 {
		t.Fatalf("re-feed emitted %d commands, want 0", len(second.Commands))
	}

	// Appending a fenced block emits exactly one more command.
	buf += "->relay:Bob <<<\nline1\nline2\n>>>\n"
	third := p.Feed(buf)
	if len(third.Commands) != 1 {
		t.Fatalf("third feed: %d commands, want 1", len(third.Commands))
	}
	if third.Commands[0].Body != "line1\nline2" {
		t.Errorf("fenced body = %q, want %q", third.Commands[0].Body, "line1\nline2")
	}
}

func TestFencedBody(t *testing.T) {
	p := New()
	res := p.Feed("->relay:team:core <<<\nfirst\n\nsecond\n>>>\n")
	if len(res.Commands) != 1 {
		t.Fatalf("got %d commands", len(res.Commands))
	}
	if res.Commands[0].To != "team:core" {
		t.Errorf("to = %q", res.Commands[0].To)
	}
	if res.Commands[0].Body != "first\n\nsecond" {
		t.Errorf("body = %q", res.Commands[0].Body)
	}
}

func TestUnterminatedFenceWaits(t *testing.T) {
	p := New()
	res := p.Feed("->relay:Bob <<<\npartial")
	if len(res.Commands) != 0 {
		t.Fatalf("unterminated fence emitted %d commands", len(res.Commands))
	}
	// Once the close arrives, the command emits.
	res = p.Feed("->relay:Bob <<<\npartial\n>>>\n")
	if len(res.Commands) != 1 || res.Commands[0].Body != "partial" {
		t.Fatalf("res = %+v", res.Commands)
	}
}

func TestBackslashEscape(t *testing.T) {
	p := New()
	res := p.Feed("use \\->relay:Bob hi to send\n")
	if len(res.Commands) != 0 {
		t.Errorf("escaped marker parsed as command: %+v", res.Commands)
	}
}

func TestMetadataTokens(t *testing.T) {
	p := New()
	res := p.Feed("->relay:Bob fix it now [importance=8] [replyTo=m-123] [ack]\n")
	if len(res.Commands) != 1 {
		t.Fatalf("got %d commands", len(res.Commands))
	}
	cmd := res.Commands[0]
	if cmd.Body != "fix it now" {
		t.Errorf("body = %q", cmd.Body)
	}
	if cmd.Importance != 8 || cmd.ReplyTo != "m-123" || !cmd.Ack {
		t.Errorf("meta = %+v", cmd)
	}
}

func TestSummaryBlock(t *testing.T) {
	p := New()
	buf := "[[SUMMARY]]\n{\"currentTask\":\"refactor\",\"files\":[\"a.go\",\"b.go\"]}\n[[/SUMMARY]]\n"
	res := p.Feed(buf)
	if len(res.Summaries) != 1 {
		t.Fatalf("got %d summaries", len(res.Summaries))
	}
	s := res.Summaries[0]
	if s.CurrentTask != "refactor" || !reflect.DeepEqual(s.Files, []string{"a.go", "b.go"}) {
		t.Errorf("summary = %+v", s)
	}
	// Idempotent.
	if res := p.Feed(buf); len(res.Summaries) != 0 {
		t.Error("summary re-emitted")
	}
}

func TestSessionEndBlock(t *testing.T) {
	p := New()
	res := p.Feed("[[SESSION_END]]\n{\"summary\":\"done\",\"completedTasks\":[\"t1\"]}\n[[/SESSION_END]]\n")
	if len(res.SessionEnds) != 1 {
		t.Fatalf("got %d session ends", len(res.SessionEnds))
	}
	if res.SessionEnds[0].Summary != "done" {
		t.Errorf("session end = %+v", res.SessionEnds[0])
	}
}

func TestMalformedJSONReportedOnce(t *testing.T) {
	p := New()
	buf := "[[SUMMARY]]\n{not json\n[[/SUMMARY]]\n"
	first := p.Feed(buf)
	if len(first.Errors) != 1 {
		t.Fatalf("got %d errors, want 1", len(first.Errors))
	}
	second := p.Feed(buf)
	if len(second.Errors) != 0 {
		t.Errorf("malformed block re-reported: %v", second.Errors)
	}
	// New content reports again.
	third := p.Feed(buf + "[[SUMMARY]]\n{still not json\n[[/SUMMARY]]\n")
	if len(third.Errors) != 1 {
		t.Errorf("new malformed content not reported: %v", third.Errors)
	}
}

func TestStrayFenceCloseIgnored(t *testing.T) {
	p := New()
	res := p.Feed(">>>\nnormal output\n>>>\n")
	if len(res.Commands) != 0 {
		t.Errorf("stray fences produced commands: %+v", res.Commands)
	}
}

func TestReservedVerbRecipients(t *testing.T) {
	p := New()
	res := p.Feed("->relay:spawn W1 claude fix tests\n->relay:release W1\n->relay:continuity:save now\n")
	if len(res.Commands) != 3 {
		t.Fatalf("got %d commands, want 3", len(res.Commands))
	}
	if res.Commands[0].To != "spawn" || res.Commands[1].To != "release" || res.Commands[2].To != "continuity:save" {
		t.Errorf("recipients = %v %v %v", res.Commands[0].To, res.Commands[1].To, res.Commands[2].To)
	}
}

func TestChannelAndBroadcastRecipients(t *testing.T) {
	p := New()
	res := p.Feed("->relay:* all hands\n->relay:#general shipping today\n")
	if len(res.Commands) != 2 {
		t.Fatalf("got %d commands", len(res.Commands))
	}
	if res.Commands[0].To != "*" || res.Commands[1].To != "#general" {
		t.Errorf("recipients = %+v", res.Commands)
	}
}
