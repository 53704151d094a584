package message

import (
	"strings"
	"testing"
)

func TestParseCommandOnly(t *testing.T) {
	m, err := Parse("LOCKREADY\n")
	if err != nil {
		t.Fatalf("expected parse to succeed, got %v", err)
	}
	if m.Command() != "LOCKREADY" {
		t.Fatalf("expected command LOCKREADY, got %q", m.Command())
	}
	if m.Addressed() {
		t.Fatalf("expected unaddressed message")
	}
	if len(m.ParamNames()) != 0 {
		t.Fatalf("expected no parameters, got %v", m.ParamNames())
	}
}

func TestParseAddressedWithParams(t *testing.T) {
	line := "alpha:bakerd>beta:bakerd LOCKENTERING key=alpha/1230/4321;object_name=cargo;timeout=1693345678"
	m, err := Parse(line)
	if err != nil {
		t.Fatalf("expected parse to succeed, got %v", err)
	}
	fs, fv := m.From()
	if fs != "alpha" || fv != "bakerd" {
		t.Fatalf("expected source alpha:bakerd, got %s:%s", fs, fv)
	}
	ts, tv := m.To()
	if ts != "beta" || tv != "bakerd" {
		t.Fatalf("expected destination beta:bakerd, got %s:%s", ts, tv)
	}
	if m.Command() != CmdLockEntering {
		t.Fatalf("expected command %s, got %q", CmdLockEntering, m.Command())
	}
	if v, ok := m.Get(ParamObjectName); !ok || v != "cargo" {
		t.Fatalf("expected object_name=cargo, got %q (present=%v)", v, ok)
	}
	if n, err := m.Int64(ParamTimeout); err != nil || n != 1693345678 {
		t.Fatalf("expected timeout 1693345678, got %d (%v)", n, err)
	}
	out, err := m.Marshal()
	if err != nil {
		t.Fatalf("expected marshal to succeed, got %v", err)
	}
	if out != line {
		t.Fatalf("expected round-trip %q, got %q", line, out)
	}
}

func TestMarshalSortsParameters(t *testing.T) {
	m := New(CmdLock)
	m.Set(ParamTimeout, "5")
	m.Set(ParamObjectName, "cargo")
	m.Set(ParamDuration, "10")
	out, err := m.Marshal()
	if err != nil {
		t.Fatalf("expected marshal to succeed, got %v", err)
	}
	want := "LOCK duration=10;object_name=cargo;timeout=5"
	if out != want {
		t.Fatalf("expected %q, got %q", want, out)
	}
}

func TestEscapedValuesRoundTrip(t *testing.T) {
	values := []string{
		`plain`,
		`semi;colon`,
		`eq=uals`,
		`back\slash`,
		"new\nline",
		"carriage\rreturn",
		`all\;of=it` + "\n\r" + `\\`,
		`spaces and >arrows< are fine`,
	}
	for _, v := range values {
		m := New(CmdDebug)
		m.Set(ParamMessage, v)
		line, err := m.Marshal()
		if err != nil {
			t.Fatalf("value %q: expected marshal to succeed, got %v", v, err)
		}
		if strings.ContainsAny(line, "\n\r") {
			t.Fatalf("value %q: serialized line contains raw line break: %q", v, line)
		}
		back, err := Parse(line)
		if err != nil {
			t.Fatalf("value %q: expected reparse to succeed, got %v", v, err)
		}
		if got, _ := back.Get(ParamMessage); got != v {
			t.Fatalf("expected value %q to round-trip, got %q", v, got)
		}
	}
}

func TestParseRejectsMalformedLines(t *testing.T) {
	lines := []string{
		"",
		"   ",
		"lock",
		"9LOCK",
		"alpha:bakerd>beta:bakerd",
		"alpha>beta LOCK",
		"al pha:x>beta:y LOCK",
		"LOCK object_name",
		"LOCK =cargo",
		"LOCK 9name=x",
		"LOCK a=1;a=2",
		`LOCK a=bad\qescape`,
		`LOCK a=dangling\`,
	}
	for _, line := range lines {
		if m, err := Parse(line); err == nil {
			t.Fatalf("expected parse of %q to fail, got %v", line, m)
		}
	}
}

func TestParseAcceptsTrailingUnderscoreDigits(t *testing.T) {
	m, err := Parse("GETMAXTICKET_2 v=1")
	if err != nil {
		t.Fatalf("expected parse to succeed, got %v", err)
	}
	if m.Command() != "GETMAXTICKET_2" {
		t.Fatalf("expected command GETMAXTICKET_2, got %q", m.Command())
	}
}

func TestBroadcastDestination(t *testing.T) {
	m := New(CmdLockEntering)
	m.SetFrom("alpha", "bakerd")
	m.SetTo(Broadcast, "bakerd")
	line, err := m.Marshal()
	if err != nil {
		t.Fatalf("expected marshal to succeed, got %v", err)
	}
	back, err := Parse(line)
	if err != nil {
		t.Fatalf("expected reparse to succeed, got %v", err)
	}
	if ts, _ := back.To(); ts != Broadcast {
		t.Fatalf("expected broadcast destination, got %q", ts)
	}
}

func TestInt64Errors(t *testing.T) {
	m := New(CmdLock)
	if _, err := m.Int64(ParamTimeout); err == nil {
		t.Fatalf("expected error for missing parameter")
	}
	m.Set(ParamTimeout, "soon")
	if _, err := m.Int64(ParamTimeout); err == nil {
		t.Fatalf("expected error for non-integer parameter")
	}
	m.SetInt64(ParamTimeout, -7)
	if n, err := m.Int64(ParamTimeout); err != nil || n != -7 {
		t.Fatalf("expected -7, got %d (%v)", n, err)
	}
}

func TestReplyAddressesSource(t *testing.T) {
	m, err := Parse("alpha:websrv>beta:bakerd LOCK object_name=cargo")
	if err != nil {
		t.Fatalf("expected parse to succeed, got %v", err)
	}
	reply := m.Reply(CmdLocked)
	ts, tv := reply.To()
	if ts != "alpha" || tv != "websrv" {
		t.Fatalf("expected reply addressed to alpha:websrv, got %s:%s", ts, tv)
	}
	if reply.Command() != CmdLocked {
		t.Fatalf("expected command LOCKED, got %q", reply.Command())
	}
}

func TestCloneIsIndependent(t *testing.T) {
	m := New(CmdLock)
	m.SetFrom("alpha", "websrv")
	m.Set(ParamObjectName, "cargo")
	dup := m.Clone()
	dup.Set(ParamObjectName, "other")
	dup.SetTo("beta", "bakerd")
	if v, _ := m.Get(ParamObjectName); v != "cargo" {
		t.Fatalf("expected original to keep object_name=cargo, got %q", v)
	}
	if m.Addressed() && func() bool { ts, _ := m.To(); return ts != "" }() {
		t.Fatalf("expected original destination to stay empty")
	}
	if !m.Equal(m.Clone()) {
		t.Fatalf("expected clone to compare equal to its source")
	}
	if m.Equal(dup) {
		t.Fatalf("expected mutated clone to compare unequal")
	}
}

func TestMutationInvalidatesCachedLine(t *testing.T) {
	m := New(CmdStatus)
	first, err := m.Marshal()
	if err != nil {
		t.Fatalf("expected marshal to succeed, got %v", err)
	}
	m.Set(ParamService, "bakerd")
	second, err := m.Marshal()
	if err != nil {
		t.Fatalf("expected marshal to succeed, got %v", err)
	}
	if first == second {
		t.Fatalf("expected serialized form to change after mutation, got %q twice", first)
	}
	if !strings.Contains(second, "service=bakerd") {
		t.Fatalf("expected new parameter in %q", second)
	}
}

func TestMarshalRejectsInvalidCommand(t *testing.T) {
	m := New("not-a-command")
	if _, err := m.Marshal(); err == nil {
		t.Fatalf("expected marshal to fail for lowercase command")
	}
	if !strings.HasPrefix(m.String(), "!invalid(") {
		t.Fatalf("expected diagnostic String form, got %q", m.String())
	}
}
