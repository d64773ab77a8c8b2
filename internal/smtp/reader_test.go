package smtp

import (
	"strings"
	"testing"

	"pgregory.net/rapid"
)

func TestProperty_ReadLineStripsCRLF(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		body := rapid.StringMatching(`[a-zA-Z0-9 ]{0,50}`).Draw(t, "body")
		lr := newLineReader(strings.NewReader(body + "\r\n"))
		got, err := lr.readLine()
		if err != nil {
			t.Fatalf("readLine error: %v", err)
		}
		if got != body {
			t.Errorf("readLine() = %q, want %q", got, body)
		}
	})
}

func TestProperty_ReadLineRejectsOverlongLine(t *testing.T) {
	body := strings.Repeat("a", maxLineOctets+10)
	lr := newLineReader(strings.NewReader(body + "\r\n"))
	if _, err := lr.readLine(); err != errLineTooLong {
		t.Errorf("readLine() error = %v, want errLineTooLong", err)
	}
}

func TestProperty_ReadExactReadsRequestedByteCount(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 200).Draw(t, "n")
		data := rapid.StringMatching(`[a-z]{0,200}`).Draw(t, "data")
		for len(data) < n {
			data += data + "x"
		}
		lr := newLineReader(strings.NewReader(data))
		got, err := lr.readExact(int64(n))
		if err != nil {
			t.Fatalf("readExact error: %v", err)
		}
		if string(got) != data[:n] {
			t.Errorf("readExact(%d) = %q, want %q", n, got, data[:n])
		}
	})
}

func TestProperty_ReadDataBodyTerminatesOnLoneDot(t *testing.T) {
	input := "line one\r\nline two\r\n.\r\nnot part of the message\r\n"
	lr := newLineReader(strings.NewReader(input))
	body, err := lr.readDataBody(1 << 20)
	if err != nil {
		t.Fatalf("readDataBody error: %v", err)
	}
	want := "line one\r\nline two\r\n"
	if string(body) != want {
		t.Errorf("readDataBody() = %q, want %q", body, want)
	}
}

func TestProperty_ReadDataBodyUndoesDotStuffing(t *testing.T) {
	input := "..stuffed line\r\n.normal looking\r\n.\r\n"
	lr := newLineReader(strings.NewReader(input))
	body, err := lr.readDataBody(1 << 20)
	if err != nil {
		t.Fatalf("readDataBody error: %v", err)
	}
	want := ".stuffed line\r\nnormal looking\r\n"
	if string(body) != want {
		t.Errorf("readDataBody() = %q, want %q", body, want)
	}
}

func TestProperty_ReadDataBodyEnforcesMaxSize(t *testing.T) {
	input := strings.Repeat("a", 100) + "\r\n.\r\n"
	lr := newLineReader(strings.NewReader(input))
	if _, err := lr.readDataBody(10); err != errMessageTooLarge {
		t.Errorf("readDataBody() error = %v, want errMessageTooLarge", err)
	}
}
