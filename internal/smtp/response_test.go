package smtp

import (
	"bufio"
	"bytes"
	"fmt"
	"testing"

	"pgregory.net/rapid"
)

func TestProperty_WriteLineFormat(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		code := rapid.IntRange(200, 599).Draw(t, "code")
		text := rapid.StringMatching(`[a-zA-Z0-9 ]{0,40}`).Draw(t, "text")

		var buf bytes.Buffer
		rw := newResponseWriter(bufio.NewWriter(&buf))
		if err := rw.writeLine(code, text); err != nil {
			t.Fatalf("writeLine error: %v", err)
		}
		want := fmt.Sprintf("%d %s\r\n", code, text)
		if buf.String() != want {
			t.Errorf("writeLine output = %q, want %q", buf.String(), want)
		}
	})
}

func TestProperty_WriteMultiUsesDashExceptLastLine(t *testing.T) {
	var buf bytes.Buffer
	rw := newResponseWriter(bufio.NewWriter(&buf))
	if err := rw.writeMulti(250, []string{"mx.example", "PIPELINING", "SIZE 1000"}); err != nil {
		t.Fatalf("writeMulti error: %v", err)
	}
	want := "250-mx.example\r\n250-PIPELINING\r\n250 SIZE 1000\r\n"
	if buf.String() != want {
		t.Errorf("writeMulti output = %q, want %q", buf.String(), want)
	}
}

func TestProperty_WriteMultiSingleLineUsesSpace(t *testing.T) {
	var buf bytes.Buffer
	rw := newResponseWriter(bufio.NewWriter(&buf))
	if err := rw.writeMulti(221, []string{"Bye"}); err != nil {
		t.Fatalf("writeMulti error: %v", err)
	}
	if buf.String() != "221 Bye\r\n" {
		t.Errorf("writeMulti output = %q, want %q", buf.String(), "221 Bye\r\n")
	}
}
