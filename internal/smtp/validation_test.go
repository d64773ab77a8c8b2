package smtp

import (
	"strings"
	"testing"

	"pgregory.net/rapid"
)

// TestProperty_WellFormedAddressesValidate generates addresses that satisfy
// every RFC 5321 length/shape constraint ValidateEmailAddress enforces and
// checks they're accepted. The address regex allows dots anywhere in the
// local part, so leading, trailing and double dots are accepted too.
func TestProperty_WellFormedAddressesValidate(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		localPartChars := "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789.!#$%&'*+/=?^_`{|}~-"
		domainChars := "abcdefghijklmnopqrstuvwxyz0123456789"

		localPartLen := rapid.IntRange(1, 64).Draw(t, "localPartLen")
		localPart := rapid.StringOfN(rapid.RuneFrom([]rune(localPartChars)), localPartLen, localPartLen, -1).Draw(t, "localPart")

		domainLabelLen := rapid.IntRange(1, 20).Draw(t, "domainLabelLen")
		domainLabel := rapid.StringOfN(rapid.RuneFrom([]rune(domainChars)), domainLabelLen, domainLabelLen, -1).Draw(t, "domainLabel")

		tldLen := rapid.IntRange(2, 6).Draw(t, "tldLen")
		tld := rapid.StringOfN(rapid.RuneFrom([]rune("abcdefghijklmnopqrstuvwxyz")), tldLen, tldLen, -1).Draw(t, "tld")

		domain := domainLabel + "." + tld
		addr := localPart + "@" + domain

		if len(addr) <= 320 && len(localPart) <= 64 && len(domain) <= 255 {
			if !ValidateEmailAddress(addr) {
				t.Errorf("well-formed address failed validation: %s", addr)
			}
		}
	})
}

// TestProperty_MalformedAddressesRejected covers the shapes ValidateEmailAddress
// must always reject: no "@", more than one "@", an empty side of "@", or a
// part over its RFC 5321 length bound.
func TestProperty_MalformedAddressesRejected(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		shape := rapid.IntRange(0, 6).Draw(t, "shape")

		var addr string
		switch shape {
		case 0:
			addr = rapid.StringMatching(`[a-z]{5,10}`).Draw(t, "noAt")
		case 1:
			addr = rapid.StringMatching(`[a-z]{3}@[a-z]{3}@[a-z]{3}\.[a-z]{2}`).Draw(t, "doubleAt")
		case 2:
			addr = "@" + rapid.StringMatching(`[a-z]{5}\.[a-z]{2}`).Draw(t, "emptyLocal")
		case 3:
			addr = rapid.StringMatching(`[a-z]{5}`).Draw(t, "emptyDomain") + "@"
		case 4:
			addr = strings.Repeat("a", 65) + "@example.com"
		case 5:
			addr = strings.Repeat("a", 64) + "@" + strings.Repeat("a", 257)
		case 6:
			addr = ""
		}

		if ValidateEmailAddress(addr) {
			t.Errorf("malformed address should be rejected: %q", addr)
		}
	})
}

func TestValidateEmailAddressAcceptsKnownGoodAddresses(t *testing.T) {
	addrs := []string{
		"simple@example.com",
		"very.common@example.com",
		"disposable.style.email.with+symbol@example.com",
		"other.email-with-hyphen@example.com",
		"fully-qualified-domain@example.com",
		"user.name+tag+sorting@example.com",
		"x@example.com",
		"example-indeed@strange-example.com",
		"test@test.co.uk",
		"user@subdomain.example.com",
	}
	for _, addr := range addrs {
		if !ValidateEmailAddress(addr) {
			t.Errorf("expected %s to validate", addr)
		}
	}
}

func TestValidateEmailAddressRejectsKnownBadAddresses(t *testing.T) {
	addrs := []string{
		"",
		"plainaddress",
		"@no-local-part.com",
		"missing-domain@",
		"two@@at.com",
		strings.Repeat("a", 65) + "@example.com",
	}
	for _, addr := range addrs {
		if ValidateEmailAddress(addr) {
			t.Errorf("expected %s to be rejected", addr)
		}
	}
}

func TestValidateHeaderValueRejectsCRLFInjection(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantValid bool
		wantTrunc bool
	}{
		{name: "ordinary value", input: "Normal header value", wantValid: true},
		{name: "crlf injected header", input: "Value\r\nBcc: attacker@evil.com", wantValid: false},
		{name: "bare CR", input: "Value\rBcc: attacker@evil.com", wantValid: false},
		{name: "bare LF", input: "Value\nBcc: attacker@evil.com", wantValid: false},
		{name: "over-length value truncated", input: strings.Repeat("a", 1500), wantValid: true, wantTrunc: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, valid := ValidateHeaderValue(tt.input)
			if valid != tt.wantValid {
				t.Errorf("valid = %v, want %v", valid, tt.wantValid)
			}
			if tt.wantTrunc && len(result) != 1000 {
				t.Errorf("expected truncation to 1000 octets, got %d", len(result))
			}
		})
	}
}

func TestSanitizeHeaderValueCollapsesLineBreaks(t *testing.T) {
	tests := []struct {
		name, input, want string
	}{
		{name: "unchanged", input: "Normal value", want: "Normal value"},
		{name: "crlf collapsed", input: "Value\r\nInjected", want: "Value Injected"},
		{name: "cr collapsed", input: "Value\rInjected", want: "Value Injected"},
		{name: "lf collapsed", input: "Value\nInjected", want: "Value Injected"},
		{name: "truncated", input: strings.Repeat("a", 1500), want: strings.Repeat("a", 1000)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeHeaderValue(tt.input); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestValidateBodyOctetsBinarymimeAllowsAnything(t *testing.T) {
	body := []byte{0x00, 0xff, 'a', 0x00}
	if err := validateBodyOctets(body, BodyBINARYMIME); err != nil {
		t.Errorf("BINARYMIME should permit arbitrary octets, got %v", err)
	}
}

func TestValidateBodyOctets8bitmimeRejectsNULButAllowsHighBit(t *testing.T) {
	if err := validateBodyOctets([]byte("hello \xc3\xa9 world"), Body8BITMIME); err != nil {
		t.Errorf("8BITMIME should permit high-bit octets, got %v", err)
	}
	if err := validateBodyOctets([]byte("hello\x00world"), Body8BITMIME); err == nil {
		t.Error("8BITMIME should reject a NUL octet")
	}
}

func TestValidateBodyOctets7bitRejectsHighBitAndNUL(t *testing.T) {
	if err := validateBodyOctets([]byte("plain ascii body"), Body7BIT); err != nil {
		t.Errorf("plain ASCII should pass 7BIT validation, got %v", err)
	}
	if err := validateBodyOctets([]byte("hello \xc3\xa9 world"), Body7BIT); err == nil {
		t.Error("7BIT should reject an octet above 127")
	}
	if err := validateBodyOctets([]byte("hello\x00world"), Body7BIT); err == nil {
		t.Error("7BIT should reject a NUL octet")
	}
}

func TestValidateBodyOctetsRejectsOverlongLine(t *testing.T) {
	line := strings.Repeat("a", maxLineOctets+1)
	if err := validateBodyOctets([]byte(line), Body7BIT); err == nil {
		t.Error("a line over 998 octets should be rejected even under 7BIT")
	}
}
