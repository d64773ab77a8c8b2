package smtp

import (
	"errors"
	"regexp"
	"strings"
)

// Body-type content violations (spec.md §4.5), all surfaced as 554.
var (
	errBodyContainsNUL   = errors.New("body contains a NUL octet not permitted by the declared BODY type")
	errBodyNonASCIIOctet = errors.New("body contains an octet above 127 not permitted by BODY=7BIT")
	errBodyLineTooLong   = errors.New("body contains a line exceeding 998 octets")
)

// addressFormatRE is a conservative RFC 5321 local-part/domain pattern; it
// rejects obviously malformed addresses without attempting a full grammar.
var addressFormatRE = regexp.MustCompile(`^[a-zA-Z0-9.!#$%&'*+/=?^_` + "`" + `{|}~-]+@[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(?:\.[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)*$`)

// ValidateEmailAddress reports whether email is a plausible RFC 5321 mailbox:
// a single "@", a local part of at most 64 octets, a domain of at most 255
// octets, and an overall length of at most 320 octets (§4.3's reverse/forward-path
// syntax check, applied after angle-bracket stripping).
func ValidateEmailAddress(email string) bool {
	if email == "" || len(email) > 320 {
		return false
	}

	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return false
	}
	localPart, domain := parts[0], parts[1]
	if localPart == "" || domain == "" {
		return false
	}
	if len(localPart) > 64 || len(domain) > 255 {
		return false
	}

	return addressFormatRE.MatchString(email)
}

// ValidateHeaderValue rejects a header value carrying a bare CR or LF (header
// injection via a forged extra header line) and truncates anything past 1000
// octets.
func ValidateHeaderValue(value string) (string, bool) {
	if strings.ContainsAny(value, "\r\n") {
		return "", false
	}
	if len(value) > 1000 {
		return value[:1000], true
	}
	return value, true
}

// SanitizeHeaderValue collapses CRLF/CR/LF sequences to a single space and
// truncates to 1000 octets, for call sites that would rather degrade a
// header value than drop it outright.
func SanitizeHeaderValue(value string) string {
	value = strings.ReplaceAll(value, "\r\n", " ")
	value = strings.ReplaceAll(value, "\r", " ")
	value = strings.ReplaceAll(value, "\n", " ")
	if len(value) > 1000 {
		value = value[:1000]
	}
	return value
}

// validateBodyOctets enforces spec.md §4.5's per-BODY-type content
// restriction on a completed DATA/BDAT message body:
//
//   - Body7BIT (the MAIL FROM default): every octet must be below 128, and no
//     line (CRLF-delimited) may exceed 998 octets.
//   - Body8BITMIME: octets above 127 are permitted, but NUL bytes are not,
//     and the 998-octet line cap still applies.
//   - BodyBINARYMIME: unrestricted — arbitrary octets including NUL are
//     legal, since CHUNKING delivers an opaque byte stream.
//
// A violation maps to CodeTransactionFailed (554), terminating the
// transaction rather than the connection.
func validateBodyOctets(body []byte, bodyType BodyType) error {
	if bodyType == BodyBINARYMIME {
		return nil
	}

	lineLen := 0
	for _, b := range body {
		switch b {
		case '\n':
			lineLen = 0
			continue
		case '\r':
			continue
		}
		lineLen++
		if lineLen > maxLineOctets {
			return errBodyLineTooLong
		}
		if b == 0 {
			return errBodyContainsNUL
		}
		if bodyType == Body7BIT && b > 127 {
			return errBodyNonASCIIOctet
		}
	}
	return nil
}
