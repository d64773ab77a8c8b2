// Package parser turns a raw RFC 5322 message body, as assembled by the SMTP
// DATA/BDAT path, into the structured form the message store persists: a
// decoded subject and sender, an extracted HTML/text body, and a flattened
// header map, with malformed MIME degrading to a raw-bytes fallback instead
// of rejecting the message outright (the envelope is already accepted by the
// time this package sees the body).
package parser

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

// EmailParser decodes a stored message body into its displayable parts.
type EmailParser struct{}

// NewEmailParser constructs an EmailParser.
func NewEmailParser() *EmailParser {
	return &EmailParser{}
}

// Parse decodes raw into a ParsedEmail. A malformed From/Subject/body never
// fails the whole parse; only an unreadable RFC 5322 envelope or a header
// carrying a CRLF injection attempt does.
func (p *EmailParser) Parse(raw []byte) (*ParsedEmail, error) {
	if len(raw) == 0 {
		return nil, &ParseError{Stage: "parse", Message: "empty message body", Raw: raw}
	}

	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, &ParseError{Stage: "parse", Message: fmt.Sprintf("failed to parse message: %v", err), Raw: raw}
	}

	headers, err := p.ExtractHeaders(msg)
	if err != nil {
		return nil, &ParseError{Stage: "headers", Message: fmt.Sprintf("failed to extract headers: %v", err), Raw: raw}
	}

	fromAddress, fromName := p.extractFromHeader(msg.Header.Get(HeaderFrom))
	subject := p.decodeHeader(msg.Header.Get(HeaderSubject))
	toAddress := p.extractToAddress(msg.Header.Get(HeaderTo))

	bodyHTML, bodyText, err := p.ExtractBody(msg)
	if err != nil {
		bodyHTML, bodyText = "", ""
	}

	return &ParsedEmail{
		From:       fromAddress,
		FromName:   fromName,
		To:         toAddress,
		Subject:    subject,
		BodyHTML:   bodyHTML,
		BodyText:   bodyText,
		Headers:    headers,
		SizeBytes:  int64(len(raw)),
		ReceivedAt: time.Now().UTC(),
		RawEmail:   raw,
	}, nil
}

// ExtractHeaders flattens msg.Header into a single-valued map, rejecting any
// key or value that carries a CRLF injection attempt and truncating values
// past MaxHeaderLength before MIME-decoding them.
func (p *EmailParser) ExtractHeaders(msg *mail.Message) (map[string]string, error) {
	headers := make(map[string]string)

	for key, values := range msg.Header {
		if ContainsCRLFInjection(key) {
			return nil, fmt.Errorf("CRLF injection detected in header key: %s", key)
		}

		for _, value := range values {
			if ContainsCRLFInjection(value) {
				return nil, fmt.Errorf("CRLF injection detected in header value for key: %s", key)
			}
			if len(value) > MaxHeaderLength {
				value = value[:MaxHeaderLength]
			}
			if _, exists := headers[key]; !exists {
				headers[key] = p.decodeHeader(value)
			}
		}
	}

	return headers, nil
}

func (p *EmailParser) extractFromHeader(from string) (address, name string) {
	if from == "" {
		return "", ""
	}
	from = p.decodeHeader(from)

	addr, err := mail.ParseAddress(from)
	if err != nil {
		return extractEmailFromString(from), ""
	}
	return addr.Address, addr.Name
}

func (p *EmailParser) extractToAddress(to string) string {
	if to == "" {
		return ""
	}
	to = p.decodeHeader(to)

	addrs, err := mail.ParseAddressList(to)
	if err != nil || len(addrs) == 0 {
		return extractEmailFromString(to)
	}
	return addrs[0].Address
}

// decodeHeader decodes RFC 2047 encoded words, falling back to the raw value
// when the header isn't actually encoded.
func (p *EmailParser) decodeHeader(value string) string {
	if value == "" {
		return ""
	}
	decoded, err := (&mime.WordDecoder{CharsetReader: charsetReader}).DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}

var emailInStringRE = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)

func extractEmailFromString(s string) string {
	return emailInStringRE.FindString(s)
}

// ContainsCRLFInjection reports whether s carries a literal or URL-encoded
// CR/LF, the classic header-injection vector for forging an extra header or
// SMTP command out of a single field value.
func ContainsCRLFInjection(s string) bool {
	lower := strings.ToLower(s)
	for _, pattern := range []string{"\r\n", "\r", "\n", "%0d%0a", "%0d", "%0a"} {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

// ValidateHeaderLength reports whether value is within MaxHeaderLength.
func ValidateHeaderLength(value string) bool {
	return len(value) <= MaxHeaderLength
}

// TruncateHeader clamps value to MaxHeaderLength.
func TruncateHeader(value string) string {
	if len(value) > MaxHeaderLength {
		return value[:MaxHeaderLength]
	}
	return value
}

// ExtractBody extracts the HTML and/or text part of msg, decoding each part's
// Content-Transfer-Encoding and charset before returning it. In
// multipart/alternative and multipart/mixed the last text/html and
// text/plain part found wins, a nested multipart/alternative included; other
// multipart types keep the first one found. multipart/mixed skips attachment
// parts entirely (they're persisted from the raw message, not re-extracted
// here).
func (p *EmailParser) ExtractBody(msg *mail.Message) (html, text string, err error) {
	contentType := msg.Header.Get(HeaderContentType)
	if contentType == "" {
		contentType = ContentTypePlain
	}

	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		body, readErr := io.ReadAll(msg.Body)
		if readErr != nil {
			return "", "", readErr
		}
		return "", string(body), nil
	}

	switch {
	case mediaType == ContentTypePlain:
		body, err := decodePart(msg.Body, msg.Header.Get(HeaderEncoding), params["charset"])
		if err != nil {
			return "", "", err
		}
		return "", body, nil

	case mediaType == ContentTypeHTML:
		body, err := decodePart(msg.Body, msg.Header.Get(HeaderEncoding), params["charset"])
		if err != nil {
			return "", "", err
		}
		return body, "", nil

	case mediaType == ContentTypeMultiAlt:
		return p.extractMultipartAlternative(msg.Body, params["boundary"])

	case mediaType == ContentTypeMultiMixed:
		return p.extractMultipartMixed(msg.Body, params["boundary"])

	case strings.HasPrefix(mediaType, "multipart/"):
		return p.extractMultipartGeneric(msg.Body, params["boundary"])

	default:
		body, err := io.ReadAll(msg.Body)
		if err != nil {
			return "", "", err
		}
		return "", string(body), nil
	}
}

// decodePart reads r fully, undoes its Content-Transfer-Encoding, and
// transcodes it from charset to UTF-8.
func decodePart(r io.Reader, encoding, charset string) (string, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	decoded, err := DecodeContent(raw, encoding)
	if err != nil {
		decoded = raw
	}
	converted, err := ConvertCharset(decoded, charset)
	if err != nil {
		converted = decoded
	}
	return string(converted), nil
}

func (p *EmailParser) extractMultipartAlternative(body io.Reader, boundary string) (html, text string, err error) {
	if boundary == "" {
		return "", "", fmt.Errorf("missing boundary for multipart/alternative")
	}

	reader := multipart.NewReader(body, boundary)
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return html, text, err
		}

		mediaType, params, _ := mime.ParseMediaType(part.Header.Get(HeaderContentType))
		decoded, err := decodePart(part, part.Header.Get(HeaderEncoding), params["charset"])
		if err != nil {
			continue
		}

		switch mediaType {
		case ContentTypePlain:
			text = decoded
		case ContentTypeHTML:
			html = decoded
		}
	}

	return html, text, nil
}

func (p *EmailParser) extractMultipartMixed(body io.Reader, boundary string) (html, text string, err error) {
	if boundary == "" {
		return "", "", fmt.Errorf("missing boundary for multipart/mixed")
	}

	reader := multipart.NewReader(body, boundary)
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return html, text, err
		}

		if strings.HasPrefix(part.Header.Get(HeaderDisposition), "attachment") {
			continue
		}

		mediaType, params, _ := mime.ParseMediaType(part.Header.Get(HeaderContentType))
		switch {
		case mediaType == ContentTypePlain:
			if decoded, err := decodePart(part, part.Header.Get(HeaderEncoding), params["charset"]); err == nil {
				text = decoded
			}

		case mediaType == ContentTypeHTML:
			if decoded, err := decodePart(part, part.Header.Get(HeaderEncoding), params["charset"]); err == nil {
				html = decoded
			}

		case mediaType == ContentTypeMultiAlt:
			nestedHTML, nestedText, _ := p.extractMultipartAlternative(part, params["boundary"])
			if nestedHTML != "" {
				html = nestedHTML
			}
			if nestedText != "" {
				text = nestedText
			}
		}
	}

	return html, text, nil
}

func (p *EmailParser) extractMultipartGeneric(body io.Reader, boundary string) (html, text string, err error) {
	if boundary == "" {
		return "", "", fmt.Errorf("missing boundary for multipart")
	}

	reader := multipart.NewReader(body, boundary)
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return html, text, err
		}

		mediaType, params, _ := mime.ParseMediaType(part.Header.Get(HeaderContentType))
		switch {
		case mediaType == ContentTypePlain:
			if text == "" {
				if decoded, err := decodePart(part, part.Header.Get(HeaderEncoding), params["charset"]); err == nil {
					text = decoded
				}
			}

		case mediaType == ContentTypeHTML:
			if html == "" {
				if decoded, err := decodePart(part, part.Header.Get(HeaderEncoding), params["charset"]); err == nil {
					html = decoded
				}
			}

		case mediaType == ContentTypeMultiAlt:
			nestedHTML, nestedText, _ := p.extractMultipartAlternative(part, params["boundary"])
			if nestedHTML != "" && html == "" {
				html = nestedHTML
			}
			if nestedText != "" && text == "" {
				text = nestedText
			}

		case strings.HasPrefix(mediaType, "multipart/"):
			nestedHTML, nestedText, _ := p.extractMultipartGeneric(part, params["boundary"])
			if nestedHTML != "" && html == "" {
				html = nestedHTML
			}
			if nestedText != "" && text == "" {
				text = nestedText
			}
		}
	}

	return html, text, nil
}

// ParseWithErrorRecovery parses raw and, on failure, still returns a
// ParsedEmail carrying the raw bytes so the caller can persist something
// rather than dropping the message.
func (p *EmailParser) ParseWithErrorRecovery(raw []byte) (*ParsedEmail, *ParseError) {
	if len(raw) == 0 {
		return &ParsedEmail{RawEmail: raw, ReceivedAt: time.Now().UTC()},
			&ParseError{Stage: "validation", Message: "empty message body", Raw: raw}
	}

	parsed, err := p.Parse(raw)
	if err != nil {
		parseErr, ok := err.(*ParseError)
		if !ok {
			parseErr = &ParseError{Stage: "parse", Message: err.Error(), Raw: raw}
		} else {
			parseErr.Raw = raw
		}
		return &ParsedEmail{RawEmail: raw, SizeBytes: int64(len(raw)), ReceivedAt: time.Now().UTC()}, parseErr
	}

	return parsed, nil
}

// SafeParse never returns nil and never propagates a parse error: a
// malformed message comes back as a ParsedEmail holding only the raw bytes.
// logParseError, when non-nil, is invoked with the recovery reason so the
// caller can emit a structured log entry.
func (p *EmailParser) SafeParse(raw []byte, logParseError func(*ParseError)) *ParsedEmail {
	parsed, parseErr := p.ParseWithErrorRecovery(raw)
	if parseErr != nil && logParseError != nil {
		logParseError(parseErr)
	}
	return parsed
}

// IsParseError reports whether err is a *ParseError.
func IsParseError(err error) bool {
	_, ok := err.(*ParseError)
	return ok
}

// GetParseErrorStage returns the stage at which parsing failed, or "unknown"
// for any other error type.
func GetParseErrorStage(err error) string {
	if parseErr, ok := err.(*ParseError); ok {
		return parseErr.Stage
	}
	return "unknown"
}

// RecoverRawEmail returns the raw bytes carried by a *ParseError, or nil.
func RecoverRawEmail(err error) []byte {
	if parseErr, ok := err.(*ParseError); ok {
		return parseErr.Raw
	}
	return nil
}

// DecodeContent reverses a MIME Content-Transfer-Encoding.
func DecodeContent(data []byte, encoding string) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case EncodingQuotedPrintable:
		return io.ReadAll(quotedprintable.NewReader(bytes.NewReader(data)))
	case EncodingBase64:
		return decodeBase64(data)
	default:
		// 7bit, 8bit, binary, and anything unrecognized pass through untouched.
		return data, nil
	}
}

// decodeBase64 decodes MIME base64 content, stripping the line-folding
// whitespace a wrapped base64 body carries and tolerating a missing '='
// padding, which std-encoding base64 content from real mail clients sometimes
// omits.
func decodeBase64(data []byte) ([]byte, error) {
	cleaned := bytes.Map(func(r rune) rune {
		if r == ' ' || r == '\t' || r == '\r' || r == '\n' {
			return -1
		}
		return r
	}, data)
	if len(cleaned) == 0 {
		return []byte{}, nil
	}

	decoded, err := base64StdDecode(cleaned)
	if err != nil {
		return nil, fmt.Errorf("base64 decode: %w", err)
	}
	return decoded, nil
}

func base64StdDecode(src []byte) ([]byte, error) {
	if m := len(src) % 4; m != 0 {
		src = append(append([]byte{}, src...), bytes.Repeat([]byte{'='}, 4-m)...)
	}
	dst := make([]byte, base64.StdEncoding.DecodedLen(len(src)))
	n, err := base64.StdEncoding.Decode(dst, src)
	if err != nil {
		return nil, err
	}
	return dst[:n], nil
}

// ConvertCharset transcodes data from the named MIME charset to UTF-8.
// Unrecognized charsets, and data that is already valid UTF-8, pass through
// unchanged rather than being rejected.
func ConvertCharset(data []byte, charset string) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(charset)) {
	case "", "utf-8", "utf8", "us-ascii", "ascii":
		return data, nil
	case "iso-8859-1", "latin1", "latin-1":
		return latin1ToUTF8(data), nil
	case "iso-8859-15", "latin9", "latin-9":
		return latin1ToUTF8(data), nil
	case "windows-1252", "cp1252":
		return windows1252ToUTF8(data), nil
	default:
		if utf8.Valid(data) {
			return data, nil
		}
		return data, nil
	}
}

// latin1ToUTF8 re-encodes ISO-8859-1 bytes, which map 1:1 onto the first 256
// Unicode code points, as UTF-8.
func latin1ToUTF8(data []byte) []byte {
	var out bytes.Buffer
	out.Grow(len(data))
	for _, b := range data {
		out.WriteRune(rune(b))
	}
	return out.Bytes()
}

// windows1252ToUTF8 re-encodes cp1252 bytes as UTF-8. The 0x80-0x9F range
// diverges from Latin-1 (smart quotes, em-dash, etc.); everything else is
// Latin-1-equivalent.
func windows1252ToUTF8(data []byte) []byte {
	var out bytes.Buffer
	out.Grow(len(data))
	for _, b := range data {
		if r, ok := windows1252HighRunes[b]; ok {
			out.WriteRune(r)
			continue
		}
		out.WriteRune(rune(b))
	}
	return out.Bytes()
}

// windows1252HighRunes maps the cp1252 0x80-0x9F byte range to its Unicode
// code point, where it differs from a direct Latin-1 byte-to-rune mapping.
var windows1252HighRunes = map[byte]rune{
	0x80: 0x20AC, 0x82: 0x201A, 0x83: 0x0192, 0x84: 0x201E, 0x85: 0x2026,
	0x86: 0x2020, 0x87: 0x2021, 0x88: 0x02C6, 0x89: 0x2030, 0x8A: 0x0160,
	0x8B: 0x2039, 0x8C: 0x0152, 0x8E: 0x017D, 0x91: 0x2018, 0x92: 0x2019,
	0x93: 0x201C, 0x94: 0x201D, 0x95: 0x2022, 0x96: 0x2013, 0x97: 0x2014,
	0x98: 0x02DC, 0x99: 0x2122, 0x9A: 0x0161, 0x9B: 0x203A, 0x9C: 0x0153,
	0x9E: 0x017E, 0x9F: 0x0178,
}

// charsetReader lets mime.WordDecoder fall back to ConvertCharset for any
// encoded-word charset it doesn't already know natively.
func charsetReader(charset string, input io.Reader) (io.Reader, error) {
	raw, err := io.ReadAll(input)
	if err != nil {
		return nil, err
	}
	converted, err := ConvertCharset(raw, charset)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(converted), nil
}
