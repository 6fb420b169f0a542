// Copyright 2020 lesismal. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package wire

import "strings"

// Character-class predicates for the RFC 9110/9112 productions this
// parser needs: tchar (token), OWS (optional whitespace), VCHAR
// (visible), obs-text, field-content, qdtext/quoted-pair, and CRLF.
// Tables are [256]bool arrays computed once in init, following nbio's
// tokenCharMap/hexCharMap idiom.
var (
	tokenCharMap       [256]bool
	wsCharMap          [256]bool
	visibleCharMap     [256]bool
	obsTextCharMap     [256]bool
	fieldContentMap    [256]bool
	qdtextCharMap      [256]bool
	hexCharMap         [256]bool
	numCharMap         [256]bool
	alphaCharMap       [256]bool
	validMethodCharMap [256]bool
)

var validMethods = map[string]bool{
	"GET":     true,
	"HEAD":    true,
	"POST":    true,
	"PUT":     true,
	"DELETE":  true,
	"CONNECT": true,
	"OPTIONS": true,
	"TRACE":   true,
	"PATCH":   true,
}

// LIST_FIELDS: the closed set of header names that may
// carry a comma-separated list of values, some of which may be quoted.
var listFields = map[string]bool{
	"ACCEPT":                      true,
	"ACCEPT-CHARSET":              true,
	"ACCEPT-ENCODING":             true,
	"ACCEPT-LANGUAGE":             true,
	"ACCEPT-RANGES":               true,
	"ALLOW":                       true,
	"AUTHENTICATION-INFO":         true,
	"CONNECTION":                  true,
	"CONTENT-ENCODING":            true,
	"CONTENT-LANGUAGE":            true,
	"EXPECT":                      true,
	"IF-MATCH":                    true,
	"IF-NONE-MATCH":               true,
	"PROXY-AUTHENTICATE":          true,
	"PROXY-AUTHENTICATION-INFO":   true,
	"TE":                          true,
	"TRAILER":                     true,
	"UPGRADE":                     true,
	"VARY":                        true,
	"VIA":                         true,
	"WWW-AUTHENTICATE":            true,
}

func init() {
	const tchar = "!#$%&'*+-.^_`|~"
	for i := byte(0); i < 10; i++ {
		tokenCharMap['0'+i] = true
		numCharMap['0'+i] = true
		hexCharMap['0'+i] = true
	}
	for i := byte(0); i < 26; i++ {
		tokenCharMap['A'+i] = true
		tokenCharMap['a'+i] = true
		alphaCharMap['A'+i] = true
		alphaCharMap['a'+i] = true
	}
	for i := byte(0); i < 6; i++ {
		hexCharMap['A'+i] = true
		hexCharMap['a'+i] = true
	}
	for i := 0; i < len(tchar); i++ {
		tokenCharMap[tchar[i]] = true
	}

	wsCharMap[' '] = true
	wsCharMap['\t'] = true

	for c := 0x21; c <= 0x7e; c++ {
		visibleCharMap[c] = true
	}
	for c := 0x80; c <= 0xff; c++ {
		obsTextCharMap[c] = true
	}

	// field-content = field-vchar [ 1*( SP / HTAB ) field-vchar ]
	// field-vchar   = VCHAR / obs-text
	for c := 0; c < 256; c++ {
		fieldContentMap[c] = visibleCharMap[c] || obsTextCharMap[c] || wsCharMap[c]
	}

	// qdtext = HTAB / SP / %x21 / %x23-5B / %x5D-7E / obs-text
	qdtextCharMap['\t'] = true
	qdtextCharMap[' '] = true
	qdtextCharMap[0x21] = true
	for c := 0x23; c <= 0x5b; c++ {
		qdtextCharMap[c] = true
	}
	for c := 0x5d; c <= 0x7e; c++ {
		qdtextCharMap[c] = true
	}
	for c := 0x80; c <= 0xff; c++ {
		qdtextCharMap[c] = true
	}

	for m := range validMethods {
		for _, c := range m {
			validMethodCharMap[byte(c)] = true
		}
	}
}

func isToken(c byte) bool { return tokenCharMap[c] }
func isWS(c byte) bool { return wsCharMap[c] }
func isVisible(c byte) bool { return visibleCharMap[c] }
func isFieldContent(c byte) bool { return fieldContentMap[c] }
func isQdtext(c byte) bool { return qdtextCharMap[c] }
func isHex(c byte) bool { return hexCharMap[c] }
func isNum(c byte) bool { return numCharMap[c] }
func isAlpha(c byte) bool { return alphaCharMap[c] }
func isValidMethodChar(c byte) bool { return validMethodCharMap[c] }

// isListField reports whether name (already upper-cased) may carry a
// comma-separated, possibly-quoted list of values.
func isListField(name string) bool { return listFields[name] }

// upperField upper-cases an ASCII field name; all stored keys in a
// Message's fields mapping use this canonical form.
func upperField(name string) string { return strings.ToUpper(name) }

// fieldValueQuotesNeeded reports whether s contains any byte outside
// the tchar class, meaning a list-field member carrying it must be
// serialized as a quoted-string to survive a later splitListValue.
func fieldValueQuotesNeeded(s string) bool {
	for i := 0; i < len(s); i++ {
		if !isToken(s[i]) {
			return true
		}
	}
	return false
}

// fieldValueEscape returns s with every byte outside the qdtext class
// prefixed by a backslash, for serialization inside a quoted-string.
func fieldValueEscape(s string) string {
	var needsEscape bool
	for i := 0; i < len(s); i++ {
		if !isQdtext(s[i]) {
			needsEscape = true
			break
		}
	}
	if !needsEscape {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 4)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !isQdtext(c) {
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}
	return b.String()
}

// splitListValue splits a single header line's value into its
// comma-separated entries per RFC 9110 §5.6.1, honoring quoted-strings
// with backslash-escapes and optional whitespace around commas.
func splitListValue(value string) []string {
	var out []string
	var cur strings.Builder
	inQuotes := false
	escaped := false
	flush := func() {
		out = append(out, strings.TrimSpace(cur.String()))
		cur.Reset()
	}
	for i := 0; i < len(value); i++ {
		c := value[i]
		switch {
		case escaped:
			cur.WriteByte(c)
			escaped = false
		case inQuotes && c == '\\':
			cur.WriteByte(c)
			escaped = true
		case c == '"':
			inQuotes = !inQuotes
		case c == ',' && !inQuotes:
			flush()
		default:
			cur.WriteByte(c)
		}
	}
	flush()
	// decode backslash-escapes inside what were quoted segments: a
	// second pass keeps the splitter above simple and correct for the
	// common case of unescaped lists, while still unescaping values
	// that did come from a quoted-string.
	for i, v := range out {
		if strings.Contains(v, `\`) {
			out[i] = unescapeQuoted(v)
		}
	}
	return out
}

func unescapeQuoted(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
			b.WriteByte(s[i])
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
