// SPDX-License-Identifier: MIT

// Package verify inspects downloaded payloads before they are admitted to the
// cache: container formats are sniffed from magic bytes and HTML error pages
// masquerading as binaries are rejected.
package verify

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/pkgsmith/agentpack/internal/manifest"
	"github.com/pkgsmith/agentpack/internal/metrics"
)

// SniffLen is how many leading bytes Sniff needs to classify a payload.
const SniffLen = 512

// Format is the detected payload container/executable format.
type Format string

const (
	FormatPE      Format = "pe"
	FormatELF     Format = "elf"
	FormatMachO   Format = "macho"
	FormatZip     Format = "zip"
	FormatGzip    Format = "gzip"
	FormatHTML    Format = "html"
	FormatText    Format = "text"
	FormatUnknown Format = "unknown"
)

var machoMagics = [][]byte{
	{0xfe, 0xed, 0xfa, 0xce}, // 32-bit BE
	{0xfe, 0xed, 0xfa, 0xcf}, // 64-bit BE
	{0xce, 0xfa, 0xed, 0xfe}, // 32-bit LE
	{0xcf, 0xfa, 0xed, 0xfe}, // 64-bit LE
}

// Sniff classifies a payload by its leading bytes. Pass up to SniffLen bytes;
// shorter prefixes are classified on a best-effort basis.
func Sniff(prefix []byte) Format {
	if len(prefix) >= 2 && prefix[0] == 'M' && prefix[1] == 'Z' {
		return FormatPE
	}
	if len(prefix) >= 4 && bytes.Equal(prefix[:4], []byte{0x7f, 'E', 'L', 'F'}) {
		return FormatELF
	}
	if len(prefix) >= 4 {
		for _, magic := range machoMagics {
			if bytes.Equal(prefix[:4], magic) {
				return FormatMachO
			}
		}
	}
	if len(prefix) >= 4 && bytes.Equal(prefix[:4], []byte{'P', 'K', 0x03, 0x04}) {
		return FormatZip
	}
	if len(prefix) >= 2 && prefix[0] == 0x1f && prefix[1] == 0x8b {
		return FormatGzip
	}
	if isHTML(prefix) {
		return FormatHTML
	}
	if isMostlyText(prefix) {
		return FormatText
	}
	return FormatUnknown
}

// isHTML detects HTML documents the way registries and captive proxy portals
// serve them: optional whitespace/BOM, then a doctype or an html tag.
func isHTML(prefix []byte) bool {
	trimmed := bytes.TrimLeft(prefix, " \t\r\n")
	trimmed = bytes.TrimPrefix(trimmed, []byte{0xef, 0xbb, 0xbf}) // UTF-8 BOM
	trimmed = bytes.TrimLeft(trimmed, " \t\r\n")

	lowered := bytes.ToLower(trimmed)
	return bytes.HasPrefix(lowered, []byte("<!doctype html")) ||
		bytes.HasPrefix(lowered, []byte("<html"))
}

// isMostlyText treats a prefix without NUL bytes and with a high printable
// ratio as text.
func isMostlyText(prefix []byte) bool {
	if len(prefix) == 0 {
		return false
	}
	printable := 0
	for _, b := range prefix {
		if b == 0 {
			return false
		}
		if b == '\n' || b == '\r' || b == '\t' || (b >= 0x20 && b < 0x7f) {
			printable++
		}
	}
	return printable*100/len(prefix) >= 90
}

// expectedFormats maps asset kinds to the container formats they may arrive in.
var expectedFormats = map[manifest.Kind][]Format{
	manifest.KindArchiveZip: {FormatZip},
	manifest.KindArchiveTgz: {FormatGzip},
	manifest.KindVsix:       {FormatZip},
	manifest.KindNpmPack:    {FormatGzip},
	manifest.KindBinary:     {FormatPE, FormatELF, FormatMachO, FormatUnknown},
}

// ExpectBinary rejects payloads that cannot be the declared kind. It catches
// the classic enterprise failure: a proxy or registry answering 200 with an
// HTML login or error page instead of the artifact.
func ExpectBinary(kind manifest.Kind, prefix []byte, contentType string) error {
	format := Sniff(prefix)

	if format == FormatHTML || strings.HasPrefix(strings.ToLower(contentType), "text/html") {
		metrics.IncVerifyFailure("html_payload")
		return fmt.Errorf("expected %s payload, got HTML document (content-type %q)", kind, contentType)
	}

	allowed, ok := expectedFormats[kind]
	if !ok {
		return fmt.Errorf("unknown asset kind %q", kind)
	}
	for _, f := range allowed {
		if format == f {
			return nil
		}
	}

	metrics.IncVerifyFailure("format_mismatch")
	return fmt.Errorf("expected %s payload, sniffed %s", kind, format)
}
