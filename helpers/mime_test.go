package helpers

import (
	"strings"
	"testing"
)

func TestDecodeMIMEHeader(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain", "Hello World", "Hello World"},
		{"q-encoded", "=?utf-8?q?Caf=C3=A9?=", "Café"},
		{"b-encoded", "=?utf-8?B?SGVsbG8gV29ybGQ=?=", "Hello World"},
		{"iso-8859-1", "=?iso-8859-1?q?caf=E9?=", "café"},
		{"mixed", "Re: =?utf-8?q?Caf=C3=A9?= opening", "Re: Café opening"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DecodeMIMEHeader(tt.input); got != tt.want {
				t.Errorf("DecodeMIMEHeader(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestExtractTextPartsPlain(t *testing.T) {
	raw := "From: a@example.org\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"Hello body\r\n"

	parts, err := ExtractTextParts([]byte(raw))
	if err != nil {
		t.Fatalf("ExtractTextParts: %v", err)
	}
	if len(parts) != 1 {
		t.Fatalf("expected 1 part, got %d", len(parts))
	}
	if !strings.Contains(parts[0].Decoded, "Hello body") {
		t.Errorf("unexpected part content: %q", parts[0].Decoded)
	}
}

func TestExtractTextPartsMultipart(t *testing.T) {
	raw := "From: a@example.org\r\n" +
		"Content-Type: multipart/alternative; boundary=XX\r\n" +
		"\r\n" +
		"--XX\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"plain text\r\n" +
		"--XX\r\n" +
		"Content-Type: text/html\r\n" +
		"\r\n" +
		"<p>html <b>text</b></p>\r\n" +
		"--XX--\r\n"

	parts, err := ExtractTextParts([]byte(raw))
	if err != nil {
		t.Fatalf("ExtractTextParts: %v", err)
	}
	if len(parts) != 2 {
		t.Fatalf("expected 2 parts, got %d", len(parts))
	}
	if parts[0].ContentType != "text/plain" {
		t.Errorf("first part type = %q", parts[0].ContentType)
	}
	if strings.Contains(parts[1].Decoded, "<p>") {
		t.Errorf("html part was not converted to text: %q", parts[1].Decoded)
	}
}

func TestCanonicalFlag(t *testing.T) {
	if got := CanonicalFlag("\\seen"); got != "\\Seen" {
		t.Errorf("CanonicalFlag(\\seen) = %q", got)
	}
	if got := CanonicalFlag("$Custom"); got != "$Custom" {
		t.Errorf("keywords must pass through, got %q", got)
	}
}

func TestNormalizeFlagList(t *testing.T) {
	got := NormalizeFlagList([]string{"\\seen", "\\Seen", "$label1", ""})
	want := []string{"\\Seen", "$label1"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got %v, want %v", got, want)
			break
		}
	}
}

func TestAddressPart(t *testing.T) {
	if got := AddressPart("user@example.org", "localpart"); got != "user" {
		t.Errorf("localpart = %q", got)
	}
	if got := AddressPart("user@example.org", "domain"); got != "example.org" {
		t.Errorf("domain = %q", got)
	}
	if got := AddressPart("user@example.org", "all"); got != "user@example.org" {
		t.Errorf("all = %q", got)
	}
}

func TestParseAddressList(t *testing.T) {
	got := ParseAddressList("Alice <alice@example.org>, bob@example.org")
	if len(got) != 2 || got[0] != "alice@example.org" || got[1] != "bob@example.org" {
		t.Errorf("ParseAddressList = %v", got)
	}
}
