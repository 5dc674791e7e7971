package smtp

import (
	"strings"
	"testing"

	"pgregory.net/rapid"
)

// TestMailboxASCIIGrammar checks that randomly generated well-formed ASCII
// mailboxes within RFC 5321's length limits validate. Structurally broken
// shapes are covered by TestMailboxRejectsMalformedShapes.
func TestMailboxASCIIGrammar(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		localChars := "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789.!#$%&'*+/=?^_`{|}~-"
		domainChars := "abcdefghijklmnopqrstuvwxyz0123456789"

		localLen := rapid.IntRange(1, 64).Draw(t, "localLen")
		local := rapid.StringOfN(rapid.RuneFrom([]rune(localChars)), localLen, localLen, -1).Draw(t, "local")

		labelLen := rapid.IntRange(1, 20).Draw(t, "labelLen")
		label := rapid.StringOfN(rapid.RuneFrom([]rune(domainChars)), labelLen, labelLen, -1).Draw(t, "label")
		tldLen := rapid.IntRange(2, 6).Draw(t, "tldLen")
		tld := rapid.StringOfN(rapid.RuneFrom([]rune("abcdefghijklmnopqrstuvwxyz")), tldLen, tldLen, -1).Draw(t, "tld")
		domain := label + "." + tld

		mailbox := local + "@" + domain
		if !ValidateMailbox(mailbox, false) {
			t.Errorf("generated mailbox failed validation: %s", mailbox)
		}
	})
}

func TestMailboxRejectsMalformedShapes(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		kind := rapid.IntRange(0, 5).Draw(t, "kind")

		var mailbox string
		switch kind {
		case 0:
			mailbox = rapid.StringMatching(`[a-z]{5,10}`).Draw(t, "noAt")
		case 1:
			mailbox = rapid.StringMatching(`[a-z]{3}@[a-z]{3}@[a-z]{3}\.[a-z]{2}`).Draw(t, "doubleAt")
		case 2:
			mailbox = "@" + rapid.StringMatching(`[a-z]{5}\.[a-z]{2}`).Draw(t, "emptyLocal")
		case 3:
			mailbox = rapid.StringMatching(`[a-z]{5}`).Draw(t, "emptyDomain") + "@"
		case 4:
			mailbox = strings.Repeat("a", 65) + "@example.com"
		case 5:
			mailbox = ""
		}

		if ValidateMailbox(mailbox, false) {
			t.Errorf("malformed mailbox should be rejected: %q", mailbox)
		}
	})
}

func TestValidateEmailAddressKnownValid(t *testing.T) {
	valid := []string{
		"simple@example.com",
		"very.common@example.com",
		"disposable.style.email.with+symbol@example.com",
		"other.email-with-hyphen@example.com",
		"user.name+tag+sorting@example.com",
		"x@example.com",
		"test@test.co.uk",
		"user@subdomain.example.com",
	}
	for _, email := range valid {
		if !ValidateEmailAddress(email) {
			t.Errorf("expected valid: %s", email)
		}
	}
}

func TestValidateEmailAddressKnownInvalid(t *testing.T) {
	invalid := []string{
		"",
		"plainaddress",
		"@no-local-part.com",
		"missing-domain@",
		"two@@at.com",
		strings.Repeat("a", 65) + "@example.com",
	}
	for _, email := range invalid {
		if ValidateEmailAddress(email) {
			t.Errorf("expected invalid: %s", email)
		}
	}
}

// TestValidateMailboxSMTPUTF8 covers the SMTPUTF8 extension: non-ASCII local
// parts are accepted only when the caller declares the transaction as
// SMTPUTF8, and domain names stay restricted to ASCII label grammar either
// way (this implementation doesn't accept U-labels/A-labels conversion).
func TestValidateMailboxSMTPUTF8(t *testing.T) {
	tests := []struct {
		name        string
		mailbox     string
		utf8Allowed bool
		want        bool
	}{
		{"ascii local without utf8 flag", "user@example.com", false, true},
		{"utf8 local rejected without flag", "üser@example.com", false, false},
		{"utf8 local accepted with flag", "üser@example.com", true, true},
		{"kanji local accepted with flag", "田中太郎@example.com", true, true},
		{"utf8 local with embedded space rejected", "u ser@example.com", true, false},
		{"utf8 local with CR rejected", "user\r@example.com", true, false},
		{"utf8 local with LF rejected", "user\n@example.com", true, false},
		{"empty local rejected even with flag", "@example.com", true, false},
		{"non-ascii domain rejected even with flag", "user@exämple.com", true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidateMailbox(tt.mailbox, tt.utf8Allowed); got != tt.want {
				t.Errorf("ValidateMailbox(%q, %v) = %v, want %v", tt.mailbox, tt.utf8Allowed, got, tt.want)
			}
		})
	}
}

func TestIsDomainLiteral(t *testing.T) {
	tests := []struct {
		domain string
		want   bool
	}{
		{"example.com", false},
		{"[192.0.2.1]", true},
		{"[IPv6:2001:db8::1]", true},
		{"[", false},
		{"]", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsDomainLiteral(tt.domain); got != tt.want {
			t.Errorf("IsDomainLiteral(%q) = %v, want %v", tt.domain, got, tt.want)
		}
	}
}

func TestValidateMailboxDomainLiteral(t *testing.T) {
	tests := []struct {
		name    string
		mailbox string
		want    bool
	}{
		{"valid IPv4 literal", "user@[192.0.2.1]", true},
		{"valid IPv6 literal", "user@[IPv6:2001:db8::1]", true},
		{"IPv4 literal with too few octets", "user@[192.0.2]", false},
		{"empty IPv6 literal", "user@[IPv6:]", false},
		{"malformed literal brackets", "user@[not-a-literal", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidateMailbox(tt.mailbox, false); got != tt.want {
				t.Errorf("ValidateMailbox(%q) = %v, want %v", tt.mailbox, got, tt.want)
			}
		})
	}
}

func TestValidateDomainName(t *testing.T) {
	tests := []struct {
		domain string
		want   bool
	}{
		{"example.com", true},
		{"mail.example.co.uk", true},
		{"xn--80akhbyknj4f.example", true},
		{"", false},
		{"example..com", false},
		{".example.com", false},
		{"example.com.", false},
		{"-example.com", false},
		{"example-.com", false},
		{"ex_ample.com", false},
		{strings.Repeat("a", 64) + ".com", false},
	}
	for _, tt := range tests {
		if got := validateDomainName(tt.domain); got != tt.want {
			t.Errorf("validateDomainName(%q) = %v, want %v", tt.domain, got, tt.want)
		}
	}
}

func TestValidateDomainLiteral(t *testing.T) {
	tests := []struct {
		literal string
		want    bool
	}{
		{"[192.0.2.1]", true},
		{"[IPv6:2001:db8::1]", true},
		{"[ipv6:2001:db8::1]", true},
		{"[192.0.2]", false},
		{"[192.0.2.1.5]", false},
		{"[IPv6:]", false},
	}
	for _, tt := range tests {
		if got := validateDomainLiteral(tt.literal); got != tt.want {
			t.Errorf("validateDomainLiteral(%q) = %v, want %v", tt.literal, got, tt.want)
		}
	}
}

func TestValidateLocalUTF8(t *testing.T) {
	tests := []struct {
		local string
		want  bool
	}{
		{"", false},
		{"user", true},
		{"üser", true},
		{"田中太郎", true},
		{"user name", false},
		{"user\ttab", false},
		{"user\rcr", false},
		{"user\nlf", false},
	}
	for _, tt := range tests {
		if got := validateLocalUTF8(tt.local); got != tt.want {
			t.Errorf("validateLocalUTF8(%q) = %v, want %v", tt.local, got, tt.want)
		}
	}
}

func TestHeaderValidation(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantValid bool
		wantTrunc bool
	}{
		{"valid header", "Normal header value", true, false},
		{"CRLF injection attempt", "Value\r\nBcc: attacker@evil.com", false, false},
		{"CR injection", "Value\rBcc: attacker@evil.com", false, false},
		{"LF injection", "Value\nBcc: attacker@evil.com", false, false},
		{"long header truncated", strings.Repeat("a", 1500), true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, valid := ValidateHeaderValue(tt.input)
			if valid != tt.wantValid {
				t.Errorf("ValidateHeaderValue() valid = %v, want %v", valid, tt.wantValid)
			}
			if tt.wantTrunc && len(result) != 1000 {
				t.Errorf("ValidateHeaderValue() should truncate to 1000 chars, got %d", len(result))
			}
		})
	}
}

func TestSanitizeHeaderValue(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"normal value", "Normal value", "Normal value"},
		{"CRLF removed", "Value\r\nInjected", "Value Injected"},
		{"CR removed", "Value\rInjected", "Value Injected"},
		{"LF removed", "Value\nInjected", "Value Injected"},
		{"truncated", strings.Repeat("a", 1500), strings.Repeat("a", 1000)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeHeaderValue(tt.input); got != tt.want {
				t.Errorf("SanitizeHeaderValue() = %v, want %v", got, tt.want)
			}
		})
	}
}
