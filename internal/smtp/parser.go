package smtp

import (
	"strconv"
	"strings"
)

// Command is a parsed SMTP/ESMTP command line: verb plus raw argument text.
type Command struct {
	Verb string
	Args string
}

// ParseLine tokenizes a raw command line into a verb and the remainder.
// Verbs are matched case-insensitively against the known set by callers;
// this function only splits on the first run of whitespace.
func ParseLine(line string) (Command, error) {
	line = strings.TrimRight(line, " \t")
	if line == "" {
		return Command{}, NewSessionError(KindMalformed, "empty command line")
	}
	idx := strings.IndexAny(line, " \t")
	if idx < 0 {
		return Command{Verb: strings.ToUpper(line)}, nil
	}
	return Command{
		Verb: strings.ToUpper(line[:idx]),
		Args: strings.TrimLeft(line[idx+1:], " \t"),
	}, nil
}

// MailParams is the parsed ESMTP parameter set from a MAIL FROM line.
type MailParams struct {
	ReversePath string
	HasSize     bool
	Size        int64
	BodyType    BodyType
	SMTPUTF8    bool
	AuthParam   string
	Ret         string
	EnvID       string
	DeliverBy   string
}

// RcptParams is the parsed ESMTP parameter set from a RCPT TO line.
type RcptParams struct {
	ForwardPath string
	Notify      string
	ORcpt       string
}

// knownMailParams and knownRcptParams gate KindUnknownParam rejection.
var knownMailParams = map[string]bool{
	"SIZE": true, "BODY": true, "SMTPUTF8": true, "AUTH": true,
	"RET": true, "ENVID": true, "BY": true,
}

var knownRcptParams = map[string]bool{
	"NOTIFY": true, "ORCPT": true,
}

// ParseMailFrom parses `MAIL FROM:<reverse-path> [params]`.
func ParseMailFrom(args string) (MailParams, error) {
	rest, ok := stripVerbPrefix(args, "FROM:")
	if !ok {
		return MailParams{}, NewSessionError(KindMalformed, "expected MAIL FROM:<path>")
	}

	path, tail, err := extractPath(rest)
	if err != nil {
		return MailParams{}, err
	}

	params := MailParams{ReversePath: path}
	kvs, err := parseParamTail(tail, knownMailParams)
	if err != nil {
		return MailParams{}, err
	}

	for k, v := range kvs {
		switch k {
		case "SIZE":
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil || n < 0 {
				return MailParams{}, NewSessionError(KindMalformed, "invalid SIZE parameter")
			}
			params.HasSize = true
			params.Size = n
		case "BODY":
			switch strings.ToUpper(v) {
			case "7BIT":
				params.BodyType = Body7Bit
			case "8BITMIME":
				params.BodyType = Body8BitMIME
			case "BINARYMIME":
				params.BodyType = BodyBinaryMIME
			default:
				return MailParams{}, NewSessionError(KindMalformed, "invalid BODY parameter")
			}
		case "SMTPUTF8":
			params.SMTPUTF8 = true
		case "AUTH":
			params.AuthParam = v
		case "RET":
			params.Ret = strings.ToUpper(v)
		case "ENVID":
			params.EnvID = v
		case "BY":
			params.DeliverBy = v
		}
	}

	return params, nil
}

// ParseRcptTo parses `RCPT TO:<forward-path> [params]`.
func ParseRcptTo(args string) (RcptParams, error) {
	rest, ok := stripVerbPrefix(args, "TO:")
	if !ok {
		return RcptParams{}, NewSessionError(KindMalformed, "expected RCPT TO:<path>")
	}

	path, tail, err := extractPath(rest)
	if err != nil {
		return RcptParams{}, err
	}

	params := RcptParams{ForwardPath: path}
	kvs, err := parseParamTail(tail, knownRcptParams)
	if err != nil {
		return RcptParams{}, err
	}
	params.Notify = kvs["NOTIFY"]
	params.ORcpt = kvs["ORCPT"]

	return params, nil
}

// stripVerbPrefix removes a case-insensitive "FROM:"/"TO:" prefix. The
// prefix must match exactly, so a space before ':' is rejected; spaces after
// ':' are tolerated by extractPath.
func stripVerbPrefix(args, prefix string) (string, bool) {
	if len(args) < len(prefix) {
		return "", false
	}
	if !strings.EqualFold(args[:len(prefix)], prefix) {
		return "", false
	}
	return args[len(prefix):], true
}

// extractPath pulls the <...> mailbox (or the bare null sender "<>") off
// the front of s and returns it along with the remaining parameter text.
func extractPath(s string) (path string, tail string, err error) {
	s = strings.TrimLeft(s, " ")
	if s == "" || s[0] != '<' {
		return "", "", NewSessionError(KindMalformed, "path must be enclosed in angle brackets")
	}
	end := strings.IndexByte(s, '>')
	if end < 0 {
		return "", "", NewSessionError(KindMalformed, "unterminated path")
	}
	path = s[1:end]
	tail = strings.TrimLeft(s[end+1:], " ")
	return path, tail, nil
}

// parseParamTail splits a space-separated KEY or KEY=VALUE parameter list,
// rejecting any key not in known.
func parseParamTail(tail string, known map[string]bool) (map[string]string, error) {
	out := map[string]string{}
	if tail == "" {
		return out, nil
	}
	for _, tok := range strings.Fields(tail) {
		k, v, _ := strings.Cut(tok, "=")
		k = strings.ToUpper(k)
		if !known[k] {
			return nil, NewSessionError(KindUnknownParam, "unsupported parameter: "+k)
		}
		out[k] = v
	}
	return out, nil
}

// IsDomainLiteral reports whether a domain part is an address literal,
// e.g. "[192.0.2.1]" or "[IPv6:2001:db8::1]".
func IsDomainLiteral(domain string) bool {
	return strings.HasPrefix(domain, "[") && strings.HasSuffix(domain, "]")
}

// PipelinableVerbs are the commands the reply writer may batch into a
// single flush when several arrive back-to-back in one read.
var PipelinableVerbs = map[string]bool{
	"HELO": true, "EHLO": true, "MAIL": true, "RCPT": true,
	"RSET": true, "NOOP": true, "VRFY": true, "EXPN": true,
}
