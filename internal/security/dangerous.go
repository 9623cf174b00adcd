package security

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"
)

// ErrCommandBlocked marks a sandbox command refused by policy.
var ErrCommandBlocked = errors.New("command blocked by policy")

var hostControlPattern = regexp.MustCompile(`(^|[\s;&|()])(shutdown|reboot|halt|poweroff|mkfs(\.[a-z0-9]+)?|init\s+0)([\s;&|()]|$)`)

// devServerPattern matches attempts to launch a second dev server next to the managed one.
var devServerPattern = regexp.MustCompile(`(^|[\s;&|()])(npm|pnpm|yarn)\s+(run\s+)?(dev|start)([\s;&|()]|$)`)

type CommandVerdict struct {
	Blocked bool
	Reason  string
}

// CheckCommand applies the sandbox terminal policy. The policy is narrow:
// the sandbox is disposable, so only host-level and self-defeating commands are refused.
func CheckCommand(command string) CommandVerdict {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return CommandVerdict{Blocked: true, Reason: "empty command"}
	}
	if hostControlPattern.MatchString(trimmed) {
		return CommandVerdict{Blocked: true, Reason: "host control commands are not allowed"}
	}
	if devServerPattern.MatchString(trimmed) {
		return CommandVerdict{Blocked: true, Reason: "the dev server is already running"}
	}

	words, err := parseShellWords(trimmed)
	if err != nil {
		return CommandVerdict{Blocked: true, Reason: "command parse failed: " + err.Error()}
	}
	if removesRoot(words) {
		return CommandVerdict{Blocked: true, Reason: "recursive removal of / or the home directory"}
	}
	return CommandVerdict{}
}

// Err converts a blocked verdict into an error wrapping ErrCommandBlocked.
func (v CommandVerdict) Err() error {
	if !v.Blocked {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrCommandBlocked, v.Reason)
}

func removesRoot(words []string) bool {
	for i, w := range words {
		if w != "rm" {
			continue
		}
		recursive := false
		for _, arg := range words[i+1:] {
			if isSeparator(arg) {
				break
			}
			if strings.HasPrefix(arg, "--") {
				recursive = recursive || arg == "--recursive"
				continue
			}
			if strings.HasPrefix(arg, "-") {
				recursive = recursive || strings.ContainsAny(arg, "rR")
				continue
			}
			if recursive && isProtectedTarget(arg) {
				return true
			}
		}
	}
	return false
}

func isProtectedTarget(arg string) bool {
	switch strings.TrimRight(arg, "*") {
	case "/", "~", "~/", "/home/user", "/home/user/", "$HOME", "$HOME/":
		return true
	}
	return path.Clean(arg) == "/"
}

func isSeparator(w string) bool {
	switch w {
	case ";", "&&", "||", "|", "&":
		return true
	}
	return false
}

func parseShellWords(input string) ([]string, error) {
	var (
		out      []string
		cur      strings.Builder
		inSingle bool
		inDouble bool
		escaped  bool
		quoted   bool
	)

	flush := func() {
		if cur.Len() > 0 || quoted {
			out = append(out, cur.String())
			cur.Reset()
			quoted = false
		}
	}

	for _, r := range input {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\' && !inSingle:
			escaped = true
		case r == '\'' && !inDouble:
			inSingle = !inSingle
			quoted = true
		case r == '"' && !inSingle:
			inDouble = !inDouble
			quoted = true
		case (r == ';' || r == '&' || r == '|') && !inSingle && !inDouble:
			flush()
			if n := len(out); n > 0 && (out[n-1] == string(r)) && (r == '&' || r == '|') {
				out[n-1] += string(r)
			} else {
				out = append(out, string(r))
			}
		case isSpace(r) && !inSingle && !inDouble:
			flush()
		default:
			cur.WriteRune(r)
		}
	}

	if escaped {
		return nil, errors.New("dangling escape")
	}
	if inSingle || inDouble {
		return nil, errors.New("unmatched quote")
	}
	flush()
	return out, nil
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n'
}
