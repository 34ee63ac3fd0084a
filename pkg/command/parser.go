package command

import (
	"regexp"
	"strconv"
	"strings"
)

// usernameRe matches account usernames as the billing system stores
// them, including the colon-prefixed voucher style and email-shaped
// logins.
var usernameRe = regexp.MustCompile(`^[A-Za-z0-9:+_.@-]{2,55}$`)

const (
	maxPlanQueryLen = 64
	maxPage         = 9999
)

// Parse splits a chat message into a command name and arguments.
// Messages must start with a slash; a "@botname" suffix on the command
// word is stripped when it matches botName. ok is false for anything
// that is not a command.
func Parse(text, botName string) (name string, args []string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", nil, false
	}

	fields := strings.Fields(text[1:])
	if len(fields) == 0 {
		return "", nil, false
	}

	name = fields[0]
	if at := strings.IndexByte(name, '@'); at >= 0 {
		target := name[at+1:]
		if botName != "" && !strings.EqualFold(target, botName) {
			// Addressed to a different bot in a group chat.
			return "", nil, false
		}
		name = name[:at]
	}
	if name == "" {
		return "", nil, false
	}
	return strings.ToLower(name), fields[1:], true
}

// ValidUsername reports whether s is an acceptable account username.
func ValidUsername(s string) bool {
	return usernameRe.MatchString(s)
}

// ValidPlanQuery reports whether s can be used to search plans.
func ValidPlanQuery(s string) bool {
	s = strings.TrimSpace(s)
	return s != "" && len(s) <= maxPlanQueryLen
}

// ParsePage parses a 1-based page argument. An empty argument is page 1.
func ParsePage(s string) (int, bool) {
	if s == "" {
		return 1, true
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > maxPage {
		return 0, false
	}
	return n, true
}
