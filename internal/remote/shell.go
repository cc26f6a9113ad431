package remote

import "strings"

// JoinCommand renders argv as a single POSIX shell command line.
func JoinCommand(args []string) string {
	var sb strings.Builder
	for i, arg := range args {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(ShellEscape(arg))
	}
	return sb.String()
}

// ShellEscape quotes value for a POSIX shell. Plain words are left as-is so
// logged commands stay readable.
func ShellEscape(value string) string {
	if value == "" {
		return "''"
	}
	if isShellSafe(value) {
		return value
	}
	return "'" + strings.ReplaceAll(value, "'", `'"'"'`) + "'"
}

func isShellSafe(value string) bool {
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case strings.ContainsRune("-_./:=@,+%", r):
		default:
			return false
		}
	}
	return true
}
