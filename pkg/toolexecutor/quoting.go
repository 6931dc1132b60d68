package toolexecutor

import "strings"

// normalizeShellParams applies path quoting normalization to the command
// argument of a shell tool call.
func normalizeShellParams(params map[string]interface{}) map[string]interface{} {
	command, ok := params["command"].(string)
	if !ok {
		return params
	}
	normalized := NormalizePathQuoting(command)
	if normalized == command {
		return params
	}

	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		out[k] = v
	}
	out["command"] = normalized
	return out
}

// NormalizePathQuoting wraps path-like argument runs with embedded
// whitespace in double quotes so the shell does not split them:
//
//	cat /tmp/test folder/file.txt  ->  cat "/tmp/test folder/file.txt"
//
// A run starts at a token with a path prefix and ends at the next token
// carrying a slash or file extension; a trailing bare word never ends a
// run, so "cat /tmp/a.txt extra" is left alone. Commands that already
// contain quoting are left untouched.
func NormalizePathQuoting(command string) string {
	if strings.ContainsAny(command, `"'`) {
		return command
	}

	tokens := strings.Fields(command)
	out := make([]string, 0, len(tokens))

	for i := 0; i < len(tokens); {
		if !startsPath(tokens[i]) {
			out = append(out, tokens[i])
			i++
			continue
		}

		end := pathRunEnd(tokens, i)
		if end == i {
			out = append(out, tokens[i])
			i++
			continue
		}

		joined := strings.Join(tokens[i:end+1], " ")
		// Keep a leading tilde outside the quotes so the shell still
		// expands it.
		if strings.HasPrefix(joined, "~/") {
			out = append(out, `~/"`+joined[2:]+`"`)
		} else {
			out = append(out, `"`+joined+`"`)
		}
		i = end + 1
	}

	return strings.Join(out, " ")
}

func startsPath(token string) bool {
	return strings.HasPrefix(token, "/") ||
		strings.HasPrefix(token, "./") ||
		strings.HasPrefix(token, "../") ||
		strings.HasPrefix(token, "~/")
}

// pathRunEnd returns the index of the last token of a plausible multi-token
// path starting at i, or i when the token stands alone. Interior tokens must
// be bare words; the closing token must carry a slash or a file extension.
func pathRunEnd(tokens []string, i int) int {
	const maxRun = 4

	for j := i + 1; j < len(tokens) && j-i <= maxRun; j++ {
		tok := tokens[j]
		if startsPath(tok) || strings.HasPrefix(tok, "-") {
			return i
		}
		if strings.Contains(tok, "/") || hasExtension(tok) {
			return j
		}
	}
	return i
}

func hasExtension(token string) bool {
	dot := strings.LastIndex(token, ".")
	return dot > 0 && dot < len(token)-1 && !strings.Contains(token[dot+1:], "/")
}
