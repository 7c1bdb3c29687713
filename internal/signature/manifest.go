package signature

import (
	"strings"
)

// parseManifest reads a JAR manifest or signature file. It returns the main
// attributes and the per-entry sections keyed by their Name attribute.
// Lines longer than 72 bytes are continued on lines starting with a space.
func parseManifest(data []byte) (map[string]string, map[string]map[string]string) {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	main := map[string]string{}
	sections := map[string]map[string]string{}

	current := main
	inMain := true
	var lastKey string

	flush := func() {
		if inMain {
			return
		}
		if name, ok := current["Name"]; ok {
			sections[name] = current
		}
	}

	for _, line := range strings.Split(text, "\n") {
		switch {
		case line == "":
			flush()
			inMain = false
			current = map[string]string{}
			lastKey = ""
		case strings.HasPrefix(line, " "):
			if lastKey != "" {
				current[lastKey] += line[1:]
			}
		default:
			key, value, ok := strings.Cut(line, ":")
			if !ok {
				continue
			}
			lastKey = strings.TrimSpace(key)
			current[lastKey] = strings.TrimPrefix(value, " ")
		}
	}
	flush()
	return main, sections
}
