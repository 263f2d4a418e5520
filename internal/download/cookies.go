package download

import (
	"bufio"
	"os"
	"strings"
)

const netscapeHeader = "# Netscape HTTP Cookie File"

// ValidCookieFile reports whether path holds a usable Netscape-format cookie jar.
// The downloader is only given the file when this returns true.
func ValidCookieFile(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() || info.Size() == 0 {
		return false
	}

	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	first := true
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if first {
			first = false
			if strings.HasPrefix(line, netscapeHeader) || strings.HasPrefix(line, "# HTTP Cookie File") {
				return true
			}
		}
		line = strings.TrimPrefix(line, "#HttpOnly_")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		// domain, subdomains, path, secure, expiry, name, value
		if len(strings.Split(line, "\t")) >= 7 {
			return true
		}
	}
	return false
}
