package pypi

import (
	"regexp"
	"strconv"
	"strings"

	pep440 "github.com/aquasecurity/go-pep440-version"
)

var localSeparators = regexp.MustCompile(`[-_.]`)

// NormalizeVersion validates v against PEP 440 and returns its canonical
// string form. It returns false when v is not a valid version.
func NormalizeVersion(v string) (string, bool) {
	parsed, err := pep440.Parse(strings.TrimSpace(v))
	if err != nil {
		return "", false
	}
	local := parsed.Local()
	if local == "" {
		return parsed.String(), true
	}

	// Local segments keep their separators and leading zeros after parsing.
	parts := localSeparators.Split(local, -1)
	for i, p := range parts {
		if n, err := strconv.ParseUint(p, 10, 64); err == nil {
			parts[i] = strconv.FormatUint(n, 10)
		}
	}
	return parsed.Public() + "+" + strings.Join(parts, "."), true
}

var sdistExtensions = []string{".tar.gz", ".zip", ".tar.bz2", ".tar.xz", ".tgz", ".tar"}

var (
	wininstRegex = regexp.MustCompile(`(?i)^(.+?)-(\d[A-Za-z0-9.!+_]*?)\.(?:win32|win-amd64|win-arm64|linux-[A-Za-z0-9_]+|macosx-[A-Za-z0-9_.-]+?)(?:-py\d+\.\d+)?\.(?:exe|msi)$`)
	rpmRegex     = regexp.MustCompile(`(?i)^(.+)-([^-]+)-([^-]+)\.[A-Za-z0-9_]+\.rpm$`)
)

// ParseVersion extracts the canonical version from a distribution filename.
// Wheels, sdists, eggs and the legacy bdist_wininst, bdist_msi and bdist_rpm
// forms are recognised. It returns nil when the filename does not follow a
// known scheme or carries an invalid version.
func ParseVersion(filename string) *string {
	raw, ok := rawVersion(filename)
	if !ok {
		return nil
	}
	v, ok := NormalizeVersion(raw)
	if !ok {
		return nil
	}
	return &v
}

func rawVersion(filename string) (string, bool) {
	lower := strings.ToLower(filename)

	switch {
	case strings.HasSuffix(lower, ".whl"):
		parts := strings.Split(filename[:len(filename)-len(".whl")], "-")
		switch len(parts) {
		case 5:
			return parts[1], true
		case 6:
			// build tag must start with a digit
			if parts[2] == "" || parts[2][0] < '0' || parts[2][0] > '9' {
				return "", false
			}
			return parts[1], true
		}
		return "", false

	case strings.HasSuffix(lower, ".egg"):
		parts := strings.Split(filename[:len(filename)-len(".egg")], "-")
		if len(parts) < 2 {
			return "", false
		}
		return parts[1], true

	case strings.HasSuffix(lower, ".exe"), strings.HasSuffix(lower, ".msi"):
		m := wininstRegex.FindStringSubmatch(filename)
		if m == nil {
			return "", false
		}
		return m[2], true

	case strings.HasSuffix(lower, ".rpm"):
		m := rpmRegex.FindStringSubmatch(filename)
		if m == nil {
			return "", false
		}
		return m[2], true
	}

	for _, ext := range sdistExtensions {
		if strings.HasSuffix(lower, ext) {
			stem := filename[:len(filename)-len(ext)]
			i := strings.LastIndex(stem, "-")
			if i < 0 {
				return "", false
			}
			return stem[i+1:], true
		}
	}
	return "", false
}
