package pypi

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Format is the wire format of an index page.
type Format int

const (
	FormatHTML Format = iota + 1
	FormatJSON
)

// String returns the short format name used in query parameters and cache keys.
func (f Format) String() string {
	switch f {
	case FormatHTML:
		return "html"
	case FormatJSON:
		return "json"
	default:
		return "unknown"
	}
}

// ContentType returns the content type a page of this format is served with.
func (f Format) ContentType() string {
	if f == FormatJSON {
		return ContentTypeV1JSON
	}
	return ContentTypeLegacyHTML
}

// ParseFormat parses a short format name ("html" or "json").
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "html":
		return FormatHTML, nil
	case "json":
		return FormatJSON, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownFileFormat, s)
	}
}

// DefaultContentType is what a wildcard Accept entry resolves to.
const DefaultContentType = ContentTypeLatestHTML

// formatQueryQuality ranks an explicit format query above any Accept entry.
const formatQueryQuality = 999

var contentTypeFormats = map[string]Format{
	ContentTypeLegacyHTML: FormatHTML,
	ContentTypeV1HTML:     FormatHTML,
	ContentTypeV1JSON:     FormatJSON,
	ContentTypeLatestHTML: FormatHTML,
	ContentTypeLatestJSON: FormatJSON,
}

var qualityRegex = regexp.MustCompile(`^(\d+(\.\d{0,3})?|\.\d{1,3})$`)

// ValidateQuality parses an Accept header quality value. The value must be
// a decimal in [0,1] with at most three digits after the point.
func ValidateQuality(s string) (float64, error) {
	if !qualityRegex.MatchString(s) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidQuality, s)
	}
	q, err := strconv.ParseFloat(s, 64)
	if err != nil || q < 0 || q > 1 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidQuality, s)
	}
	return q, nil
}

type candidate struct {
	contentType string
	quality     float64
}

// DetermineIndexFormat picks the index format for a request from its Accept
// header and optional format query parameter. The format query, when it
// names a supported content type or is the short name "html" or "json",
// wins over the header. It returns false when nothing acceptable remains.
func DetermineIndexFormat(accept, formatQuery string) (Format, bool) {
	var candidates []candidate

	if _, ok := contentTypeFormats[formatQuery]; ok {
		candidates = append(candidates, candidate{contentType: formatQuery, quality: formatQueryQuality})
	} else if f, err := ParseFormat(formatQuery); err == nil {
		candidates = append(candidates, candidate{contentType: f.ContentType(), quality: formatQueryQuality})
	}

	if strings.TrimSpace(accept) == "" {
		accept = "*/*"
	}

	for _, entry := range strings.Split(accept, ",") {
		contentType, params, _ := strings.Cut(strings.TrimSpace(entry), ";")
		contentType = strings.TrimSpace(contentType)

		quality := 1.0
		if qv, ok := qualityParam(params); ok {
			q, err := ValidateQuality(qv)
			if err != nil {
				continue
			}
			quality = q
		}

		if contentType == "*/*" {
			contentType = DefaultContentType
		}
		if _, ok := contentTypeFormats[contentType]; !ok {
			continue
		}
		candidates = append(candidates, candidate{contentType: contentType, quality: quality})
	}

	if len(candidates) == 0 {
		return 0, false
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].quality > candidates[j].quality
	})
	return contentTypeFormats[candidates[0].contentType], true
}

// qualityParam extracts the q parameter from the parameter part of an
// Accept entry.
func qualityParam(params string) (string, bool) {
	for _, p := range strings.Split(params, ";") {
		name, value, ok := strings.Cut(strings.TrimSpace(p), "=")
		if ok && strings.TrimSpace(name) == "q" {
			return strings.TrimSpace(value), true
		}
	}
	return "", false
}
