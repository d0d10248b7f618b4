package pypi

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// ParseHTML parses a PEP 503 project page. Relative links are resolved
// against baseURL, which should be the page URL with a trailing slash.
func ParseHTML(body []byte, baseURL string) ([]ParsedFile, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: base url: %v", ErrIndexParsing, err)
	}

	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: parsing HTML: %v", ErrIndexParsing, err)
	}

	var files []ParsedFile
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			if file, ok := parseAnchor(n, base); ok {
				files = append(files, file)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	return dedupe(files), nil
}

// parseAnchor extracts file information from an anchor element.
func parseAnchor(n *html.Node, base *url.URL) (ParsedFile, bool) {
	var (
		file         ParsedFile
		href         string
		hasHref      bool
		coreMeta     *string
		distInfoMeta *string
	)

	for _, attr := range n.Attr {
		switch attr.Key {
		case "href":
			href, hasHref = attr.Val, true
		case "data-requires-python":
			rp := html.UnescapeString(attr.Val)
			file.RequiresPython = &rp
		case "data-yanked":
			file.Yanked = true
			if attr.Val != "" && !strings.EqualFold(attr.Val, "true") {
				reason := attr.Val
				file.YankedReason = &reason
			}
		case "data-core-metadata":
			v := attr.Val
			coreMeta = &v
		case "data-dist-info-metadata":
			v := attr.Val
			distInfoMeta = &v
		}
	}

	file.Filename = strings.TrimSpace(anchorText(n))
	if !hasHref || file.Filename == "" {
		return ParsedFile{}, false
	}

	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return ParsedFile{}, false
	}
	resolved := base.ResolveReference(ref)
	if h, ok := parseHashFragment(resolved.Fragment); ok {
		file.Hashes = []Hash{h}
	}
	resolved.Fragment = ""
	resolved.RawFragment = ""
	file.URL = resolved.String()

	meta := coreMeta
	if meta == nil {
		meta = distInfoMeta
	}
	if meta != nil {
		file.Metadata = metadataFromAttr(*meta, file)
	}

	return file, true
}

// metadataFromAttr interprets a data-core-metadata style attribute: "true"
// or a "kind=value" digest mean the metadata file exists.
func metadataFromAttr(val string, file ParsedFile) *ParsedMetadata {
	val = strings.TrimSpace(val)
	if val == "" || strings.EqualFold(val, "false") {
		return nil
	}
	m := newMetadata(file)
	if h, ok := parseHashFragment(val); ok {
		m.Hashes = []Hash{h}
	}
	return m
}

func anchorText(n *html.Node) string {
	var b strings.Builder
	var collect func(*html.Node)
	collect = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			collect(c)
		}
	}
	collect(n)
	return b.String()
}

func newMetadata(file ParsedFile) *ParsedMetadata {
	return &ParsedMetadata{
		Filename: file.Filename + MetadataSuffix,
		URL:      file.URL + MetadataSuffix,
	}
}

// dedupe fills in versions and drops repeated filenames, keeping the first.
func dedupe(files []ParsedFile) []ParsedFile {
	seen := make(map[string]struct{}, len(files))
	out := files[:0]
	for _, f := range files {
		if _, ok := seen[f.Filename]; ok {
			continue
		}
		seen[f.Filename] = struct{}{}
		f.Version = ParseVersion(f.Filename)
		out = append(out, f)
	}
	return out
}
