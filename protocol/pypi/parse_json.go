package pypi

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// projectDocument is the subset of a PEP 691 project page read by ParseJSON.
type projectDocument struct {
	Files []projectFileDocument `json:"files"`
}

type projectFileDocument struct {
	Filename             string            `json:"filename"`
	URL                  string            `json:"url"`
	Hashes               map[string]string `json:"hashes"`
	RequiresPython       *string           `json:"requires-python"`
	Size                 *int64            `json:"size"`
	UploadTime           *string           `json:"upload-time"`
	Yanked               any               `json:"yanked"` // bool or string reason
	CoreMetadata         any               `json:"core-metadata"`
	DistInfoMetadata     any               `json:"dist-info-metadata"`
	DataDistInfoMetadata any               `json:"data-dist-info-metadata"`
}

// ParseJSON parses a PEP 691 JSON project page. Relative file URLs are
// resolved against baseURL.
func ParseJSON(body []byte, baseURL string) ([]ParsedFile, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: base url: %v", ErrIndexParsing, err)
	}

	var doc projectDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("%w: decoding JSON: %v", ErrIndexParsing, err)
	}

	files := make([]ParsedFile, 0, len(doc.Files))
	for _, rec := range doc.Files {
		if rec.Filename == "" || rec.URL == "" {
			continue
		}
		ref, err := url.Parse(rec.URL)
		if err != nil {
			continue
		}

		file := ParsedFile{
			Filename:       rec.Filename,
			URL:            base.ResolveReference(ref).String(),
			RequiresPython: rec.RequiresPython,
			Size:           rec.Size,
			Hashes:         hashesFromMap(rec.Hashes),
		}

		if rec.UploadTime != nil {
			if t, err := time.Parse(time.RFC3339Nano, *rec.UploadTime); err == nil {
				t = t.UTC()
				file.UploadTime = &t
			}
		}

		switch y := rec.Yanked.(type) {
		case bool:
			file.Yanked = y
		case string:
			file.Yanked = true
			if y != "" {
				reason := y
				file.YankedReason = &reason
			}
		}

		meta := rec.CoreMetadata
		if meta == nil {
			meta = rec.DistInfoMetadata
		}
		if meta == nil {
			meta = rec.DataDistInfoMetadata
		}
		file.Metadata = metadataFromJSON(meta, file)

		files = append(files, file)
	}

	return dedupe(files), nil
}

// metadataFromJSON interprets a core-metadata value: true or a hashes object.
func metadataFromJSON(v any, file ParsedFile) *ParsedMetadata {
	switch m := v.(type) {
	case bool:
		if !m {
			return nil
		}
		return newMetadata(file)
	case map[string]any:
		md := newMetadata(file)
		hashes := make(map[string]string, len(m))
		for k, val := range m {
			if s, ok := val.(string); ok {
				hashes[k] = s
			}
		}
		md.Hashes = hashesFromMap(hashes)
		return md
	case string:
		// some mirrors emit the HTML attribute form in JSON
		return metadataFromAttr(strings.TrimSpace(m), file)
	default:
		return nil
	}
}
