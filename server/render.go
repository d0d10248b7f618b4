package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
	"net/url"
	"path"
	"time"

	"github.com/wolfeidau/simple-mirror/protocol/pypi"
	"github.com/wolfeidau/simple-mirror/store/records"
)

// APIVersion is the Simple API version advertised by rendered pages.
const APIVersion = "1.1"

// uploadTimeLayout is ISO 8601 in UTC with microseconds.
const uploadTimeLayout = "2006-01-02T15:04:05.000000Z"

var projectPage = template.Must(template.New("project").Parse(`<!DOCTYPE html>
<html>
  <head>
    <meta name="pypi:repository-version" content="{{.APIVersion}}">
    <title>Links for {{.Name}}</title>
  </head>
  <body>
    <h1>Links for {{.Name}}</h1>
{{- range .Files}}
    <a href="{{.Href}}"{{with .RequiresPython}} data-requires-python="{{.}}"{{end}}{{if .Yanked}} data-yanked="{{.YankedReason}}"{{end}}{{with .Metadata}} data-core-metadata="{{.}}" data-dist-info-metadata="{{.}}"{{end}}>{{.Filename}}</a><br/>
{{- end}}
  </body>
</html>
`))

type htmlPage struct {
	APIVersion string
	Name       string
	Files      []htmlFile
}

type htmlFile struct {
	Filename       string
	Href           string
	RequiresPython string
	Yanked         bool
	YankedReason   string
	Metadata       string
}

type jsonPage struct {
	Meta     jsonMeta   `json:"meta"`
	Name     string     `json:"name"`
	Files    []jsonFile `json:"files"`
	Versions []string   `json:"versions"`
}

type jsonMeta struct {
	APIVersion string `json:"api-version"`
}

type jsonFile struct {
	Filename       string            `json:"filename"`
	URL            string            `json:"url"`
	Hashes         map[string]string `json:"hashes"`
	RequiresPython *string           `json:"requires-python,omitempty"`
	Size           *int64            `json:"size,omitempty"`
	UploadTime     string            `json:"upload-time,omitempty"`
	Yanked         any               `json:"yanked"`

	CoreMetadata         any `json:"core-metadata,omitempty"`
	DistInfoMetadata     any `json:"dist-info-metadata,omitempty"`
	DataDistInfoMetadata any `json:"data-dist-info-metadata,omitempty"`
}

func render(format pypi.Format, pkg *records.Package) ([]byte, error) {
	switch format {
	case pypi.FormatJSON:
		return renderJSON(pkg)
	case pypi.FormatHTML:
		return renderHTML(pkg)
	default:
		return nil, fmt.Errorf("%w: %s", pypi.ErrUnknownFileFormat, format)
	}
}

func renderHTML(pkg *records.Package) ([]byte, error) {
	page := htmlPage{APIVersion: APIVersion, Name: pkg.Name}
	for _, cf := range pkg.CodeFiles {
		hf := htmlFile{
			Filename: cf.Filename,
			Href:     fileHref(pkg, cf),
			Yanked:   cf.IsYanked,
		}
		if cf.RequiresPython != nil {
			hf.RequiresPython = *cf.RequiresPython
		}
		if cf.YankedReason != nil {
			hf.YankedReason = *cf.YankedReason
		}
		if mf := cf.MetadataFile; mf != nil {
			hf.Metadata = "true"
			if h, ok := pypi.PreferredHash(mf.Digests()); ok {
				hf.Metadata = h.Kind + "=" + h.Value
			}
		}
		page.Files = append(page.Files, hf)
	}

	var buf bytes.Buffer
	if err := projectPage.Execute(&buf, page); err != nil {
		return nil, fmt.Errorf("rendering %s: %w", pkg.Name, err)
	}
	return buf.Bytes(), nil
}

func renderJSON(pkg *records.Package) ([]byte, error) {
	page := jsonPage{
		Meta:     jsonMeta{APIVersion: APIVersion},
		Name:     pkg.Name,
		Files:    make([]jsonFile, 0, len(pkg.CodeFiles)),
		Versions: pkg.Versions(),
	}
	if page.Versions == nil {
		page.Versions = []string{}
	}

	for _, cf := range pkg.CodeFiles {
		jf := jsonFile{
			Filename:       cf.Filename,
			URL:            filePath(pkg, cf),
			Hashes:         cf.Digests(),
			RequiresPython: cf.RequiresPython,
			Size:           cf.Size,
			Yanked:         cf.IsYanked,
		}
		if cf.UploadTime != nil {
			jf.UploadTime = cf.UploadTime.UTC().Truncate(time.Microsecond).Format(uploadTimeLayout)
		}
		if cf.IsYanked && cf.YankedReason != nil {
			jf.Yanked = *cf.YankedReason
		}
		if mf := cf.MetadataFile; mf != nil {
			var meta any = true
			if len(mf.Hashes) > 0 {
				meta = mf.Digests()
			}
			jf.CoreMetadata, jf.DistInfoMetadata, jf.DataDistInfoMetadata = meta, meta, meta
		}
		page.Files = append(page.Files, jf)
	}

	data, err := json.Marshal(page)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", pkg.Name, err)
	}
	return data, nil
}

// projectPath is the canonical project page path.
func projectPath(slug, name string) string {
	return "/" + url.PathEscape(slug) + "/simple/" + url.PathEscape(name) + "/"
}

// filePath is where clients download cf from this mirror.
func filePath(pkg *records.Package, cf *records.CodeFile) string {
	version := records.UnknownVersion
	if cf.Version != nil {
		version = *cf.Version
	}
	return "/" + path.Join(
		url.PathEscape(cf.RepositorySlug),
		"file",
		url.PathEscape(pkg.Name),
		url.PathEscape(version),
		url.PathEscape(cf.Filename),
	)
}

// fileHref is filePath with the preferred hash as a fragment.
func fileHref(pkg *records.Package, cf *records.CodeFile) string {
	href := filePath(pkg, cf)
	if h, ok := pypi.PreferredHash(cf.Digests()); ok {
		href += "#" + h.Kind + "=" + h.Value
	}
	return href
}
