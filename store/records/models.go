package records

import (
	"path"
	"time"
)

// UnknownVersion is the storage key segment used when a filename carries no
// parseable version.
const UnknownVersion = "UNKNOWN"

// Repository is a configured upstream Simple API index.
type Repository struct {
	ID             uint   `gorm:"primaryKey"`
	Slug           string `gorm:"size:100;not null;uniqueIndex"`
	SimpleURL      string `gorm:"size:2048;not null"`
	CacheMinutes   int    `gorm:"not null"`
	TimeoutSeconds int    `gorm:"not null"`
	Reconcile      bool   `gorm:"not null;default:false"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// StalenessWindow is how long a package listing is trusted after a refresh.
func (r *Repository) StalenessWindow() time.Duration {
	return time.Duration(r.CacheMinutes) * time.Minute
}

// Timeout bounds a single upstream index fetch.
func (r *Repository) Timeout() time.Duration {
	return time.Duration(r.TimeoutSeconds) * time.Second
}

// Package is one project listing within a Repository.
type Package struct {
	ID           uint        `gorm:"primaryKey"`
	RepositoryID uint        `gorm:"not null;uniqueIndex:idx_packages_repository_name"`
	Repository   *Repository `gorm:"foreignKey:RepositoryID"`
	Name         string      `gorm:"size:255;not null;uniqueIndex:idx_packages_repository_name"`
	LastUpdated  time.Time   `gorm:"not null;index"`
	CodeFiles    []*CodeFile `gorm:"foreignKey:PackageID"`
}

// IsCurrent reports whether the listing was refreshed within window of now.
func (p *Package) IsCurrent(now time.Time, window time.Duration) bool {
	return p.LastUpdated.After(now.Add(-window))
}

// CodeFile returns the distribution file with the given name.
func (p *Package) CodeFile(filename string) (*CodeFile, bool) {
	for _, cf := range p.CodeFiles {
		if cf.Filename == filename {
			return cf, true
		}
	}
	return nil, false
}

// MetadataFile returns the core metadata file with the given name.
func (p *Package) MetadataFile(filename string) (*MetadataFile, bool) {
	for _, cf := range p.CodeFiles {
		if cf.MetadataFile != nil && cf.MetadataFile.Filename == filename {
			return cf.MetadataFile, true
		}
	}
	return nil, false
}

// Versions returns the distinct known versions in first-seen order.
func (p *Package) Versions() []string {
	seen := make(map[string]struct{})
	var versions []string
	for _, cf := range p.CodeFiles {
		if cf.Version == nil {
			continue
		}
		if _, ok := seen[*cf.Version]; ok {
			continue
		}
		seen[*cf.Version] = struct{}{}
		versions = append(versions, *cf.Version)
	}
	return versions
}

// CodeFile is a distribution file (wheel, sdist or legacy archive).
type CodeFile struct {
	ID             uint    `gorm:"primaryKey"`
	PackageID      uint    `gorm:"not null;uniqueIndex:idx_code_files_package_filename"`
	Filename       string  `gorm:"size:255;not null;uniqueIndex:idx_code_files_package_filename"`
	Version        *string `gorm:"size:100"`
	UpstreamURL    string  `gorm:"size:2048;not null"`
	RequiresPython *string `gorm:"size:255"`
	IsYanked       bool    `gorm:"not null;default:false"`
	YankedReason   *string
	Size           *int64
	UploadTime     *time.Time
	IsCached       bool           `gorm:"not null;default:false"`
	Hashes         []CodeFileHash `gorm:"foreignKey:FileID"`
	MetadataFile   *MetadataFile  `gorm:"foreignKey:CodeFileID"`

	RepositorySlug string `gorm:"-"`
	PackageName    string `gorm:"-"`
}

// Name returns the filename.
func (f *CodeFile) Name() string { return f.Filename }

// SourceURL returns the upstream download URL.
func (f *CodeFile) SourceURL() string { return f.UpstreamURL }

// Cached reports whether the file has been written to blob storage.
func (f *CodeFile) Cached() bool { return f.IsCached }

// StorageKey returns "{repository}/{package}/{version}/{filename}".
func (f *CodeFile) StorageKey() string {
	return storageKey(f.RepositorySlug, f.PackageName, f.Version, f.Filename)
}

// Digests returns the known hashes keyed by kind.
func (f *CodeFile) Digests() map[string]string {
	out := make(map[string]string, len(f.Hashes))
	for _, h := range f.Hashes {
		out[h.Kind] = h.Value
	}
	return out
}

// MetadataFile is the PEP 658 core metadata file for a CodeFile.
type MetadataFile struct {
	ID          uint               `gorm:"primaryKey"`
	PackageID   uint               `gorm:"not null;uniqueIndex:idx_metadata_files_package_filename"`
	CodeFileID  uint               `gorm:"not null;uniqueIndex"`
	Filename    string             `gorm:"size:255;not null;uniqueIndex:idx_metadata_files_package_filename"`
	Version     *string            `gorm:"size:100"`
	UpstreamURL string             `gorm:"size:2048;not null"`
	IsCached    bool               `gorm:"not null;default:false"`
	Hashes      []MetadataFileHash `gorm:"foreignKey:FileID"`

	RepositorySlug string `gorm:"-"`
	PackageName    string `gorm:"-"`
}

// Name returns the filename.
func (f *MetadataFile) Name() string { return f.Filename }

// SourceURL returns the upstream download URL.
func (f *MetadataFile) SourceURL() string { return f.UpstreamURL }

// Cached reports whether the file has been written to blob storage.
func (f *MetadataFile) Cached() bool { return f.IsCached }

// StorageKey returns "{repository}/{package}/{version}/{filename}".
func (f *MetadataFile) StorageKey() string {
	return storageKey(f.RepositorySlug, f.PackageName, f.Version, f.Filename)
}

// Digests returns the known hashes keyed by kind.
func (f *MetadataFile) Digests() map[string]string {
	out := make(map[string]string, len(f.Hashes))
	for _, h := range f.Hashes {
		out[h.Kind] = h.Value
	}
	return out
}

// CodeFileHash is one digest of a CodeFile. Kinds are unique per file.
type CodeFileHash struct {
	ID     uint   `gorm:"primaryKey"`
	FileID uint   `gorm:"not null;uniqueIndex:idx_code_file_hashes_file_kind"`
	Kind   string `gorm:"size:20;not null;uniqueIndex:idx_code_file_hashes_file_kind"`
	Value  string `gorm:"size:255;not null"`
}

// MetadataFileHash is one digest of a MetadataFile.
type MetadataFileHash struct {
	ID     uint   `gorm:"primaryKey"`
	FileID uint   `gorm:"not null;uniqueIndex:idx_metadata_file_hashes_file_kind"`
	Kind   string `gorm:"size:20;not null;uniqueIndex:idx_metadata_file_hashes_file_kind"`
	Value  string `gorm:"size:255;not null"`
}

// CacheEntry is a row of the durable TTL cache. A nil Expiration never expires.
type CacheEntry struct {
	ID         uint       `gorm:"primaryKey"`
	Key        string     `gorm:"size:255;not null;uniqueIndex"`
	Value      []byte     `gorm:"not null"`
	Expiration *time.Time `gorm:"index"`
}

func storageKey(repository, pkg string, version *string, filename string) string {
	v := UnknownVersion
	if version != nil && *version != "" {
		v = *version
	}
	return path.Join(repository, pkg, v, filename)
}
