package records

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/wolfeidau/simple-mirror/protocol/pypi"
)

// MergeResult summarizes a Merge call.
type MergeResult struct {
	Created    bool // the package row was inserted by this call
	Added      int  // new code files
	Reconciled int  // existing code files touched by reconciliation
}

// GetPackage loads a package listing with all files and hashes, ordered by
// insertion.
func (d *DB) GetPackage(ctx context.Context, repo *Repository, name string) (*Package, error) {
	return getPackage(d.db.WithContext(ctx), repo, name)
}

func getPackage(tx *gorm.DB, repo *Repository, name string) (*Package, error) {
	byID := func(db *gorm.DB) *gorm.DB { return db.Order("id") }

	var p Package
	err := tx.
		Preload("CodeFiles", byID).
		Preload("CodeFiles.Hashes", byID).
		Preload("CodeFiles.MetadataFile").
		Preload("CodeFiles.MetadataFile.Hashes", byID).
		Where("repository_id = ? AND name = ?", repo.ID, name).
		Take(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading package %s/%s: %w", repo.Slug, name, err)
	}

	p.Repository = repo
	for _, cf := range p.CodeFiles {
		cf.RepositorySlug, cf.PackageName = repo.Slug, p.Name
		if cf.MetadataFile != nil {
			cf.MetadataFile.RepositorySlug, cf.MetadataFile.PackageName = repo.Slug, p.Name
		}
	}
	return &p, nil
}

// Merge adds files not yet recorded for the package and raises its
// last_updated to now. Existing filenames are left alone unless
// reconcile is set, in which case their yanked state is refreshed and
// missing hash kinds are appended. The package row is created if needed.
// Everything commits in a single transaction.
func (d *DB) Merge(ctx context.Context, repo *Repository, name string, files []pypi.ParsedFile, now time.Time, reconcile bool) (MergeResult, error) {
	now = normalizeTime(now)
	var res MergeResult

	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		p := Package{RepositoryID: repo.ID, Name: name, LastUpdated: now}
		created := tx.Clauses(clause.OnConflict{DoNothing: true}).Omit(clause.Associations).Create(&p)
		if created.Error != nil {
			return fmt.Errorf("creating package: %w", created.Error)
		}
		res.Created = created.RowsAffected > 0
		if !res.Created {
			if err := tx.Where("repository_id = ? AND name = ?", repo.ID, name).Take(&p).Error; err != nil {
				return fmt.Errorf("loading package: %w", err)
			}
		}

		var existing []CodeFile
		if err := tx.Preload("Hashes").Preload("MetadataFile.Hashes").
			Where("package_id = ?", p.ID).Find(&existing).Error; err != nil {
			return fmt.Errorf("loading files: %w", err)
		}
		known := make(map[string]*CodeFile, len(existing))
		for i := range existing {
			known[existing[i].Filename] = &existing[i]
		}

		for _, f := range files {
			if cf, ok := known[f.Filename]; ok {
				if !reconcile {
					continue
				}
				changed, err := reconcileFile(tx, cf, f)
				if err != nil {
					return err
				}
				if changed {
					res.Reconciled++
				}
				continue
			}

			added, err := insertFile(tx, p.ID, f)
			if err != nil {
				return err
			}
			if added {
				res.Added++
			}
		}

		if err := touch(tx, p.ID, now); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return MergeResult{}, fmt.Errorf("merging package %s/%s: %w", repo.Slug, name, err)
	}
	return res, nil
}

// insertFile records a parsed file and its metadata file. A concurrent
// writer that already inserted the same filename is not an error.
func insertFile(tx *gorm.DB, packageID uint, f pypi.ParsedFile) (bool, error) {
	cf := CodeFile{
		PackageID:      packageID,
		Filename:       f.Filename,
		Version:        f.Version,
		UpstreamURL:    f.URL,
		RequiresPython: f.RequiresPython,
		IsYanked:       f.Yanked,
		YankedReason:   f.YankedReason,
		Size:           f.Size,
		UploadTime:     f.UploadTime,
	}
	result := tx.Clauses(clause.OnConflict{DoNothing: true}).Omit(clause.Associations).Create(&cf)
	if result.Error != nil {
		return false, fmt.Errorf("inserting %s: %w", f.Filename, result.Error)
	}
	if result.RowsAffected == 0 {
		return false, nil
	}

	if err := insertCodeHashes(tx, cf.ID, f.Hashes); err != nil {
		return false, err
	}

	if f.Metadata == nil {
		return true, nil
	}
	mf := MetadataFile{
		PackageID:   packageID,
		CodeFileID:  cf.ID,
		Filename:    f.Metadata.Filename,
		Version:     f.Version,
		UpstreamURL: f.Metadata.URL,
	}
	result = tx.Clauses(clause.OnConflict{DoNothing: true}).Omit(clause.Associations).Create(&mf)
	if result.Error != nil {
		return false, fmt.Errorf("inserting %s: %w", f.Metadata.Filename, result.Error)
	}
	if result.RowsAffected == 0 {
		return true, nil
	}
	if err := insertMetadataHashes(tx, mf.ID, f.Metadata.Hashes); err != nil {
		return false, err
	}
	return true, nil
}

func insertCodeHashes(tx *gorm.DB, fileID uint, hashes []pypi.Hash) error {
	if len(hashes) == 0 {
		return nil
	}
	rows := make([]CodeFileHash, 0, len(hashes))
	for _, h := range hashes {
		rows = append(rows, CodeFileHash{FileID: fileID, Kind: h.Kind, Value: h.Value})
	}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error; err != nil {
		return fmt.Errorf("inserting hashes: %w", err)
	}
	return nil
}

func insertMetadataHashes(tx *gorm.DB, fileID uint, hashes []pypi.Hash) error {
	if len(hashes) == 0 {
		return nil
	}
	rows := make([]MetadataFileHash, 0, len(hashes))
	for _, h := range hashes {
		rows = append(rows, MetadataFileHash{FileID: fileID, Kind: h.Kind, Value: h.Value})
	}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error; err != nil {
		return fmt.Errorf("inserting metadata hashes: %w", err)
	}
	return nil
}

// reconcileFile updates yanked state and appends hash kinds the stored file
// lacks. Filename, version and URL are never rewritten.
func reconcileFile(tx *gorm.DB, cf *CodeFile, f pypi.ParsedFile) (bool, error) {
	changed := false

	if cf.IsYanked != f.Yanked || !equalStringPtr(cf.YankedReason, f.YankedReason) {
		err := tx.Model(&CodeFile{}).Where("id = ?", cf.ID).Updates(map[string]any{
			"is_yanked":     f.Yanked,
			"yanked_reason": f.YankedReason,
		}).Error
		if err != nil {
			return false, fmt.Errorf("reconciling %s: %w", cf.Filename, err)
		}
		changed = true
	}

	have := make(map[string]struct{}, len(cf.Hashes))
	for _, h := range cf.Hashes {
		have[h.Kind] = struct{}{}
	}
	var missing []pypi.Hash
	for _, h := range f.Hashes {
		if _, ok := have[h.Kind]; !ok {
			missing = append(missing, h)
		}
	}
	if len(missing) > 0 {
		if err := insertCodeHashes(tx, cf.ID, missing); err != nil {
			return false, err
		}
		changed = true
	}

	if cf.MetadataFile != nil && f.Metadata != nil {
		have := make(map[string]struct{}, len(cf.MetadataFile.Hashes))
		for _, h := range cf.MetadataFile.Hashes {
			have[h.Kind] = struct{}{}
		}
		var missing []pypi.Hash
		for _, h := range f.Metadata.Hashes {
			if _, ok := have[h.Kind]; !ok {
				missing = append(missing, h)
			}
		}
		if len(missing) > 0 {
			if err := insertMetadataHashes(tx, cf.MetadataFile.ID, missing); err != nil {
				return false, err
			}
			changed = true
		}
	}

	return changed, nil
}

func touch(tx *gorm.DB, packageID uint, now time.Time) error {
	err := tx.Model(&Package{}).
		Where("id = ? AND last_updated < ?", packageID, now).
		Update("last_updated", now).Error
	if err != nil {
		return fmt.Errorf("updating last_updated: %w", err)
	}
	return nil
}

// MarkCodeFileCached sets is_cached. The flag is never cleared.
func (d *DB) MarkCodeFileCached(ctx context.Context, id uint) error {
	err := d.db.WithContext(ctx).Model(&CodeFile{}).
		Where("id = ? AND is_cached = ?", id, false).
		Update("is_cached", true).Error
	if err != nil {
		return fmt.Errorf("marking code file %d cached: %w", id, err)
	}
	return nil
}

// MarkMetadataFileCached sets is_cached. The flag is never cleared.
func (d *DB) MarkMetadataFileCached(ctx context.Context, id uint) error {
	err := d.db.WithContext(ctx).Model(&MetadataFile{}).
		Where("id = ? AND is_cached = ?", id, false).
		Update("is_cached", true).Error
	if err != nil {
		return fmt.Errorf("marking metadata file %d cached: %w", id, err)
	}
	return nil
}

func equalStringPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
