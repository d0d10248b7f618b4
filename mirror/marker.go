package mirror

import (
	"context"
	"fmt"

	"github.com/wolfeidau/simple-mirror/blobcache"
	"github.com/wolfeidau/simple-mirror/store/records"
)

// Marker records cached files in the database.
type Marker struct {
	db *records.DB
}

var _ blobcache.Marker = (*Marker)(nil)

// NewMarker creates a Marker for files loaded from db.
func NewMarker(db *records.DB) *Marker {
	return &Marker{db: db}
}

// MarkCached implements blobcache.Marker.
func (m *Marker) MarkCached(ctx context.Context, f blobcache.File) error {
	switch v := f.(type) {
	case *records.CodeFile:
		if err := m.db.MarkCodeFileCached(ctx, v.ID); err != nil {
			return err
		}
		v.IsCached = true
	case *records.MetadataFile:
		if err := m.db.MarkMetadataFileCached(ctx, v.ID); err != nil {
			return err
		}
		v.IsCached = true
	default:
		return fmt.Errorf("unsupported file type %T", f)
	}
	return nil
}
