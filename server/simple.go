package server

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/wolfeidau/simple-mirror/backend"
	"github.com/wolfeidau/simple-mirror/cache"
	"github.com/wolfeidau/simple-mirror/protocol/pypi"
	"github.com/wolfeidau/simple-mirror/telemetry"
)

// handleIndex serves a project page in the negotiated format.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	slug := r.PathValue("repository")
	name := r.PathValue("package")
	telemetry.SetEndpoint(r, "index")
	telemetry.SetRepository(r, slug)

	if normalized := pypi.NormalizeName(name); normalized != name {
		http.Redirect(w, r, withQuery(projectPath(slug, normalized), r), http.StatusMovedPermanently)
		return
	}

	format, ok := pypi.DetermineIndexFormat(r.Header.Get("Accept"), r.URL.Query().Get("format"))
	if !ok {
		http.Error(w, http.StatusText(http.StatusNotAcceptable), http.StatusNotAcceptable)
		return
	}

	repo, err := s.svc.Repository(r.Context(), slug)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	key := cache.Key("index_page", map[string]string{
		"repository": slug,
		"package":    name,
		"format":     format.String(),
	})

	telemetry.SetCacheResult(r, telemetry.CacheMiss)
	body, hit, err := cache.Memoize(r.Context(), s.pages, key, repo.StalenessWindow(), func(ctx context.Context) ([]byte, error) {
		pkg, err := s.svc.GetPackage(ctx, slug, name)
		if err != nil {
			return nil, err
		}
		return render(format, pkg)
	})
	if err != nil && body == nil {
		s.writeError(w, r, err)
		return
	}
	if err != nil {
		s.logger.Warn("storing rendered page", "key", key, "error", err)
	}
	if hit {
		telemetry.SetCacheResult(r, telemetry.CacheHit)
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Vary", "Accept")
	_, _ = w.Write(body)
}

// handleFile serves a distribution or metadata file, caching it first
// when needed.
func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	slug := r.PathValue("repository")
	name := r.PathValue("package")
	filename := r.PathValue("filename")
	telemetry.SetEndpoint(r, "file")
	telemetry.SetRepository(r, slug)

	if normalized := pypi.NormalizeName(name); normalized != name {
		target := "/" + url.PathEscape(slug) + "/file/" + url.PathEscape(normalized) + "/" +
			url.PathEscape(r.PathValue("version")) + "/" + url.PathEscape(filename)
		http.Redirect(w, r, withQuery(target, r), http.StatusMovedPermanently)
		return
	}

	f, err := s.svc.GetPackageFile(r.Context(), slug, name, filename)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	telemetry.SetCacheResult(r, telemetry.CacheHit)

	if err := s.files.Serve(w, r, f); err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			// Already answered with a 404.
			s.logger.Warn("cached file missing from storage", "key", f.StorageKey())
			return
		}
		s.logger.Error("serving file", "key", f.StorageKey(), "error", err)
	}
}
