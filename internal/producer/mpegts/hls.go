package mpegts

import (
	"bytes"
	"context"
	"fmt"
	"net/url"

	"github.com/bluenviron/gohlslib/v2/pkg/playlist"

	"github.com/avioformat/demuxcore/internal/bytesource"
)

// resolveReference implements the access_references option (spec.md §6):
// when the opened source turns out to be an HLS multivariant playlist
// rather than raw TS, pick its first variant and open that instead. It
// reuses gohlslib's playlist types purely for parsing — no HLS client,
// segment fetching, or live-playlist refresh logic is pulled in, since
// demuxcore's Producer contract has no notion of segmented sources.
func resolveReference(ctx context.Context, baseURL string, peek []byte) (string, bool, error) {
	if !bytes.HasPrefix(bytes.TrimSpace(peek), []byte("#EXTM3U")) {
		return baseURL, false, nil
	}

	pl, err := playlist.Unmarshal(peek)
	if err != nil {
		return "", false, fmt.Errorf("mpegts: parsing referenced playlist: %w", err)
	}

	multivariant, ok := pl.(*playlist.Multivariant)
	if !ok || len(multivariant.Variants) == 0 {
		// A media playlist with no further reference to resolve; nothing to do.
		return baseURL, false, nil
	}

	base, err := url.Parse(baseURL)
	if err != nil {
		return "", false, fmt.Errorf("mpegts: parsing base URL: %w", err)
	}
	variantURL, err := base.Parse(multivariant.Variants[0].URI)
	if err != nil {
		return "", false, fmt.Errorf("mpegts: resolving variant URL: %w", err)
	}

	return variantURL.String(), true, nil
}

// reopenIfReferenced swaps src for a variant stream's own byte source when
// resolveReference finds one, closing the original. Returns src unchanged
// when there is nothing to resolve.
func reopenIfReferenced(ctx context.Context, url string, src bytesource.Source, peek []byte) (bytesource.Source, error) {
	resolved, changed, err := resolveReference(ctx, url, peek)
	if err != nil {
		return nil, err
	}
	if !changed {
		return src, nil
	}

	src.Close()
	return bytesource.NewHTTPByteSource(ctx, resolved, nil)
}
