package httpbackend

import (
	"encoding/json"
	"io"

	"github.com/ovirt/imageiod/extent"
)

// decodeExtentsJSON parses the JSON array body returned by
// "GET /extents?context=..." (spec §4.4.6), reusing extent.Extent's
// own json tags so the wire shape here matches exactly what the local
// image handler emits for the same endpoint.
func decodeExtentsJSON(r io.Reader) ([]extent.Extent, error) {
	var items []extent.Extent
	if err := json.NewDecoder(r).Decode(&items); err != nil {
		return nil, err
	}
	return items, nil
}
