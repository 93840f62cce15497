package imageiodpkg

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ovirt/imageiod/apierr"
)

// parseRange parses a `Range: bytes=START-END` header (spec §6 wire
// formats: closed interval, inclusive). A missing header yields the
// full image (isRange=false); a missing upper bound defaults to
// size-1 (§4.1 tie-breaks); anything else malformed, multi-range, or
// out of [0, size) is RangeNotSatisfiable.
func parseRange(header string, size uint64) (start, endInclusive uint64, isRange bool, err error) {
	if header == "" {
		if size == 0 {
			return 0, 0, false, nil
		}
		return 0, size - 1, false, nil
	}

	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return 0, 0, false, apierr.RangeNotSatisfiable("imageiodpkg: malformed Range header")
	}
	if strings.Contains(spec, ",") {
		return 0, 0, false, apierr.RangeNotSatisfiable("imageiodpkg: multi-range requests are not supported")
	}

	startStr, endStr, ok := strings.Cut(spec, "-")
	if !ok || startStr == "" {
		return 0, 0, false, apierr.RangeNotSatisfiable("imageiodpkg: malformed Range header")
	}
	start, err = strconv.ParseUint(startStr, 10, 64)
	if err != nil {
		return 0, 0, false, apierr.RangeNotSatisfiable("imageiodpkg: malformed Range header")
	}

	if endStr == "" {
		if size == 0 {
			return 0, 0, false, apierr.RangeNotSatisfiable("imageiodpkg: range outside image")
		}
		endInclusive = size - 1
	} else {
		endInclusive, err = strconv.ParseUint(endStr, 10, 64)
		if err != nil {
			return 0, 0, false, apierr.RangeNotSatisfiable("imageiodpkg: malformed Range header")
		}
	}

	if start > endInclusive || endInclusive >= size {
		return 0, 0, false, apierr.RangeNotSatisfiable("imageiodpkg: range outside image")
	}

	return start, endInclusive, true, nil
}

// parseContentRangeStart parses a `Content-Range: bytes START-END/*`
// header (spec §6: "the server uses only START"); an absent header
// defaults START to 0 (spec §4.4.3).
func parseContentRangeStart(header string) (uint64, error) {
	if header == "" {
		return 0, nil
	}
	spec, ok := strings.CutPrefix(header, "bytes ")
	if !ok {
		return 0, apierr.BadRequest("imageiodpkg: malformed Content-Range header")
	}
	startStr, _, ok := strings.Cut(spec, "-")
	if !ok {
		return 0, apierr.BadRequest("imageiodpkg: malformed Content-Range header")
	}
	start, err := strconv.ParseUint(startStr, 10, 64)
	if err != nil {
		return 0, apierr.BadRequest("imageiodpkg: malformed Content-Range header")
	}
	return start, nil
}

// parseFlushQuery parses the PUT `?flush=y|n` query parameter (spec
// §4.4.3): absent defaults to "y", and anything other than "y" or "n"
// is rejected rather than silently treated as one or the other.
func parseFlushQuery(value string) (bool, error) {
	switch value {
	case "", "y":
		return true, nil
	case "n":
		return false, nil
	default:
		return false, apierr.BadRequest(fmt.Sprintf("imageiodpkg: invalid flush value %q", value))
	}
}
