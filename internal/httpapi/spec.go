package httpapi

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/quietstream/nvr/internal/model"
)

// viewGroup is one comma-separated element of a view.mp4 RECORDING_SPEC:
// an inclusive range of composite ids, optionally trimmed to a
// [relStart, relEnd) sample-relative sub-window.
type viewGroup struct {
	StartID  model.CompositeID
	EndID    model.CompositeID
	RelStart *int64
	RelEnd   *int64
}

// parseViewSpec parses RECORDING_SPEC := id[-id][.relStart-relEnd][,…].
// ids are decimal CompositeID values (stream_id and sequence already
// packed together), matching how they're rendered in GET /recordings
// summaries.
func parseViewSpec(raw string) ([]viewGroup, error) {
	if raw == "" {
		return nil, fmt.Errorf("httpapi: empty recording spec")
	}
	var groups []viewGroup
	for _, part := range strings.Split(raw, ",") {
		g, err := parseViewGroup(part)
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, nil
}

func parseViewGroup(part string) (viewGroup, error) {
	var g viewGroup

	idRange := part
	if dot := strings.Index(part, "."); dot >= 0 {
		idRange = part[:dot]
		relStart, relEnd, err := parseRelRange(part[dot+1:])
		if err != nil {
			return g, err
		}
		g.RelStart = &relStart
		g.RelEnd = &relEnd
	}

	if dash := strings.Index(idRange, "-"); dash >= 0 {
		start, err := parseCompositeID(idRange[:dash])
		if err != nil {
			return g, err
		}
		end, err := parseCompositeID(idRange[dash+1:])
		if err != nil {
			return g, err
		}
		g.StartID, g.EndID = start, end
	} else {
		id, err := parseCompositeID(idRange)
		if err != nil {
			return g, err
		}
		g.StartID, g.EndID = id, id
	}
	if g.EndID < g.StartID {
		return g, fmt.Errorf("httpapi: recording spec range %q ends before it starts", idRange)
	}
	return g, nil
}

func parseRelRange(s string) (start, end int64, err error) {
	dash := strings.Index(s, "-")
	if dash < 0 {
		return 0, 0, fmt.Errorf("httpapi: malformed trim range %q", s)
	}
	start, err = strconv.ParseInt(s[:dash], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("httpapi: malformed trim start %q: %w", s[:dash], err)
	}
	end, err = strconv.ParseInt(s[dash+1:], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("httpapi: malformed trim end %q: %w", s[dash+1:], err)
	}
	if end <= start {
		return 0, 0, fmt.Errorf("httpapi: trim range %q is empty or negative", s)
	}
	return start, end, nil
}

func parseCompositeID(s string) (model.CompositeID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("httpapi: malformed composite id %q: %w", s, err)
	}
	return model.CompositeID(v), nil
}
