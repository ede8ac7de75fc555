package stream

import (
	"fmt"
	"net/url"

	"github.com/cespare/xxhash/v2"
)

// URI identifies a stream source, e.g. pipe:///tmp/snapfifo?name=default
type URI struct {
	Raw      string            `json:"raw"`
	Scheme   string            `json:"scheme"`
	Host     string            `json:"host"`
	Path     string            `json:"path"`
	Fragment string            `json:"fragment"`
	Query    map[string]string `json:"query"`
}

// ParseURI parses a stream URI. Repeated query keys keep their first value.
func ParseURI(raw string) (URI, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return URI{}, fmt.Errorf("invalid stream uri %q: %w", raw, err)
	}
	if u.Scheme == "" {
		return URI{}, fmt.Errorf("invalid stream uri %q: missing scheme", raw)
	}

	query := make(map[string]string)
	for key, values := range u.Query() {
		if len(values) > 0 {
			query[key] = values[0]
		}
	}

	return URI{
		Raw:      raw,
		Scheme:   u.Scheme,
		Host:     u.Host,
		Path:     u.Path,
		Fragment: u.Fragment,
		Query:    query,
	}, nil
}

// ID is the stream identifier: the "name" query parameter, or a hash of the raw URI
func (u URI) ID() string {
	if name := u.Query["name"]; name != "" {
		return name
	}
	return fmt.Sprintf("%016x", xxhash.Sum64String(u.Raw))
}

// Name is the human readable stream name
func (u URI) Name() string {
	if name := u.Query["name"]; name != "" {
		return name
	}
	return u.Path
}
