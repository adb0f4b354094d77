package harvest

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// DefaultExtension is the document extension harvested when none is configured.
const DefaultExtension = "pom"

// Layout maps work items onto document locations under a fixed base using
// the Maven repository layout:
//
//	<base>/<group segments>/<artifactId>/<version>/<artifactId>-<version>.<ext>
type Layout struct {
	base      *url.URL
	extension string
}

// NewLayout validates the base location and returns a Layout.
func NewLayout(baseURL, extension string) (*Layout, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("base url is required")
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", baseURL)
	}
	if base.RawQuery != "" || base.Fragment != "" {
		return nil, fmt.Errorf("base url %q must not carry a query or fragment", baseURL)
	}
	extension = strings.TrimPrefix(strings.TrimSpace(extension), ".")
	if extension == "" {
		extension = DefaultExtension
	}
	return &Layout{base: base, extension: extension}, nil
}

// Base returns a copy of the base location.
func (l *Layout) Base() *url.URL {
	u := *l.base
	return &u
}

// Extension returns the document extension without its leading dot.
func (l *Layout) Extension() string {
	return l.extension
}

// Segments returns the unescaped path segments appended to the base for item.
func (l *Layout) Segments(item WorkItem) []string {
	groups := strings.Split(item.GroupID, ".")
	segments := make([]string, 0, len(groups)+3)
	segments = append(segments, groups...)
	return append(segments,
		item.ArtifactID,
		item.Version,
		fmt.Sprintf("%s-%s.%s", item.ArtifactID, item.Version, l.extension),
	)
}

// URL builds the document location for item. Each segment is escaped on its
// own, so a "/" inside an identifier can never introduce an extra level.
func (l *Layout) URL(item WorkItem) *url.URL {
	u := *l.base
	plain := strings.TrimSuffix(l.base.Path, "/")
	escaped := strings.TrimSuffix(l.base.EscapedPath(), "/")
	for _, segment := range l.Segments(item) {
		plain += "/" + segment
		escaped += "/" + url.PathEscape(segment)
	}
	u.Path = plain
	u.RawPath = escaped
	return &u
}

// ObjectKey returns the location of a URL relative to bucket root, for
// object-store backends addressed as scheme://bucket/prefix.
func ObjectKey(u *url.URL) string {
	return strings.TrimPrefix(u.Path, "/")
}
