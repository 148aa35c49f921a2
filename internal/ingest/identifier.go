package ingest

import (
	"fmt"
	"regexp"
)

// identifierPattern matches the CKAN-style path .../dataset/<code>/.../resource/<code>.
var identifierPattern = regexp.MustCompile(`dataset/([a-fA-F0-9-]+).*?/resource/([a-fA-F0-9-]+)`)

// DeriveIdentifier extracts "<dataset>_<resource>" from a file link.
func DeriveIdentifier(link string) (string, error) {
	m := identifierPattern.FindStringSubmatch(link)
	if m == nil {
		return "", fmt.Errorf("%w: %s", ErrNoIdentifier, link)
	}
	return m[1] + "_" + m[2], nil
}
