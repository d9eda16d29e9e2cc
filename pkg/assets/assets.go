// Package assets serves the admin UI's static files (§6.5). The admin HTML
// page itself is out of scope (§1); this only covers the static-file half
// needed so /admin/static/* is servable.
package assets

import (
	"embed"
	"fmt"
	"path"
	"strings"
)

//go:embed files/static/*
var FS embed.FS

// LoadStaticAsset returns the named file under files/static, rejecting any
// attempt to escape that directory.
func LoadStaticAsset(name string) ([]byte, error) {
	clean := strings.TrimPrefix(path.Clean("/"+name), "/")
	if clean == "" || clean == "." || strings.HasPrefix(clean, "..") {
		return nil, fmt.Errorf("invalid static asset name")
	}
	b, err := FS.ReadFile("files/static/" + clean)
	if err != nil {
		return nil, fmt.Errorf("read static asset: %w", err)
	}
	return b, nil
}
