package blob

import (
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"golang.org/x/tools/go/packages"
)

// TestOnlyLibraryAndReportImportBlob ensures the blob backends stay behind
// the library and report layers. The editing engine and domain packages must
// never reach into byte storage directly.
func TestOnlyLibraryAndReportImportBlob(t *testing.T) {
	blobPath := "mezocore/internal/library/blob"
	allowedPrefixes := []string{
		"mezocore/internal/library",
		"mezocore/internal/report",
	}

	cfg := &packages.Config{Mode: packages.NeedName | packages.NeedImports, Tests: true}
	pkgs, err := packages.Load(cfg, "mezocore/...")
	if err != nil {
		t.Fatalf("load packages: %v", err)
	}

	seen := make(map[string]struct{})

	for _, pkg := range pkgs {
		if allowedBlobImporter(pkg.PkgPath, allowedPrefixes) {
			continue
		}
		for importPath := range pkg.Imports {
			if importPath == blobPath || strings.HasPrefix(importPath, blobPath+"/") {
				pos := filepath.Join(pkg.PkgPath, "...")
				seen[pos+": "+importPath] = struct{}{}
			}
		}
	}

	if len(seen) > 0 {
		violations := make([]string, 0, len(seen))
		for v := range seen {
			violations = append(violations, v)
		}
		sort.Strings(violations)
		for _, v := range violations {
			t.Errorf("forbidden import of blob package: %s", v)
		}
		t.Fatalf("found %d forbidden imports of blob packages", len(violations))
	}
}

func allowedBlobImporter(pkgPath string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if pkgPath == prefix || strings.HasPrefix(pkgPath, prefix+"/") {
			return true
		}
	}
	return false
}
