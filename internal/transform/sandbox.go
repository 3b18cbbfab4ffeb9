package transform

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"strings"
)

// AllowedPackages are the standard library packages a Go transform may
// import. Transforms are pure data shaping, so I/O and network packages are
// absent.
var AllowedPackages = map[string]bool{
	"fmt":           true,
	"strings":       true,
	"strconv":       true,
	"encoding/json": true,
	"time":          true,
	"math":          true,
	"sort":          true,
	"errors":        true,
	"unicode":       true,
	"unicode/utf8":  true,
	"regexp":        true,
	"maps":          true,
	"slices":        true,
}

// BlockedPackages are rejected even if added to AllowedPackages.
var BlockedPackages = map[string]bool{
	"os":            true,
	"os/exec":       true,
	"syscall":       true,
	"unsafe":        true,
	"plugin":        true,
	"reflect":       true,
	"runtime":       true,
	"net":           true,
	"net/http":      true,
	"io":            true,
	"io/fs":         true,
	"sync":          true,
	"context":       true,
	"crypto/tls":    true,
	"path/filepath": true,
}

// IsPackageAllowed reports whether a transform may import pkg.
func IsPackageAllowed(pkg string) bool {
	if BlockedPackages[pkg] {
		return false
	}
	return AllowedPackages[pkg]
}

// ValidateSource checks syntax, import policy, and that the file declares a
// top-level ToDTO function. It returns the package name.
func ValidateSource(source string) (string, error) {
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, "transform.go", source, parser.SkipObjectResolution)
	if err != nil {
		return "", fmt.Errorf("syntax error: %w", err)
	}

	for _, imp := range f.Imports {
		pkg := strings.Trim(imp.Path.Value, `"`)
		if !IsPackageAllowed(pkg) {
			return "", fmt.Errorf("import %q is not allowed in transforms", pkg)
		}
	}

	for _, decl := range f.Decls {
		fn, ok := decl.(*ast.FuncDecl)
		if ok && fn.Recv == nil && fn.Name.Name == EntryPoint {
			return f.Name.Name, nil
		}
	}
	return "", fmt.Errorf("transform must declare func %s", EntryPoint)
}
