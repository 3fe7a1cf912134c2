package ipc

import (
	"go/parser"
	"go/token"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

// The client side must stay free of the wireguard-go device and netstack.
func TestNoDeviceImports(t *testing.T) {
	files, err := filepath.Glob("*.go")
	if err != nil {
		t.Fatal(err)
	}
	fset := token.NewFileSet()
	for _, name := range files {
		if strings.HasSuffix(name, "_test.go") {
			continue
		}
		f, err := parser.ParseFile(fset, name, nil, parser.ImportsOnly)
		if err != nil {
			t.Fatalf("parse %s: %v", name, err)
		}
		for _, imp := range f.Imports {
			path, _ := strconv.Unquote(imp.Path.Value)
			switch {
			case strings.HasSuffix(path, "/internal/userspace"),
				path == "golang.zx2c4.com/wireguard/device",
				strings.HasPrefix(path, "golang.zx2c4.com/wireguard/tun"):
				t.Errorf("%s imports %s", name, path)
			}
		}
	}
}
