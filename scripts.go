// Package blegate bundles the example Lua scripts shipped with the CLI.
package blegate

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
)

//go:embed examples/*.lua
var examples embed.FS

// ExampleNames lists the bundled scripts without their .lua suffix.
func ExampleNames() []string {
	entries, err := fs.ReadDir(examples, "examples")
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, strings.TrimSuffix(e.Name(), ".lua"))
	}
	sort.Strings(names)
	return names
}

// Example returns the source of the bundled script called name.
func Example(name string) (string, error) {
	data, err := examples.ReadFile(path.Join("examples", name+".lua"))
	if err != nil {
		return "", fmt.Errorf("unknown example %q (available: %s)", name, strings.Join(ExampleNames(), ", "))
	}
	return string(data), nil
}
