package toolchain

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	SourceFile = "driver.c"
	DBFile     = "compile_commands.json"
	FixesFile  = "fixes.yaml"
)

// Workspace is the per-task, per-iteration scratch directory. Parallel tasks
// never share one.
type Workspace struct {
	Dir    string
	Source string
	DB     string
	Fixes  string
}

func (w *Workspace) Vars(flags []string) Vars {
	return Vars{Source: w.Source, Dir: w.Dir, DB: w.DB, Fixes: w.Fixes, Flags: flags}
}

type compileCommand struct {
	Directory string   `json:"directory"`
	File      string   `json:"file"`
	Arguments []string `json:"arguments"`
}

// PrepareWorkspace writes the candidate and a single-entry compilation
// database into dir.
func PrepareWorkspace(dir, source, compiler string, flags []string) (*Workspace, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("creating workspace dir: %w", err)
	}
	ws := &Workspace{
		Dir:    abs,
		Source: filepath.Join(abs, SourceFile),
		DB:     filepath.Join(abs, DBFile),
		Fixes:  filepath.Join(abs, FixesFile),
	}
	if !strings.HasSuffix(source, "\n") {
		source += "\n"
	}
	if err := os.WriteFile(ws.Source, []byte(source), 0o644); err != nil {
		return nil, fmt.Errorf("writing candidate source: %w", err)
	}
	// A stale fixes file from a previous attempt must not be read back.
	os.Remove(ws.Fixes)

	if compiler == "" {
		compiler = "clang"
	}
	args := append([]string{compiler}, flags...)
	args = append(args, "-c", ws.Source, "-o", filepath.Join(abs, "driver.o"))
	db, err := json.MarshalIndent([]compileCommand{{
		Directory: abs,
		File:      ws.Source,
		Arguments: args,
	}}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling compilation database: %w", err)
	}
	if err := os.WriteFile(ws.DB, db, 0o644); err != nil {
		return nil, fmt.Errorf("writing compilation database: %w", err)
	}
	return ws, nil
}

// ReadFixes returns the exported fixes document, or "" if the analyzer did not
// write one.
func (w *Workspace) ReadFixes() (string, error) {
	data, err := os.ReadFile(w.Fixes)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading fixes file: %w", err)
	}
	return string(data), nil
}

// KernelRelease returns the running kernel's release string, or "" when it
// cannot be determined.
func KernelRelease() string {
	data, err := os.ReadFile("/proc/sys/kernel/osrelease")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
