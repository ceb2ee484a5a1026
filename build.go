//go:build ignore

// build.go 构建 cmd/ 下的命令。
//
//	go run build.go                       # plotterd and plotctl for this machine
//	go run build.go -platform linux/arm -only plotterd
//
// The platform flag cross-compiles the host daemon for the board that sits next
// to the plotter; plotctl usually stays on the operator's machine.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
)

func main() {
	var (
		outputDir = flag.String("o", "bin", "output directory")
		platform  = flag.String("platform", "", "GOOS/GOARCH to build for, empty for the host")
		only      = flag.String("only", "", "comma separated commands to build, empty for all")
	)
	flag.Parse()

	commands, err := findCommands("cmd", *only)
	if err != nil {
		fail("%v", err)
	}

	env := os.Environ()
	suffix := ""
	if *platform != "" {
		goos, goarch, ok := strings.Cut(*platform, "/")
		if !ok || goos == "" || goarch == "" {
			fail("platform must look like linux/arm, got %q", *platform)
		}
		env = append(env, "GOOS="+goos, "GOARCH="+goarch, "CGO_ENABLED=0")
		if goos == "windows" {
			suffix = ".exe"
		}
		*outputDir = filepath.Join(*outputDir, goos+"_"+goarch)
	}

	if err := os.MkdirAll(*outputDir, 0755); err != nil {
		fail("creating %s: %v", *outputDir, err)
	}

	for _, name := range commands {
		output := filepath.Join(*outputDir, name+suffix)
		fmt.Printf("Building %s -> %s\n", name, output)

		cmd := exec.Command("go", "build", "-trimpath", "-o", output, "./cmd/"+name)
		cmd.Env = env
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Run(); err != nil {
			fail("building %s: %v", name, err)
		}
	}

	fmt.Printf("Built %d command(s) into %s\n", len(commands), *outputDir)
}

// findCommands lists the directories under root holding a main.go, narrowed
// to the names in only when it is set.
func findCommands(root, only string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}

	found := map[string]bool{}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(root, e.Name(), "main.go")); err == nil {
			found[e.Name()] = true
		}
	}

	var names []string
	if only == "" {
		for name := range found {
			names = append(names, name)
		}
		sort.Strings(names)
		return names, nil
	}
	for _, name := range strings.Split(only, ",") {
		name = strings.TrimSpace(name)
		if !found[name] {
			return nil, fmt.Errorf("no command %q under %s", name, root)
		}
		names = append(names, name)
	}
	return names, nil
}

func fail(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "build: "+format+"\n", args...)
	os.Exit(1)
}
