package main

// crosscompile.go builds kalk-planner for every platform the pure-Go SQLite
// driver supports and stamps the binaries with the git build number.
//
//	go run ./scripts            # all targets
//	go run ./scripts linux/amd64 windows/amd64

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"golang.org/x/sync/errgroup"
)

var targets = []string{
	"linux/amd64", "linux/arm64", "linux/386", "linux/riscv64", "linux/ppc64le", "linux/s390x",
	"darwin/amd64", "darwin/arm64",
	"windows/amd64", "windows/arm64", "windows/386",
	"freebsd/amd64", "openbsd/amd64", "openbsd/arm64", "netbsd/amd64",
}

func main() {
	root, err := git("rev-parse", "--show-toplevel")
	if err != nil {
		log.Fatalf("git root: %v", err)
	}
	version, err := buildVersion()
	if err != nil {
		log.Fatalf("version: %v", err)
	}
	fmt.Printf("Building version: %s\n", version)

	out := filepath.Join(root, "binaries", version)
	if err := os.MkdirAll(out, 0o755); err != nil {
		log.Fatalf("binaries dir: %v", err)
	}
	latest := filepath.Join(root, "binaries", "latest")
	_ = os.Remove(latest)
	if err := os.Symlink(version, latest); err != nil {
		log.Printf("Warning: failed to create symlink 'latest': %v", err)
	}

	want := targets
	if len(os.Args) > 1 {
		want = os.Args[1:]
	}

	g, ctx := errgroup.WithContext(context.Background())
	g.SetLimit(runtime.NumCPU())
	for _, target := range want {
		goos, goarch, ok := strings.Cut(target, "/")
		if !ok {
			log.Fatalf("target %q is not os/arch", target)
		}
		g.Go(func() error {
			if err := build(ctx, root, out, version, goos, goarch); err != nil {
				// One failing platform should not stop the others.
				log.Printf("%s/%s: %v", goos, goarch, err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func build(ctx context.Context, root, out, version, goos, goarch string) error {
	name := "kalk-planner"
	if goos == "windows" {
		name += ".exe"
	}
	dirOS := goos
	if goos == "darwin" {
		dirOS = "mac"
	}
	dir := filepath.Join(out, dirOS, goarch)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	target := filepath.Join(dir, name)

	cmd := exec.CommandContext(ctx, "go", "build",
		"-trimpath",
		"-ldflags", fmt.Sprintf("-s -w -X 'main.CompileVersion=%s'", version),
		"-o", target, ".")
	cmd.Dir = root
	cmd.Env = append(os.Environ(), "GOOS="+goos, "GOARCH="+goarch, "CGO_ENABLED=0")
	if output, err := cmd.CombinedOutput(); err != nil {
		_ = os.RemoveAll(dir)
		return fmt.Errorf("%v\n%s", err, output)
	}
	fmt.Printf("Successfully built %s for %s/%s\n", name, goos, goarch)
	return nil
}

// buildVersion prefers the CI run number, then the commit count, and marks
// builds from a dirty tree.
func buildVersion() (string, error) {
	n := os.Getenv("GITHUB_RUN_NUMBER")
	if n == "" {
		count, err := git("rev-list", "--count", "HEAD")
		if err != nil {
			return "", err
		}
		n = count
	}
	status, err := git("status", "--porcelain")
	if err != nil {
		return "", err
	}
	if status != "" {
		n += "-dirty"
	}
	return n, nil
}

func git(args ...string) (string, error) {
	out, err := exec.Command("git", args...).Output()
	if err != nil {
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(string(out)), nil
}
