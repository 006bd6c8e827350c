//go:build (netbsd && amd64) || ios || freebsd || darwin || (linux && riscv64) || (linux && ppc64le) || (linux && s390x) || (linux && amd64) || (linux && arm64) || (linux && 386) || android || (openbsd && amd64) || (openbsd && arm64) || windows

package drivers

import (
	// Registers the pure-Go "sqlite" driver for the default single-file store.
	_ "modernc.org/sqlite"
)
