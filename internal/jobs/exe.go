package jobs

import (
	"os"
	"path/filepath"
	"strings"
)

// ResolveSelfExecutable finds the path of the running binary so jobs can
// re-invoke it with a worker subcommand. Under `go run` the executable
// lives in the build cache and vanishes with the process; in that case we
// fall back to the invoked argv[0] if it points at a real file, else "".
func ResolveSelfExecutable() string {
	exe, err := os.Executable()
	if err == nil && !isEphemeralBuild(exe) {
		return exe
	}

	arg0, err := filepath.Abs(os.Args[0])
	if err != nil {
		return ""
	}
	if info, err := os.Stat(arg0); err != nil || info.IsDir() {
		return ""
	}
	if isEphemeralBuild(arg0) {
		return ""
	}
	return arg0
}

func isEphemeralBuild(path string) bool {
	return strings.Contains(path, string(filepath.Separator)+"go-build") ||
		strings.Contains(path, string(filepath.Separator)+"T"+string(filepath.Separator)+"go-build")
}
