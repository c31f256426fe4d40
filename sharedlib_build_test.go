package soload_test

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/sliverarmory/soload/trampoline"
)

var zigTargets = map[string]string{
	"amd64": "x86_64-linux-gnu",
	"arm64": "aarch64-linux-gnu",
	"arm":   "arm-linux-gnueabihf",
}

// buildDemoLibrary writes the import stubs for goarch and links them with
// testdata/c/mylib.c. zig cc is preferred; a host build falls back to cc.
func buildDemoLibrary(t *testing.T, outDir string, goarch string) string {
	t.Helper()

	emitter, err := trampoline.EmitterFor(goarch)
	if err != nil {
		t.Skipf("no import stubs for %s: %v", goarch, err)
	}
	pltPath := filepath.Join(outDir, "plt-"+goarch+".s")
	f, err := os.Create(pltPath)
	if err != nil {
		t.Fatalf("create %s: %v", pltPath, err)
	}
	if err := emitter.EmitPLT(f, []string{"new_foo", "new_bar"}); err != nil {
		t.Fatalf("emit import stubs for %s: %v", goarch, err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close %s: %v", pltPath, err)
	}

	output := filepath.Join(outDir, "libmylib-"+goarch+".so")
	args := []string{
		"-shared", "-fPIC", "-nostdlib",
		"-O2", "-g0",
		"-o", output,
		filepath.Join("testdata", "c", "mylib.c"),
		pltPath,
	}

	if _, err := exec.LookPath("zig"); err == nil {
		cmd := exec.Command("zig", append([]string{"cc", "-target", zigTargets[goarch]}, args...)...)
		cmd.Env = append(
			os.Environ(),
			"ZIG_GLOBAL_CACHE_DIR="+filepath.Join(os.TempDir(), "soload-zig-global-cache"),
			"ZIG_LOCAL_CACHE_DIR="+filepath.Join(os.TempDir(), "soload-zig-local-cache"),
		)
		out, err := cmd.CombinedOutput()
		if err == nil {
			return output
		}
		if goarch != runtime.GOARCH {
			t.Fatalf("build demo library for %s: %v\n%s", goarch, err, out)
		}
		t.Logf("zig cc failed for %s, retrying with cc: %v\n%s", goarch, err, out)
	}

	if goarch != runtime.GOARCH {
		t.Skipf("zig not found in PATH, cannot cross-build for %s", goarch)
	}
	requireCommand(t, "cc")
	out, err := exec.Command("cc", args...).CombinedOutput()
	if err != nil {
		t.Fatalf("build demo library: %v\n%s", err, out)
	}
	return output
}

func runCmd(t *testing.T, name string, args ...string) string {
	t.Helper()

	cmd := exec.Command(name, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("%s %s failed: %v\n%s", name, strings.Join(args, " "), err, output)
	}
	return string(output)
}

func requireCommand(t *testing.T, name string) {
	t.Helper()
	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("%s not found in PATH", name)
	}
}
