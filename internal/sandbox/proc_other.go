//go:build !unix

package sandbox

import (
	"os"
	"os/exec"
)

func isolate(*exec.Cmd) {}

func signaled(*os.ProcessState) (string, bool) {
	return "", false
}

func killGroup(*exec.Cmd) {}
