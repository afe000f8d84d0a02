package exchange

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
)

// LocalChannel connects two exchange trees on the same filesystem. The "peer"
// is just another base directory, so every operation is a copy or rename.
type LocalChannel struct {
	peerBase string
}

// NewLocalChannel returns a channel rooted at the peer's base directory.
func NewLocalChannel(peerBase string) *LocalChannel {
	return &LocalChannel{peerBase: peerBase}
}

func (c *LocalChannel) Put(localPath, remoteName string) error {
	dst := filepath.Join(c.peerBase, remoteName)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create peer directory: %w", err)
	}
	return copyFile(localPath, dst)
}

func (c *LocalChannel) Get(remotePattern, localDir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(c.peerBase, remotePattern))
	if err != nil {
		return nil, fmt.Errorf("glob %s: %w", remotePattern, err)
	}
	var fetched []string
	for _, src := range matches {
		dst := filepath.Join(localDir, filepath.Base(src))
		if err := copyFile(src, dst); err != nil {
			return fetched, err
		}
		fetched = append(fetched, dst)
	}
	return fetched, nil
}

func (c *LocalChannel) Remove(remoteName string) error {
	err := os.Remove(filepath.Join(c.peerBase, remoteName))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (c *LocalChannel) Run(cmd string) (int, string, string, error) {
	command := exec.Command("sh", "-c", cmd)
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr
	err := command.Run()
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode(), stdout.String(), stderr.String(), nil
	}
	if err != nil {
		return -1, stdout.String(), stderr.String(), err
	}
	return 0, stdout.String(), stderr.String(), nil
}

func (c *LocalChannel) Close() error { return nil }

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	// Write-temp + rename keeps readers from seeing partial copies.
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".xfer-*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", dst, err)
	}
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("copy to %s: %w", dst, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp for %s: %w", dst, err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename into %s: %w", dst, err)
	}
	return nil
}
