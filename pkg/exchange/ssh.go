package exchange

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// SSHConfig describes how to reach the peer host. Authentication is key- or
// agent-based only; automated runs never get an interactive prompt.
type SSHConfig struct {
	Host     string
	Port     int
	User     string
	KeyFile  string
	PeerBase string // peer's exchange base directory
	Timeout  time.Duration
}

// SSHChannel moves files over an authenticated SSH connection, replacing the
// scp/ssh subprocess pair with in-process exec sessions.
type SSHChannel struct {
	client   *ssh.Client
	peerBase string
}

// DialSSH connects to the peer and returns a ready channel.
func DialSSH(cfg SSHConfig) (*SSHChannel, error) {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	auth, err := sshAuthMethods(cfg.KeyFile)
	if err != nil {
		return nil, err
	}

	clientCfg := &ssh.ClientConfig{
		User: cfg.User,
		Auth: auth,
		// The exchange hosts are a closed test pair; host key pinning is
		// deliberately skipped, matching StrictHostKeyChecking=no.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         cfg.Timeout,
	}

	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))
	client, err := ssh.Dial("tcp", addr, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("dial ssh %s: %w", addr, err)
	}
	return &SSHChannel{client: client, peerBase: cfg.PeerBase}, nil
}

func sshAuthMethods(keyFile string) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if keyFile != "" {
		keyData, err := os.ReadFile(keyFile)
		if err != nil {
			return nil, fmt.Errorf("read ssh key %s: %w", keyFile, err)
		}
		signer, err := ssh.ParsePrivateKey(keyData)
		if err != nil {
			return nil, fmt.Errorf("parse ssh key %s: %w", keyFile, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		}
	}

	if len(methods) == 0 {
		return nil, fmt.Errorf("no ssh auth available: provide a key file or run an agent")
	}
	return methods, nil
}

func (c *SSHChannel) remotePath(name string) string {
	// Remote side is POSIX regardless of the local platform.
	return strings.TrimRight(c.peerBase, "/") + "/" + strings.ReplaceAll(name, "\\", "/")
}

func (c *SSHChannel) Put(localPath, remoteName string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("read %s: %w", localPath, err)
	}

	session, err := c.client.NewSession()
	if err != nil {
		return fmt.Errorf("ssh session: %w", err)
	}
	defer session.Close()

	remote := c.remotePath(remoteName)
	session.Stdin = bytes.NewReader(data)
	// Write to a dotted temp name and rename so the peer's pollers never see a
	// partially transferred descriptor.
	cmd := fmt.Sprintf("cat > %s.part && mv %s.part %s",
		shellQuote(remote), shellQuote(remote), shellQuote(remote))
	if err := session.Run(cmd); err != nil {
		return fmt.Errorf("put %s: %w", remoteName, err)
	}
	return nil
}

func (c *SSHChannel) Get(remotePattern, localDir string) ([]string, error) {
	// ls exits non-zero when the glob matches nothing, which is the common
	// idle case, not a failure.
	code, out, _, err := c.Run("ls -1 " + c.remotePath(remotePattern) + " 2>/dev/null")
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", remotePattern, err)
	}
	if code != 0 {
		return nil, nil
	}

	var fetched []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		remote := strings.TrimSpace(line)
		if remote == "" {
			continue
		}
		local, err := c.fetchOne(remote, localDir)
		if err != nil {
			return fetched, err
		}
		fetched = append(fetched, local)
	}
	return fetched, nil
}

func (c *SSHChannel) fetchOne(remoteAbs, localDir string) (string, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return "", fmt.Errorf("ssh session: %w", err)
	}
	defer session.Close()

	var buf bytes.Buffer
	session.Stdout = &buf
	if err := session.Run("cat " + shellQuote(remoteAbs)); err != nil {
		return "", fmt.Errorf("fetch %s: %w", remoteAbs, err)
	}

	dst := filepath.Join(localDir, filepath.Base(remoteAbs))
	tmp := dst + ".part"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", dst, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("rename %s: %w", dst, err)
	}
	return dst, nil
}

func (c *SSHChannel) Remove(remoteName string) error {
	code, _, stderr, err := c.Run("rm -f " + shellQuote(c.remotePath(remoteName)))
	if err != nil {
		return fmt.Errorf("remove %s: %w", remoteName, err)
	}
	if code != 0 {
		return fmt.Errorf("remove %s exited %d: %s", remoteName, code, strings.TrimSpace(stderr))
	}
	return nil
}

func (c *SSHChannel) Run(cmd string) (int, string, string, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return -1, "", "", fmt.Errorf("ssh session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	err = session.Run(cmd)
	if err == nil {
		return 0, stdout.String(), stderr.String(), nil
	}
	if exitErr, ok := err.(*ssh.ExitError); ok {
		return exitErr.ExitStatus(), stdout.String(), stderr.String(), nil
	}
	return -1, stdout.String(), stderr.String(), err
}

func (c *SSHChannel) Close() error {
	return c.client.Close()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
