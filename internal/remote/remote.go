// Package remote executes single commands on portal hosts over SSH.
// Each call opens a fresh authenticated session, runs exactly one
// command line, drains both output streams, and closes the session.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

var (
	// ErrUnknownPortal is returned when the portal is not in the registry.
	// No connection attempt is made.
	ErrUnknownPortal = errors.New("unknown portal")
	// ErrConnection covers session establishment and key loading failures.
	ErrConnection = errors.New("ssh connection failed")
	// ErrRemoteCommand is returned when the remote command reports a
	// non-benign error on stderr.
	ErrRemoteCommand = errors.New("remote command failed")
)

// benignStderr is the vendor advisory the remote tool prints on stderr
// even when the command succeeded. It is noise, not an error.
const benignStderr = "A security patch is available for Teleport"

// Config holds the executor's connection settings.
type Config struct {
	// Portals maps portal identifiers to host addresses.
	Portals map[string]string
	Port    int
	User    string
	// KeyPEM takes precedence over KeyPath when both are set.
	KeyPEM  []byte
	KeyPath string
	// Timeout bounds the whole session: dial, command execution, and
	// stream drain. Zero means no bound.
	Timeout time.Duration
}

// Executor runs commands on remote portals.
type Executor struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a remote executor.
func New(cfg Config, logger *slog.Logger) *Executor {
	return &Executor{cfg: cfg, logger: logger}
}

// Portals returns the identifiers of all registered portals.
func (e *Executor) Portals() []string {
	names := make([]string, 0, len(e.cfg.Portals))
	for name := range e.cfg.Portals {
		names = append(names, name)
	}
	return names
}

// Run executes one command line on the named portal and returns its
// standard output. The executor never retries; a failed command is the
// caller's to reschedule.
func (e *Executor) Run(ctx context.Context, portal, command string) (string, error) {
	host, ok := e.cfg.Portals[portal]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownPortal, portal)
	}

	signer, err := e.loadSigner()
	if err != nil {
		return "", fmt.Errorf("%w: load private key: %v", ErrConnection, err)
	}

	addr := net.JoinHostPort(host, strconv.Itoa(e.cfg.Port))
	e.logger.Info("executing remote command", "portal", portal, "host", addr, "command", command)

	clientConfig := &ssh.ClientConfig{
		User:            e.cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         e.cfg.Timeout,
	}

	dialer := net.Dialer{Timeout: e.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", fmt.Errorf("%w: dial %s: %v", ErrConnection, addr, err)
	}
	// The deadline bounds the handshake, the command, and the stream
	// drain. Once dispatched, a command runs to completion or natural
	// transport failure; there is no mid-flight cancellation.
	if e.cfg.Timeout > 0 {
		conn.SetDeadline(time.Now().Add(e.cfg.Timeout))
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientConfig)
	if err != nil {
		conn.Close()
		return "", fmt.Errorf("%w: handshake %s: %v", ErrConnection, addr, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("%w: open session: %v", ErrConnection, err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	runErr := session.Run(command)

	output, cmdErr := classifyOutput(stdout.String(), stderr.String())
	if cmdErr != nil {
		return "", cmdErr
	}
	if runErr != nil {
		// A nonzero exit with only benign or empty stderr follows the
		// stderr classification: the remote tool's advisory exit codes
		// are part of the compatibility contract. Transport failures
		// are not.
		var exitErr *ssh.ExitError
		if !errors.As(runErr, &exitErr) {
			return "", fmt.Errorf("%w: %v", ErrConnection, runErr)
		}
	}

	e.logger.Debug("remote command finished", "portal", portal, "stdout_bytes", stdout.Len())
	return output, nil
}

// classifyOutput applies the stderr policy: a benign vendor advisory is
// ignored and stdout is used as-is; any other stderr text is surfaced
// whole as the command error.
func classifyOutput(stdout, stderr string) (string, error) {
	if stderr != "" {
		if strings.Contains(stderr, benignStderr) {
			return stdout, nil
		}
		return "", fmt.Errorf("%w: %s", ErrRemoteCommand, strings.TrimSpace(stderr))
	}
	return stdout, nil
}

// loadSigner parses the configured private key.
func (e *Executor) loadSigner() (ssh.Signer, error) {
	pem := e.cfg.KeyPEM
	if len(pem) == 0 {
		data, err := os.ReadFile(e.cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", e.cfg.KeyPath, err)
		}
		pem = data
	}
	return ssh.ParsePrivateKey(pem)
}
