// Package config locates deskctl's per-user files and reads the login
// password. Server and dashboard settings live in pkg/config.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/term"
)

// PasswordEnv, when set, is used instead of prompting
const PasswordEnv = "LOOMDESK_PASSWORD"

// Paths holds the client-local locations deskctl reads and writes
type Paths struct {
	DataDir    string // per-agent preferences
	ConfigFile string // dashboard settings and saved token
}

// Default resolves the XDG locations and creates the data directory
func Default() (*Paths, error) {
	dataHome, err := xdgDir("XDG_DATA_HOME", ".local", "share")
	if err != nil {
		return nil, err
	}
	configHome, err := xdgDir("XDG_CONFIG_HOME", ".config")
	if err != nil {
		return nil, err
	}

	p := &Paths{
		DataDir:    filepath.Join(dataHome, "loomdesk"),
		ConfigFile: filepath.Join(configHome, "loomdesk", "deskctl.yaml"),
	}
	if err := os.MkdirAll(p.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return p, nil
}

func xdgDir(env string, fallback ...string) (string, error) {
	if dir := os.Getenv(env); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(append([]string{home}, fallback...)...), nil
}

// GetPassword returns the password for agentID: from PasswordEnv, from a
// hidden terminal prompt, or from the first line of a piped stdin.
func GetPassword(agentID string) (string, error) {
	if password := os.Getenv(PasswordEnv); password != "" {
		return password, nil
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return readPassword(os.Stdin)
	}

	fmt.Fprintf(os.Stderr, "Password for %s: ", agentID)
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	if len(raw) == 0 {
		return "", errors.New("password cannot be empty")
	}
	return string(raw), nil
}

func readPassword(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return "", errors.New("password cannot be empty")
	}
	return password, nil
}
