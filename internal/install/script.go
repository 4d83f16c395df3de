package install

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// scriptFileName is the optional command script shipped inside extracted
// content. When present it replaces the convention-based install.
const scriptFileName = "install.txt"

type commandKind int

const (
	commandUnknown commandKind = iota
	commandShell
	commandInstall
	commandPush
	commandPull
)

// scriptCommand is one parsed line of the install script.
type scriptCommand struct {
	kind commandKind
	// raw is the original line, kept for log output.
	raw  string
	args []string
}

// findScript returns the script path inside dir when one exists.
func findScript(dir string) (string, bool) {
	path := filepath.Join(dir, scriptFileName)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return "", false
	}
	return path, true
}

// parseScript reads the command script. Blank lines and # comments are
// dropped; unrecognized commands are kept as commandUnknown so the caller
// can warn about them in order.
func parseScript(path string) ([]scriptCommand, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var commands []scriptCommand
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		cmd := scriptCommand{raw: line, args: fields[1:]}
		switch strings.ToLower(fields[0]) {
		case "shell":
			cmd.kind = commandShell
		case "install":
			cmd.kind = commandInstall
		case "push":
			cmd.kind = commandPush
		case "pull":
			cmd.kind = commandPull
		default:
			cmd.kind = commandUnknown
		}
		commands = append(commands, cmd)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return commands, nil
}
