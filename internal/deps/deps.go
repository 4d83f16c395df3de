package deps

import (
	"fmt"
	"os/exec"
	"strings"
)

// Requirement defines an external tool the pipeline relies on.
type Requirement struct {
	Name        string
	Command     string
	Description string
	Optional    bool
}

// Status reports the availability of a dependency.
type Status struct {
	Name        string
	Command     string
	Description string
	Optional    bool
	Available   bool
	Detail      string
}

// CheckBinaries evaluates the provided requirements and reports availability.
func CheckBinaries(requirements []Requirement) []Status {
	results := make([]Status, 0, len(requirements))
	for _, req := range requirements {
		cmd := strings.TrimSpace(req.Command)
		status := Status{
			Name:        req.Name,
			Command:     cmd,
			Description: strings.TrimSpace(req.Description),
			Optional:    req.Optional,
		}
		if cmd == "" {
			status.Detail = "command not configured"
			results = append(results, status)
			continue
		}
		if _, err := exec.LookPath(cmd); err != nil {
			status.Detail = fmt.Sprintf("binary %q not found", cmd)
			results = append(results, status)
			continue
		}
		status.Available = true
		results = append(results, status)
	}
	return results
}

// Resolver hands out tool binary paths to the stage processors.
type Resolver interface {
	// TransferBinary returns the transfer tool command, or an error when it
	// is not installed.
	TransferBinary() (string, error)
	// ArchiveBinary returns the decompression tool command.
	ArchiveBinary() (string, error)
	// DeviceBinary returns the device control tool command.
	DeviceBinary() (string, error)
}

// BinaryResolver resolves tools through exec.LookPath.
type BinaryResolver struct {
	Rclone   string
	SevenZip string
	ADB      string
}

func (r *BinaryResolver) TransferBinary() (string, error) {
	return resolve("transfer tool", r.Rclone)
}

func (r *BinaryResolver) ArchiveBinary() (string, error) {
	return resolve("decompression tool", r.SevenZip)
}

func (r *BinaryResolver) DeviceBinary() (string, error) {
	return resolve("device tool", r.ADB)
}

func resolve(name, command string) (string, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return "", fmt.Errorf("%s not configured", name)
	}
	path, err := exec.LookPath(command)
	if err != nil {
		return "", fmt.Errorf("%s %q not found: %w", name, command, err)
	}
	return path, nil
}

var _ Resolver = (*BinaryResolver)(nil)
