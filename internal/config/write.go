package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// configFilePermissions is the standard permission mode for config files.
const configFilePermissions = 0o644

// configDirPermissions is the standard permission mode for config directories.
const configDirPermissions = 0o755

// configTemplate is written once on first `join`. Later edits are text-level
// so user comments survive.
const configTemplate = `# cartsync configuration

[device]
# user = ""
# data_dir = ""

[remote]
# group = ""
# hub_url = ""
# request_timeout = "10s"

[sync]
# max_retries = 5
# base_backoff = "1s"
# max_backoff = "16s"
# drain_schedule = "@every 30s"
# lock_ttl = "2h"
# shutdown_timeout = "30s"

[hub]
# listen = "127.0.0.1:8787"
# tokens = []

[logging]
# log_level = "info"
# log_file = ""
# log_format = "auto"
# log_retention_days = 30
`

// EnsureConfig writes the commented default template to path unless a file
// already exists there.
func EnsureConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("checking config file: %w", err)
	}

	slog.Info("creating config file", slog.String("path", path))

	return atomicWriteFile(path, []byte(configTemplate))
}

// SetKey sets key = value inside [section], replacing an existing line,
// inserting after the header, or appending the section when absent.
// Integers and booleans are written bare, everything else quoted.
func SetKey(path, section, key, value string) error {
	slog.Info("setting config key",
		slog.String("path", path),
		slog.String("section", section),
		slog.String("key", key),
	)

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	newLine := fmt.Sprintf("%s = %s", key, formatTOMLValue(value))
	lines := strings.Split(string(data), "\n")

	header := findSectionHeader(lines, section)
	if header < 0 {
		content := string(data)
		if content != "" && !strings.HasSuffix(content, "\n") {
			content += "\n"
		}

		content += fmt.Sprintf("\n[%s]\n%s\n", section, newLine)

		return atomicWriteFile(path, []byte(content))
	}

	lines = setKeyInSection(lines, header, key, newLine)

	return atomicWriteFile(path, []byte(strings.Join(lines, "\n")))
}

// findSectionHeader returns the index of the [section] line, or -1.
func findSectionHeader(lines []string, section string) int {
	header := "[" + section + "]"

	for i, line := range lines {
		if strings.TrimSpace(line) == header {
			return i
		}
	}

	return -1
}

// findSectionEnd returns the index of the next header after headerLine.
func findSectionEnd(lines []string, headerLine int) int {
	for i := headerLine + 1; i < len(lines); i++ {
		if strings.HasPrefix(strings.TrimSpace(lines[i]), "[") {
			return i
		}
	}

	return len(lines)
}

// setKeyInSection replaces an existing key line (commented-out template
// lines included) or inserts a new one after the section header.
func setKeyInSection(lines []string, headerLine int, key, newLine string) []string {
	end := findSectionEnd(lines, headerLine)

	for i := headerLine + 1; i < end; i++ {
		trimmed := strings.TrimSpace(lines[i])
		trimmed = strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))

		if strings.HasPrefix(trimmed, key+" ") || strings.HasPrefix(trimmed, key+"=") {
			lines[i] = newLine

			return lines
		}
	}

	inserted := make([]string, 0, len(lines)+1)
	inserted = append(inserted, lines[:headerLine+1]...)
	inserted = append(inserted, newLine)
	inserted = append(inserted, lines[headerLine+1:]...)

	return inserted
}

func formatTOMLValue(value string) string {
	if value == "true" || value == "false" {
		return value
	}

	if _, err := strconv.Atoi(value); err == nil {
		return value
	}

	return strconv.Quote(value)
}

// atomicWriteFile writes data to a temp file beside path and renames it
// into place. Parent directories are created as needed.
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, configDirPermissions); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	f, err := os.CreateTemp(dir, ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	tempPath := f.Name()

	succeeded := false
	defer func() {
		if !succeeded {
			os.Remove(tempPath)
		}
	}()

	if _, err := f.Write(data); err != nil {
		f.Close()

		return fmt.Errorf("writing temp file: %w", err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Chmod(tempPath, configFilePermissions); err != nil {
		return fmt.Errorf("setting file permissions: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	succeeded = true

	return nil
}
