package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// loadHostsFile parses a plain hosts(5)-style file ("IP name [name...]" per
// line) into the same name->IP string shape the override config entries
// use, so it can be merged directly into the override table.
func loadHostsFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open hosts file: %w", err)
	}
	defer func() { _ = f.Close() }()

	entries := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}

		addr := fields[0]
		for _, name := range fields[1:] {
			entries[name] = addr
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading hosts file: %w", err)
	}
	return entries, nil
}
