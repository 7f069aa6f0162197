package disc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// ErrNoLabel is returned when the device reports no filesystem label.
var ErrNoLabel = errors.New("no disc label found")

// ReadLabel asks lsblk for the filesystem label of the disc in device.
func ReadLabel(ctx context.Context, device string, timeout time.Duration) (string, error) {
	device = strings.TrimSpace(device)
	if device == "" {
		return "", fmt.Errorf("no device specified")
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	output, err := exec.CommandContext(ctx, "lsblk", "-P", "-o", "LABEL,FSTYPE", device).Output()
	if err != nil {
		return "", fmt.Errorf("lsblk %s: %w", device, err)
	}
	fields := ParseLSBLK(string(output))
	if strings.TrimSpace(fields["LABEL"]) == "" || strings.TrimSpace(fields["FSTYPE"]) == "" {
		return "", ErrNoLabel
	}
	return fields["LABEL"], nil
}

// ParseLSBLK parses the first line of lsblk -P output into a key/value map.
// Quoted values may contain spaces.
func ParseLSBLK(output string) map[string]string {
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		result := make(map[string]string)
		for line != "" {
			key, rest, ok := strings.Cut(line, "=")
			if !ok {
				break
			}
			value := rest
			if strings.HasPrefix(rest, `"`) {
				end := strings.Index(rest[1:], `"`)
				if end < 0 {
					break
				}
				value = rest[:end+2]
				rest = rest[end+2:]
				if unquoted, err := strconv.Unquote(value); err == nil {
					value = unquoted
				} else {
					value = strings.Trim(value, `"`)
				}
			} else {
				value, rest, _ = strings.Cut(rest, " ")
			}
			result[strings.TrimSpace(key)] = value
			line = strings.TrimSpace(rest)
		}
		return result
	}
	return nil
}
