package headless

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/chromedp/cdproto/network"
)

// lowerHeaders flattens CDP headers into a lowercase-keyed map. Repeated
// values are joined the way Chrome reports them, newline separated.
func lowerHeaders(src network.Headers) map[string]string {
	headers := make(map[string]string, len(src))
	for key, value := range src {
		var v string
		switch typed := value.(type) {
		case string:
			v = typed
		case []string:
			v = strings.Join(typed, "\n")
		case []any:
			parts := make([]string, 0, len(typed))
			for _, entry := range typed {
				parts = append(parts, fmt.Sprint(entry))
			}
			v = strings.Join(parts, "\n")
		default:
			v = fmt.Sprint(typed)
		}
		headers[strings.ToLower(key)] = v
	}
	return headers
}

// downloadPath is where Chrome writes a download under the allowAndName behavior.
func downloadPath(dir, guid string) string {
	return filepath.Join(dir, filepath.Base(guid))
}

func moveFile(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	if !errors.Is(err, syscall.EXDEV) {
		return fmt.Errorf("move download: %w", err)
	}
	in, err := os.Open(src) // #nosec G304 -- path inside the job's download dir.
	if err != nil {
		return fmt.Errorf("open download: %w", err)
	}
	defer func() { _ = in.Close() }()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600) // #nosec G304 -- job dir path.
	if err != nil {
		return fmt.Errorf("create content: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy download: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close content: %w", err)
	}
	return os.Remove(src)
}
