package utils

import (
	"crypto/md5"
	"fmt"
	"io"
	"os"
)

// FileMD5 calculates the MD5 hash of a file and returns it as a hex string.
// It matches the ETag S3 reports for single-part uploads, so local and
// remote content can be compared without fetching object bodies.
func FileMD5(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %q: %w", path, err)
	}
	defer file.Close()

	h := md5.New()
	if _, err := io.Copy(h, file); err != nil {
		return "", fmt.Errorf("hash %q: %w", path, err)
	}

	return fmt.Sprintf("%x", h.Sum(nil)), nil
}
