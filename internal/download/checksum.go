package download

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strings"
	"time"
)

var (
	ErrChecksumMismatch = errors.New("checksum mismatch")
	errChecksumNotFound = errors.New("sha256 checksum not found")
)

var digestPattern = regexp.MustCompile(`(?i)\b([a-f0-9]{64})\b`)

// ResolveExpectedChecksum fetches a checksum listing and returns the digest
// published for fileName.
func ResolveExpectedChecksum(ctx context.Context, checksumURL, fileName string, client *http.Client) (string, error) {
	if strings.TrimSpace(checksumURL) == "" {
		return "", errors.New("checksum URL is required")
	}
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, checksumURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &StatusError{URL: checksumURL, Code: resp.StatusCode}
	}

	listing, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read checksum listing: %w", err)
	}
	return ParseChecksum(listing, fileName)
}

// ParseChecksum picks the digest on the line naming fileName, or the first
// digest in content when no line names it.
func ParseChecksum(content []byte, fileName string) (string, error) {
	var first string
	scanner := bufio.NewScanner(bytes.NewReader(content))
	for scanner.Scan() {
		line := scanner.Text()
		digest := digestIn(line)
		if digest == "" {
			continue
		}
		if fileName != "" && strings.Contains(line, fileName) {
			return digest, nil
		}
		if first == "" {
			first = digest
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("scan checksum listing: %w", err)
	}
	if first == "" {
		return "", errChecksumNotFound
	}
	return first, nil
}

// VerifyFileChecksum hashes path and compares it with expectedSHA256. An
// empty expectation always passes.
func VerifyFileChecksum(path, expectedSHA256 string) error {
	expected := normalizeDigest(expectedSHA256)
	if expected == "" {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open file for checksum: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("hash file: %w", err)
	}
	return compareDigest(expected, hex.EncodeToString(h.Sum(nil)))
}

func compareDigest(expected, actual string) error {
	if expected != "" && actual != expected {
		return fmt.Errorf("%w: expected %s, got %s", ErrChecksumMismatch, expected, actual)
	}
	return nil
}

func digestIn(line string) string {
	match := digestPattern.FindStringSubmatch(line)
	if match == nil {
		return ""
	}
	return strings.ToLower(match[1])
}

func normalizeDigest(digest string) string {
	return strings.ToLower(strings.TrimSpace(digest))
}
