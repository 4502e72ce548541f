package discord

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
)

// fetchURL downloads an attachment URL once, capped at maxBytes (§4.5
// Incoming), grounded on the teacher's Telegram downloadMedia size-cap
// pattern but simplified to Discord's pre-signed CDN URLs (no file_id
// lookup step). A failed request is returned as an error; it is not retried.
func fetchURL(ctx context.Context, url string, maxBytes int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("discord: build request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("discord: fetch attachment: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("discord: fetch attachment: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("discord: read attachment: %w", err)
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("discord: attachment exceeds max size (%d bytes)", maxBytes)
	}
	return data, nil
}

func openForSend(path string) (*os.File, error) {
	return os.Open(path)
}

func fileName(path string) string {
	return filepath.Base(path)
}
