package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sort"
)

// UploadFile POSTs r to the slot's presigned URL as a multipart form.
// Policy fields are written before the file part, which storage requires.
// The body length is computed up front so the request is not chunked.
func (c *Client) UploadFile(ctx context.Context, slot *Slot, filename string, r io.Reader, size int64) error {
	var head bytes.Buffer
	mw := multipart.NewWriter(&head)

	keys := make([]string, 0, len(slot.PresignedFields))
	for k := range slot.PresignedFields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := mw.WriteField(k, slot.PresignedFields[k]); err != nil {
			return fmt.Errorf("write form field %s: %w", k, err)
		}
	}
	if _, err := mw.CreateFormFile("file", filename); err != nil {
		return fmt.Errorf("create file part: %w", err)
	}

	prefix := append([]byte(nil), head.Bytes()...)
	head.Reset()
	if err := mw.Close(); err != nil {
		return fmt.Errorf("close multipart writer: %w", err)
	}
	trailer := head.Bytes()

	body := io.MultiReader(bytes.NewReader(prefix), io.LimitReader(r, size), bytes.NewReader(trailer))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, slot.PresignedURL, body)
	if err != nil {
		return fmt.Errorf("build upload request: %w", err)
	}
	req.ContentLength = int64(len(prefix)) + size + int64(len(trailer))
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("upload %s: %w", filename, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("upload %s: storage returned %d: %s", filename, resp.StatusCode, bytes.TrimSpace(detail))
	}
	return nil
}
