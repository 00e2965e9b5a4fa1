package mcpserver

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
)

const maxAssetSize = 10 << 20 // 10 MB

// assetTypes maps the accepted extensions to their MIME type.
var assetTypes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
	".svg":  "image/svg+xml",
	".pdf":  "application/pdf",
}

var unsafeNameRe = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

var errBlockedHost = errors.New("blocked host")

// asset is a downloaded or decoded attachment before it is stored.
type asset struct {
	data []byte
	mime string // declared by the source, may be empty
	name string // suggested by the source, may be empty
}

type uploadResult struct {
	SavedPath     string `json:"savedPath"`
	MarkdownImage string `json:"markdownImage"`
}

func (s *Server) uploadAsset(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	src, err := req.RequireString("url")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var a *asset
	if strings.HasPrefix(src, "data:") {
		a, err = decodeDataURI(src)
	} else {
		a, err = fetchAsset(ctx, src)
	}
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	name, err := assetName(req.GetString("filename", ""), a)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := checkContent(a.data, path.Ext(name)); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	vaultPath := path.Join("attachments", name)
	if _, err := s.store.Read(vaultPath); err == nil {
		return mcp.NewToolResultError(fmt.Sprintf("file already exists: %s", vaultPath)), nil
	}
	if err := s.store.Write(vaultPath, a.data); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to save attachment: %v", err)), nil
	}

	urlPath := "/" + vaultPath
	out, _ := json.Marshal(uploadResult{
		SavedPath:     urlPath,
		MarkdownImage: fmt.Sprintf("![%s](%s)", name, urlPath),
	})
	return mcp.NewToolResultText(string(out)), nil
}

// decodeDataURI parses a data:<mediatype>;base64,<data> URI.
func decodeDataURI(uri string) (*asset, error) {
	meta, encoded, ok := strings.Cut(strings.TrimPrefix(uri, "data:"), ",")
	if !ok {
		return nil, fmt.Errorf("invalid data URI: missing comma separator")
	}
	mediatype, isBase64 := strings.CutSuffix(meta, ";base64")
	if !isBase64 {
		return nil, fmt.Errorf("only base64 data URIs are supported")
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		if data, err = base64.RawStdEncoding.DecodeString(encoded); err != nil {
			return nil, fmt.Errorf("invalid base64 data: %w", err)
		}
	}
	if len(data) > maxAssetSize {
		return nil, fmt.Errorf("file too large: %d bytes (max %d)", len(data), maxAssetSize)
	}
	mime, _, _ := strings.Cut(mediatype, ";")
	return &asset{data: data, mime: mime}, nil
}

// fetchAsset downloads an http(s) URL. Loopback and cloud metadata hosts are
// refused, redirects included.
func fetchAsset(ctx context.Context, rawURL string) (*asset, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme: %s (only http/https)", u.Scheme)
	}
	if err := checkHost(u.Hostname()); err != nil {
		return nil, err
	}

	client := &http.Client{
		Timeout: 30 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return fmt.Errorf("too many redirects (max 5)")
			}
			return checkHost(req.URL.Hostname())
		},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download failed: HTTP %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAssetSize+1))
	if err != nil {
		return nil, fmt.Errorf("read body failed: %w", err)
	}
	if len(data) > maxAssetSize {
		return nil, fmt.Errorf("file too large: exceeds %d bytes", maxAssetSize)
	}

	mime, _, _ := strings.Cut(resp.Header.Get("Content-Type"), ";")
	return &asset{data: data, mime: strings.TrimSpace(mime), name: path.Base(u.Path)}, nil
}

func checkHost(host string) error {
	if host == "metadata.google.internal" {
		return fmt.Errorf("%w: %s", errBlockedHost, host)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		ips, err := net.LookupIP(host)
		if err != nil || len(ips) == 0 {
			return nil //nolint:nilerr // the client reports DNS failures
		}
		ip = ips[0]
	}
	if ip.IsLoopback() || ip.Equal(net.ParseIP("169.254.169.254")) {
		return fmt.Errorf("%w: %s", errBlockedHost, host)
	}
	return nil
}

// assetName picks the stored file name: the requested one, else the one the
// source suggested, else a random name with the extension of the MIME type.
func assetName(requested string, a *asset) (string, error) {
	name := requested
	if name == "" && strings.Contains(a.name, ".") {
		name = a.name
	}
	if name == "" {
		ext := extFor(a.mime)
		if ext == "" {
			return "", fmt.Errorf("cannot tell the file type; pass a filename")
		}
		name = uuid.NewString() + ext
	}

	name = unsafeNameRe.ReplaceAllString(path.Base(strings.ReplaceAll(name, `\`, "/")), "_")
	if strings.HasPrefix(name, ".") {
		name = uuid.NewString() + name
	}
	ext := strings.ToLower(path.Ext(name))
	if _, ok := assetTypes[ext]; !ok {
		return "", fmt.Errorf("unsupported file extension: %q (allowed: png, jpg, jpeg, gif, webp, svg, pdf)", ext)
	}
	return name, nil
}

func extFor(mime string) string {
	switch mime {
	case "image/jpeg":
		return ".jpg"
	case "":
		return ""
	}
	for ext, m := range assetTypes {
		if m == mime {
			return ext
		}
	}
	return ""
}

// checkContent verifies that data really is of the type ext claims.
func checkContent(data []byte, ext string) error {
	ext = strings.ToLower(ext)
	if ext == ".svg" {
		head := data[:min(len(data), 1024)]
		if !bytes.Contains(head, []byte("<svg")) {
			return fmt.Errorf("content does not appear to be a valid SVG (missing <svg tag)")
		}
		return nil
	}
	detected, _, _ := strings.Cut(http.DetectContentType(data), ";")
	if detected != assetTypes[ext] {
		return fmt.Errorf("content does not match extension %s (detected: %s)", ext, detected)
	}
	return nil
}
