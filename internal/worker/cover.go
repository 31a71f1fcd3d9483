package worker

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/disintegration/imaging"

	"coursegen/internal/config"
	"coursegen/internal/storage"
)

// CoverRenderer turns a user supplied image URL into a course cover of a
// fixed size.
type CoverRenderer struct {
	httpClient *http.Client
	uploader   storage.Uploader
	maxBytes   int64
	width      int
	height     int
}

func NewCoverRenderer(cfg config.Config, uploader storage.Uploader) *CoverRenderer {
	timeout := cfg.CoverDownloadTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxBytes := cfg.CoverMaxBytes
	if maxBytes <= 0 {
		maxBytes = 10 << 20
	}
	width, height := cfg.CoverWidth, cfg.CoverHeight
	if width <= 0 || height <= 0 {
		width, height = 1280, 720
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if !cfg.CoverAllowPrivate {
		dialer := &net.Dialer{Timeout: 10 * time.Second, Control: rejectPrivateAddr}
		transport.DialContext = dialer.DialContext
		transport.Proxy = nil
	}
	return &CoverRenderer{
		httpClient: &http.Client{Timeout: timeout, Transport: transport},
		uploader:   uploader,
		maxBytes:   maxBytes,
		width:      width,
		height:     height,
	}
}

// Render downloads sourceURL, center-crops it to the cover size and stores
// it as covers/<jobID>.jpg.
func (c *CoverRenderer) Render(ctx context.Context, jobID, sourceURL string) (string, error) {
	if !strings.HasPrefix(sourceURL, "http://") && !strings.HasPrefix(sourceURL, "https://") {
		return "", fmt.Errorf("cover url must be http(s): %q", sourceURL)
	}
	data, err := c.download(ctx, sourceURL)
	if err != nil {
		return "", err
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("decode cover: %w", err)
	}
	img = imaging.Fill(img, c.width, c.height, imaging.Center, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return "", fmt.Errorf("encode cover: %w", err)
	}
	loc, err := c.uploader.Upload(ctx, "covers/"+jobID+".jpg", buf.Bytes(), "image/jpeg")
	if err != nil {
		return "", fmt.Errorf("upload cover: %w", err)
	}
	return loc, nil
}

func (c *CoverRenderer) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download cover: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("download cover: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read cover: %w", err)
	}
	if int64(len(body)) > c.maxBytes {
		return nil, fmt.Errorf("cover too large (>%d bytes)", c.maxBytes)
	}
	return body, nil
}

// rejectPrivateAddr refuses connections to loopback, private, link-local and
// unspecified addresses. It runs after DNS resolution, so redirects and
// rebinding hostnames are covered too.
func rejectPrivateAddr(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("cover address %q: %w", address, err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return fmt.Errorf("cover address %q is not an ip", address)
	}
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsInterfaceLocalMulticast() || ip.IsMulticast() || ip.IsUnspecified() {
		return fmt.Errorf("cover host resolves to blocked address %s", ip)
	}
	return nil
}
