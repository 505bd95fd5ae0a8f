// Package objectstore keeps downloaded call audio on the local filesystem
// under deterministic keys audio/<org_id>/<call_id>.<ext>.
package objectstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"callscore/internal/apperr"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-resty/resty/v2"
)

var ErrInvalidKey = errors.New("objectstore: invalid key")

// MockHost is the recording host that yields a generated silent WAV instead
// of a network fetch.
const MockHost = "mock"

// Credentials are optional basic-auth credentials for the recording host.
type Credentials struct {
	Username string
	Password string
}

// Store is rooted at a directory. Keys are slash-separated and relative.
type Store struct {
	root   string
	client *resty.Client
}

type Options struct {
	// ReadTimeout bounds one download. Values under 30s are raised to 30s.
	ReadTimeout time.Duration
	// Client overrides the HTTP client, mainly for tests.
	Client *http.Client
}

func New(root string, opts Options) (*Store, error) {
	if root == "" {
		return nil, errors.New("objectstore: root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("objectstore: create root: %w", err)
	}
	if opts.ReadTimeout < 30*time.Second {
		opts.ReadTimeout = 30 * time.Second
	}
	var c *resty.Client
	if opts.Client != nil {
		c = resty.NewWithClient(opts.Client)
	} else {
		c = resty.New()
	}
	c.SetTimeout(opts.ReadTimeout).
		SetDoNotParseResponse(true).
		SetHeader("User-Agent", "callscore/1.0")
	return &Store{root: abs, client: c}, nil
}

func (s *Store) Root() string { return s.root }

// AudioKey returns the key for a call's audio with ext (without the dot).
func AudioKey(orgID, callID, ext string) string {
	return AudioKeyBase(orgID, callID) + "." + strings.TrimPrefix(ext, ".")
}

// AudioKeyBase is AudioKey without the extension, as PutFromURL expects.
func AudioKeyBase(orgID, callID string) string {
	return path.Join("audio", orgID, callID)
}

// AbsolutePath resolves key under the root. Keys that escape the root are
// rejected.
func (s *Store) AbsolutePath(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	clean := path.Clean(key)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)), nil
}

func (s *Store) Exists(key string) (bool, error) {
	p, err := s.AbsolutePath(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

// Delete removes key. A missing key is not an error.
func (s *Store) Delete(key string) error {
	p, err := s.AbsolutePath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// DeletePath removes an absolute path previously returned by this store.
func (s *Store) DeletePath(p string) error {
	rel, err := filepath.Rel(s.root, p)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidKey, p)
	}
	return s.Delete(filepath.ToSlash(rel))
}

// Object describes a stored file.
type Object struct {
	Key       string
	Path      string
	Size      int64
	Extension string
}

// PutFromURL downloads rawURL and stores it under keyBase plus the detected
// extension. The body is streamed into a temporary file in the destination
// directory and renamed on success; on any error the temporary is removed.
func (s *Store) PutFromURL(ctx context.Context, rawURL, keyBase string, creds *Credentials) (Object, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return Object{}, apperr.Fatal(apperr.CodeDownload, "invalid recording url", err).WithDetail("url", rawURL)
	}
	if u.Hostname() == MockHost {
		return s.putMock(keyBase)
	}

	req := s.client.R().SetContext(ctx)
	if creds != nil && creds.Username != "" {
		req.SetBasicAuth(creds.Username, creds.Password)
	}
	resp, err := req.Get(rawURL)
	if err != nil {
		if apperr.IsTimeout(err) {
			return Object{}, apperr.Retryable("recording download timed out", err)
		}
		return Object{}, apperr.Retryable("recording download failed", err)
	}
	body := resp.RawBody()
	defer body.Close()
	if resp.StatusCode() < 200 || resp.StatusCode() > 299 {
		return Object{}, downloadError(resp.StatusCode(), resp.Status())
	}

	dirKey := path.Dir(keyBase)
	dir, err := s.AbsolutePath(dirKey)
	if err != nil {
		return Object{}, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Object{}, err
	}
	tmp, err := os.CreateTemp(dir, ".download-*")
	if err != nil {
		return Object{}, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	// Sniff from the first bytes while streaming the rest.
	head := make([]byte, 3072)
	n, err := io.ReadFull(body, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return Object{}, apperr.Retryable("read recording body", err)
	}
	head = head[:n]
	if _, err := tmp.Write(head); err != nil {
		return Object{}, err
	}
	written, err := io.Copy(tmp, body)
	if err != nil {
		return Object{}, apperr.Retryable("read recording body", err)
	}
	size := int64(n) + written
	if size == 0 {
		return Object{}, apperr.Fatal(apperr.CodeDownload, "recording body is empty", nil).WithDetail("url", rawURL)
	}
	if err := tmp.Sync(); err != nil {
		return Object{}, err
	}
	if err := tmp.Close(); err != nil {
		return Object{}, err
	}

	ext := DetectExtension(resp.Header().Get("Content-Type"), u.Path, head)
	key := keyBase + "." + ext
	final, err := s.AbsolutePath(key)
	if err != nil {
		return Object{}, err
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		return Object{}, err
	}
	committed = true
	return Object{Key: key, Path: final, Size: size, Extension: ext}, nil
}

// downloadError maps a non-2xx response. 404 is retried: vendors publish the
// recording URL before the file is available.
func downloadError(status int, reason string) *apperr.Error {
	retryable := status == http.StatusNotFound || status == http.StatusRequestTimeout ||
		status == http.StatusTooManyRequests || status >= 500
	e := apperr.ExternalAPI("recording", status, fmt.Sprintf("download failed: %s", reason), retryable)
	e.Code = apperr.CodeDownload
	if !retryable {
		e.Kind = apperr.KindFatal
	}
	return e
}

var audioExtByMIME = map[string]string{
	"audio/wav":       "wav",
	"audio/x-wav":     "wav",
	"audio/wave":      "wav",
	"audio/vnd.wave":  "wav",
	"audio/mpeg":      "mp3",
	"audio/mp3":       "mp3",
	"audio/mp4":       "m4a",
	"audio/x-m4a":     "m4a",
	"audio/ogg":       "ogg",
	"audio/opus":      "opus",
	"audio/webm":      "webm",
	"audio/flac":      "flac",
	"audio/x-flac":    "flac",
	"audio/aac":       "aac",
	"audio/amr":       "amr",
	"audio/basic":     "au",
	"video/mp4":       "mp4",
	"video/webm":      "webm",
	"application/ogg": "ogg",
}

var knownExt = map[string]bool{
	"wav": true, "mp3": true, "m4a": true, "ogg": true, "opus": true, "webm": true,
	"flac": true, "aac": true, "amr": true, "mp4": true, "au": true,
}

// DetectExtension resolves the true audio extension from the Content-Type,
// then the URL path, then the content itself. It falls back to wav.
func DetectExtension(contentType, urlPath string, head []byte) string {
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		if ext, ok := audioExtByMIME[strings.ToLower(mt)]; ok {
			return ext
		}
	}
	if ext := strings.ToLower(strings.TrimPrefix(path.Ext(urlPath), ".")); knownExt[ext] {
		return ext
	}
	if len(head) > 0 {
		if ext := strings.TrimPrefix(mimetype.Detect(head).Extension(), "."); knownExt[ext] {
			return ext
		}
	}
	return "wav"
}

func (s *Store) putMock(keyBase string) (Object, error) {
	key := keyBase + ".wav"
	final, err := s.AbsolutePath(key)
	if err != nil {
		return Object{}, err
	}
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return Object{}, err
	}
	data := SilentWAV(time.Second)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		_ = os.Remove(tmp)
		return Object{}, err
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return Object{}, err
	}
	return Object{Key: key, Path: final, Size: int64(len(data)), Extension: "wav"}, nil
}

// SilentWAV returns a 16 kHz mono 16-bit PCM WAV of d silence.
func SilentWAV(d time.Duration) []byte {
	const rate, channels, bits = 16000, 1, 16
	dataLen := int(d.Seconds()*rate) * channels * bits / 8
	buf := make([]byte, 44+dataLen)
	copy(buf[0:], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:], uint32(36+dataLen))
	copy(buf[8:], "WAVEfmt ")
	binary.LittleEndian.PutUint32(buf[16:], 16)
	binary.LittleEndian.PutUint16(buf[20:], 1)
	binary.LittleEndian.PutUint16(buf[22:], channels)
	binary.LittleEndian.PutUint32(buf[24:], rate)
	binary.LittleEndian.PutUint32(buf[28:], rate*channels*bits/8)
	binary.LittleEndian.PutUint16(buf[32:], channels*bits/8)
	binary.LittleEndian.PutUint16(buf[34:], bits)
	copy(buf[36:], "data")
	binary.LittleEndian.PutUint32(buf[40:], uint32(dataLen))
	return buf
}
