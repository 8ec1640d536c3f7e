package dispatch

import (
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var (
	unsafeNameRe = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)
	apiKeyRe     = regexp.MustCompile(`(API_Key=)[^&\s]+`)
	apiSecretRe  = regexp.MustCompile(`(API_Secret=)[^&\s]+`)
)

// TraceWriter mirrors every built payload and remote call onto disk for
// audit. Writes are best-effort; a trace failure never fails a send.
type TraceWriter struct {
	enabled bool
	baseDir string
	log     zerolog.Logger
	now     func() time.Time
}

func NewTraceWriter(enabled bool, baseDir string, log zerolog.Logger) *TraceWriter {
	return &TraceWriter{
		enabled: enabled,
		baseDir: baseDir,
		log:     log.With().Str("component", "trace").Logger(),
		now:     time.Now,
	}
}

// SaveXML writes the built payload under xml/ and returns the written path,
// or "" when tracing is disabled or the write failed.
func (w *TraceWriter) SaveXML(examID int64, clientCode, obxText, payload string) string {
	if w == nil || !w.enabled {
		return ""
	}
	name := w.baseName(examID, clientCode, obxText) + ".xml"
	return w.write("xml", name, payload)
}

// SaveHTTP writes a request/response pair under kind/ ("send" or "close"),
// with credentials masked out of the recorded URL.
func (w *TraceWriter) SaveHTTP(kind string, examID int64, clientCode, obxText, rawURL, respBody string) {
	if w == nil || !w.enabled {
		return
	}
	base := w.baseName(examID, clientCode, obxText)
	w.write(kind, base+".req.txt", MaskCredentials(rawURL))
	w.write(kind, base+".resp.txt", respBody)
}

func (w *TraceWriter) baseName(examID int64, clientCode, obxText string) string {
	base := w.now().Format("20060102_150405") +
		"__" + strconv.FormatInt(examID, 10) +
		"__" + safeName(clientCode)
	if obxText != "" {
		base += "__" + safeName(obxText)
	}
	return base
}

func (w *TraceWriter) write(subdir, name, content string) string {
	dir := filepath.Join(w.baseDir, subdir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		w.log.Error().Err(err).Str("dir", dir).Msg("trace dir")
		return ""
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		w.log.Error().Err(err).Str("file", name).Msg("trace write")
		return ""
	}
	return path
}

// MaskCredentials hides API_Key and API_Secret values in a URL.
func MaskCredentials(rawURL string) string {
	masked := apiKeyRe.ReplaceAllString(rawURL, "${1}***")
	return apiSecretRe.ReplaceAllString(masked, "${1}***")
}

func safeName(s string) string {
	return strings.Trim(unsafeNameRe.ReplaceAllString(s, "_"), "_")
}
