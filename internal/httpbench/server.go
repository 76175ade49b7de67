package httpbench

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

const shutdownTimeout = 5 * time.Second

type fileHandler struct {
	dir string
	log *slog.Logger
}

// NewHandler serves the regular files of dir by name. HTTP/1.x responses close the connection
// so every request pays for its own connection setup.
func NewHandler(dir string, logger *slog.Logger) http.Handler {
	return &fileHandler{dir: dir, log: logger}
}

func (h *fileHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if r.ProtoMajor < 2 {
		w.Header().Set("Connection", "close")
	}

	name := strings.TrimPrefix(r.URL.Path, "/")
	if name == "" || strings.Contains(name, "/") || strings.Contains(name, "..") {
		http.NotFound(w, r)
		return
	}

	f, err := os.Open(filepath.Join(h.dir, name))
	if err != nil {
		h.log.Info("file not found", slog.String("name", name), slog.String("remote", r.RemoteAddr))
		http.NotFound(w, r)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		http.NotFound(w, r)
		return
	}

	h.log.Info("serving file",
		slog.String("name", name),
		slog.String("proto", r.Proto),
		slog.String("remote", r.RemoteAddr),
		slog.Int64("size", info.Size()))
	http.ServeContent(w, r, name, info.ModTime(), f)
}

// Serve listens on addr and serves handler over HTTP/1.1 and cleartext HTTP/2 until ctx is
// done.
func Serve(ctx context.Context, addr string, handler http.Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ServeListener(ctx, ln, handler)
}

func ServeListener(ctx context.Context, ln net.Listener, handler http.Handler) error {
	srv := &http.Server{
		Handler:           h2c.NewHandler(handler, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		case <-done:
		}
	}()

	err := srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
