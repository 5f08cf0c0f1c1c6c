package web

import (
	"context"
	"fmt"
	"html"
	"net/http"
	"sort"
	"time"
)

type Options struct {
	Status *Status
	Live   *LiveBroadcaster
	Logs   *LogBuffer
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
}

func Handler(opts Options) http.Handler {
	status := opts.Status
	if status == nil {
		status = NewStatus()
	}
	mux := http.NewServeMux()

	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, status.Snapshot(time.Now().UTC()))
	})

	mux.Handle("/api/about", AboutHandler(status))

	if opts.Logs != nil {
		mux.Handle("/api/logs", opts.Logs.Handler())
	}
	if opts.Live != nil {
		mux.Handle("/api/live", opts.Live.Handler())
	}
	if opts.Metrics != nil {
		mux.Handle("/metrics", opts.Metrics)
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeIndex(w, status.Snapshot(time.Now().UTC()))
	})

	return mux
}

func writeIndex(w http.ResponseWriter, snap StatusSnapshot) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprintf(w, "<!doctype html><html><head><meta charset=\"utf-8\"><title>UGPS bridge</title></head><body>")
	_, _ = fmt.Fprintf(w, "<h1>UGPS bridge</h1>")
	_, _ = fmt.Fprintf(w, "<p>See <a href=\"/api/status\">/api/status</a>, <a href=\"/api/logs?format=text\">/api/logs</a> and <a href=\"/metrics\">/metrics</a>.</p>")
	_, _ = fmt.Fprintf(w, "<pre>state=%s\nugps=%s\nmavlink=%s\nqgc=%s\nstarted=%s\n",
		html.EscapeString(snap.State),
		html.EscapeString(snap.Static.UGPSHost),
		html.EscapeString(snap.Static.MAVLinkHost),
		html.EscapeString(snap.Static.QGCDest),
		html.EscapeString(snap.Started),
	)
	names := make([]string, 0, len(snap.Actions))
	for name := range snap.Actions {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		a := snap.Actions[name]
		_, _ = fmt.Fprintf(w, "%s ok=%d failed=%d last=%s\n", html.EscapeString(name), a.OK, a.Failed, html.EscapeString(a.LastHuman))
	}
	if snap.Range != nil {
		_, _ = fmt.Fprintf(w, "range=%s bearing=%.0f\n", html.EscapeString(snap.Range.Human), snap.Range.BearingDeg)
	}
	_, _ = fmt.Fprintf(w, "</pre></body></html>")
}

// Serve runs the status server until ctx is done.
func Serve(ctx context.Context, listenAddr string, opts Options) error {
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           Handler(opts),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       30 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		if opts.Live != nil {
			opts.Live.Close()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
