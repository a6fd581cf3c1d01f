package gateway

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/core-tools/hsu-host/pkg/sessions"
)

const (
	upstreamTimeout     = 300 * time.Second
	upstreamIdlePerHost = 10
	upstreamIdleTimeout = 30 * time.Second

	relayChunkSize  = 32 * 1024
	relayChunkQueue = 16
)

func newUpstreamClient() *http.Client {
	return &http.Client{
		Timeout: upstreamTimeout,
		Transport: &http.Transport{
			MaxIdleConnsPerHost: upstreamIdlePerHost,
			IdleConnTimeout:     upstreamIdleTimeout,
		},
	}
}

func (h *Handler) forward(w http.ResponseWriter, r *http.Request, session sessions.ModelSession, path string, body []byte, origin string) {
	target := fmt.Sprintf("http://127.0.0.1:%d%s", session.Port, path)
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	out, err := http.NewRequestWithContext(r.Context(), r.Method, target, bytes.NewReader(body))
	if err != nil {
		addCORSHeaders(w.Header(), origin)
		writeText(w, http.StatusInternalServerError, "Internal routing error")
		return
	}
	for name, values := range r.Header {
		if strings.EqualFold(name, "Host") || strings.EqualFold(name, "Authorization") {
			continue
		}
		for _, v := range values {
			out.Header.Add(name, v)
		}
	}
	if session.APIKey != "" {
		out.Header.Set("Authorization", "Bearer "+session.APIKey)
	}

	h.logger.Debugf("Forwarding to model session, id: %d, model: %s, url: %s", session.ID, session.ModelID, target)

	started := time.Now()
	resp, err := h.client.Do(out)
	if err != nil {
		msg := fmt.Sprintf("Proxy request to model failed: %v", err)
		h.logger.Errorf("%s", msg)
		addCORSHeaders(w.Header(), origin)
		writeText(w, http.StatusBadGateway, msg)
		return
	}
	defer resp.Body.Close()
	h.metrics.UpstreamLatency(session.ModelID, time.Since(started))

	header := w.Header()
	for name, values := range resp.Header {
		if isCORSHeader(name) || strings.EqualFold(name, "Content-Length") {
			continue
		}
		for _, v := range values {
			header.Add(name, v)
		}
	}
	addCORSHeaders(header, origin)
	w.WriteHeader(resp.StatusCode)

	h.relay(w, resp.Body)
}

// relay copies src to w chunk by chunk, flushing after each. A reader
// goroutine feeds a bounded queue; either side stopping ends the relay.
func (h *Handler) relay(w http.ResponseWriter, src io.Reader) {
	flusher, _ := w.(http.Flusher)
	chunks := make(chan []byte, relayChunkQueue)
	stop := make(chan struct{})
	defer close(stop)

	go func() {
		defer close(chunks)
		for {
			buf := make([]byte, relayChunkSize)
			n, err := src.Read(buf)
			if n > 0 {
				select {
				case chunks <- buf[:n]:
				case <-stop:
					return
				}
			}
			if err != nil {
				if err != io.EOF {
					h.logger.Debugf("Upstream stream ended: %v", err)
				}
				return
			}
		}
	}()

	for chunk := range chunks {
		if _, err := w.Write(chunk); err != nil {
			h.logger.Debugf("Client disconnected during streaming: %v", err)
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
	h.logger.Debugf("Streaming complete to client")
}
