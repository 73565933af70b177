package middleware

import (
	"bytes"
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func gzipTestHandler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("received: " + string(body)))
}

func TestGzipMiddleware_CompressesResponse(t *testing.T) {
	handler := GzipMiddleware(http.HandlerFunc(gzipTestHandler))

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("test request"))
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	res := rec.Result()
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if enc := res.Header.Get("Content-Encoding"); enc != "gzip" {
		t.Fatalf("content-encoding = %q, want gzip", enc)
	}

	zr, err := gzip.NewReader(res.Body)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	decoded, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(decoded) != "received: test request" {
		t.Fatalf("body = %q", decoded)
	}
}

func TestGzipMiddleware_DecompressesRequest(t *testing.T) {
	handler := GzipMiddleware(http.HandlerFunc(gzipTestHandler))

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, _ = zw.Write([]byte("compressed request"))
	_ = zw.Close()

	req := httptest.NewRequest(http.MethodPost, "/", &buf)
	req.Header.Set("Content-Encoding", "gzip")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	res := rec.Result()
	defer res.Body.Close()

	body, _ := io.ReadAll(res.Body)
	if string(body) != "received: compressed request" {
		t.Fatalf("body = %q", body)
	}
}

func TestGzipMiddleware_PassThrough(t *testing.T) {
	handler := GzipMiddleware(http.HandlerFunc(gzipTestHandler))

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("plain"))
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	res := rec.Result()
	defer res.Body.Close()

	if enc := res.Header.Get("Content-Encoding"); enc != "" {
		t.Fatalf("content-encoding = %q, want empty", enc)
	}

	body, _ := io.ReadAll(res.Body)
	if string(body) != "received: plain" {
		t.Fatalf("body = %q", body)
	}
}

func TestGzipMiddleware_BadRequestBody(t *testing.T) {
	handler := GzipMiddleware(http.HandlerFunc(gzipTestHandler))

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("not gzip"))
	req.Header.Set("Content-Encoding", "gzip")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}
