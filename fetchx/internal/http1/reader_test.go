package http1

import (
	"bufio"
	"errors"
	"io"
	"strings"
	"testing"
)

func readResp(t *testing.T, raw, method string, maxLine, maxTotal int) (*Response, error) {
	t.Helper()
	return ReadResponse(bufio.NewReader(strings.NewReader(raw)), method, maxLine, maxTotal)
}

func TestReadResponse_ContentLengthBody(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\nContent-Length: 5\r\n\r\nhello"
	resp, err := readResp(t, raw, "GET", 8<<10, 64<<10)
	if err != nil {
		t.Fatalf("ReadResponse error: %v", err)
	}
	if resp.StatusCode != 200 || resp.Reason != "OK" {
		t.Fatalf("status=%d reason=%q", resp.StatusCode, resp.Reason)
	}
	if resp.ContentLength != 5 {
		t.Fatalf("ContentLength=%d", resp.ContentLength)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil || string(b) != "hello" {
		t.Fatalf("body=%q err=%v", string(b), err)
	}
	if !resp.Reusable {
		t.Fatal("expected reusable connection")
	}
}

func TestReadResponse_ChunkedBody(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n3\r\nhey\r\n2\r\n!!\r\n0\r\n\r\n"
	resp, err := readResp(t, raw, "GET", 8<<10, 64<<10)
	if err != nil {
		t.Fatalf("ReadResponse error: %v", err)
	}
	if resp.ContentLength != -1 {
		t.Fatalf("ContentLength=%d", resp.ContentLength)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil || string(b) != "hey!!" {
		t.Fatalf("body=%q err=%v", string(b), err)
	}
}

func TestReadResponse_ChunkedExtensionsAndTrailers(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n5;ext=1\r\nhello\r\n0\r\nTrailer: x\r\n\r\n"
	resp, err := readResp(t, raw, "GET", 8<<10, 64<<10)
	if err != nil {
		t.Fatalf("ReadResponse error: %v", err)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil || string(b) != "hello" {
		t.Fatalf("body=%q err=%v", string(b), err)
	}
}

func TestReadResponse_CloseDelimited(t *testing.T) {
	raw := "HTTP/1.0 200 OK\r\n\r\nrest of stream"
	resp, err := readResp(t, raw, "GET", 8<<10, 64<<10)
	if err != nil {
		t.Fatalf("ReadResponse error: %v", err)
	}
	if resp.Reusable {
		t.Fatal("close-delimited response must not be reusable")
	}
	b, _ := io.ReadAll(resp.Body)
	if string(b) != "rest of stream" {
		t.Fatalf("body=%q", string(b))
	}
}

func TestReadResponse_NoBodyStatuses(t *testing.T) {
	for _, code := range []string{"204 No Content", "304 Not Modified", "100 Continue"} {
		raw := "HTTP/1.1 " + code + "\r\nContent-Length: 10\r\n\r\n"
		resp, err := readResp(t, raw, "GET", 8<<10, 64<<10)
		if err != nil {
			t.Fatalf("%s: %v", code, err)
		}
		b, _ := io.ReadAll(resp.Body)
		if len(b) != 0 {
			t.Fatalf("%s: unexpected body %q", code, b)
		}
	}
}

func TestReadResponse_HeadHasNoBody(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\n"
	resp, err := readResp(t, raw, "HEAD", 8<<10, 64<<10)
	if err != nil {
		t.Fatalf("ReadResponse error: %v", err)
	}
	b, _ := io.ReadAll(resp.Body)
	if len(b) != 0 {
		t.Fatalf("HEAD body=%q", b)
	}
	if resp.ContentLength != 5 {
		t.Fatalf("ContentLength=%d, want declared entity size", resp.ContentLength)
	}
}

func TestReadResponse_ConnectionClose(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nConnection: close\r\nContent-Length: 0\r\n\r\n"
	resp, err := readResp(t, raw, "GET", 8<<10, 64<<10)
	if err != nil {
		t.Fatalf("ReadResponse error: %v", err)
	}
	if resp.Reusable {
		t.Fatal("Connection: close must mark the connection spent")
	}
}

func TestReadResponse_TruncatedBody(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\nshort"
	resp, err := readResp(t, raw, "GET", 8<<10, 64<<10)
	if err != nil {
		t.Fatalf("ReadResponse error: %v", err)
	}
	_, err = io.ReadAll(resp.Body)
	if err != io.ErrUnexpectedEOF {
		t.Fatalf("err=%v, want ErrUnexpectedEOF", err)
	}
}

func TestReadResponse_TruncatedChunk(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n5\r\nhe"
	resp, err := readResp(t, raw, "GET", 8<<10, 64<<10)
	if err != nil {
		t.Fatalf("ReadResponse error: %v", err)
	}
	_, err = io.ReadAll(resp.Body)
	if err != io.ErrUnexpectedEOF {
		t.Fatalf("err=%v, want ErrUnexpectedEOF", err)
	}
}

func TestReadResponse_ConflictingContentLength(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nContent-Length: 5, 6\r\n\r\n"
	if _, err := readResp(t, raw, "GET", 8<<10, 64<<10); !errors.Is(err, ErrMalformed) {
		t.Fatalf("err=%v, want ErrMalformed", err)
	}
}

func TestReadResponse_AgreeingContentLengthDuplicates(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nContent-Length: 2\r\nContent-Length: 2\r\n\r\nok"
	resp, err := readResp(t, raw, "GET", 8<<10, 64<<10)
	if err != nil {
		t.Fatalf("ReadResponse error: %v", err)
	}
	if resp.ContentLength != 2 {
		t.Fatalf("ContentLength=%d", resp.ContentLength)
	}
}

func TestReadResponse_MalformedStatusLine(t *testing.T) {
	for _, raw := range []string{
		"garbage\r\n\r\n",
		"HTTP/1.1 abc OK\r\n\r\n",
		"SPDY/3 200 OK\r\n\r\n",
		"HTTP/1.1 99 Low\r\n\r\n",
	} {
		if _, err := readResp(t, raw, "GET", 8<<10, 64<<10); !errors.Is(err, ErrMalformed) {
			t.Fatalf("%q: err=%v, want ErrMalformed", raw, err)
		}
	}
}

func TestReadResponse_InvalidHeaderName(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nBad( : v\r\n\r\n"
	if _, err := readResp(t, raw, "GET", 8<<10, 64<<10); !errors.Is(err, ErrMalformed) {
		t.Fatalf("err=%v, want ErrMalformed", err)
	}
}

func TestReadResponse_HeaderTooLarge(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nA: b\r\nC: d\r\nE: f\r\n\r\n"
	if _, err := readResp(t, raw, "GET", 8<<10, 6); !errors.Is(err, ErrHeaderTooLarge) {
		t.Fatalf("err=%v, want ErrHeaderTooLarge", err)
	}
}

func TestReadResponse_IdleCloseIsPlainEOF(t *testing.T) {
	_, err := readResp(t, "", "GET", 8<<10, 64<<10)
	if err != io.EOF {
		t.Fatalf("err=%v, want io.EOF", err)
	}
}

func TestReadResponse_FieldOrderPreserved(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nB: 1\r\nA: 2\r\nB: 3\r\nContent-Length: 0\r\n\r\n"
	resp, err := readResp(t, raw, "GET", 8<<10, 64<<10)
	if err != nil {
		t.Fatalf("ReadResponse error: %v", err)
	}
	want := []string{"B", "A", "B", "Content-Length"}
	if len(resp.Fields) != len(want) {
		t.Fatalf("fields=%v", resp.Fields)
	}
	for i, f := range resp.Fields {
		if f.Name != want[i] {
			t.Fatalf("field %d = %q, want %q", i, f.Name, want[i])
		}
	}
}

func TestReadResponse_LengthBodyCloseDrains(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhelloHTTP/1.1 204 No Content\r\n\r\n"
	br := bufio.NewReader(strings.NewReader(raw))
	resp, err := ReadResponse(br, "GET", 8<<10, 64<<10)
	if err != nil {
		t.Fatalf("ReadResponse error: %v", err)
	}
	if err := resp.Body.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	next, err := ReadResponse(br, "GET", 8<<10, 64<<10)
	if err != nil {
		t.Fatalf("second ReadResponse: %v", err)
	}
	if next.StatusCode != 204 {
		t.Fatalf("status=%d", next.StatusCode)
	}
}
