//go:build linux

package capture

import (
	"bytes"
	"errors"
	"os"
	"strings"
	"testing"
)

// dmaTestFile stands in for a DMA buffer descriptor: a regular file is
// just as mappable, and the fake syncer replaces the dma-buf ioctl.
func dmaTestFile(t *testing.T, content []byte) *os.File {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "dmabuf")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	t.Cleanup(func() { _ = f.Close() })
	if _, err := f.Write(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return f
}

func TestExtractDmaBufReadsMapping(t *testing.T) {
	content := bytes.Repeat([]byte{0xAB}, 5000)
	f := dmaTestFile(t, content)

	sync := &recordingSyncer{}
	e := testExtractor(sync)

	b := &RawBuffer{
		Datas: []BufferData{DmaBuf{Fd: int(f.Fd())}},
		Metas: []Meta{{Type: MetaTypeHeader, Header: &HeaderMeta{PTS: 9}}},
	}

	data, pts, err := e.extract(b, &VideoInfo{})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if pts != 9 {
		t.Errorf("pts = %d, want 9", pts)
	}

	want := roundUp(len(content), e.pageSize)
	if len(data) != want {
		t.Fatalf("data length = %d, want %d (page-rounded)", len(data), want)
	}
	if !bytes.Equal(data[:len(content)], content) {
		t.Error("mapped content does not match the descriptor's bytes")
	}
	for i := len(content); i < len(data); i++ {
		if data[i] != 0 {
			t.Fatalf("byte %d past the descriptor's size is %#x, want 0", i, data[i])
		}
	}
}

func TestExtractDmaBufBracketsCacheSync(t *testing.T) {
	f := dmaTestFile(t, make([]byte, 4096))

	sync := &recordingSyncer{}
	b := &RawBuffer{Datas: []BufferData{DmaBuf{Fd: int(f.Fd())}}}

	if _, _, err := testExtractor(sync).extract(b, &VideoInfo{}); err != nil {
		t.Fatalf("extract: %v", err)
	}

	// Exactly one begin and one end, in that order, around the copy.
	if len(sync.calls) != 2 || sync.calls[0] != "begin" || sync.calls[1] != "end" {
		t.Errorf("cache sync calls = %v, want [begin end]", sync.calls)
	}
}

func TestExtractDmaBufBeginSyncFailure(t *testing.T) {
	f := dmaTestFile(t, make([]byte, 4096))

	sync := &recordingSyncer{beginErr: errors.New("device is wedged")}
	b := &RawBuffer{Datas: []BufferData{DmaBuf{Fd: int(f.Fd())}}}

	_, _, err := testExtractor(sync).extract(b, &VideoInfo{})
	if err == nil || !strings.Contains(err.Error(), "begin cpu access") {
		t.Fatalf("extract error = %v, want begin cpu access failure", err)
	}
}

func TestExtractDmaBufBadDescriptor(t *testing.T) {
	sync := &recordingSyncer{}
	b := &RawBuffer{Datas: []BufferData{DmaBuf{Fd: -1}}}

	_, _, err := testExtractor(sync).extract(b, &VideoInfo{})
	if err == nil || !strings.Contains(err.Error(), "fstat") {
		t.Fatalf("extract error = %v, want fstat failure", err)
	}
	if len(sync.calls) != 0 {
		t.Errorf("cache sync issued for a failed buffer: %v", sync.calls)
	}
}
