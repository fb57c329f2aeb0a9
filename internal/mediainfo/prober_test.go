package mediainfo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/saltyorg/markerplow/internal/markers"
)

const sampleProbe = `{
	"streams": [
		{"index": 0, "codec_name": "h264", "codec_type": "video", "disposition": {"default": 1}},
		{"index": 1, "codec_name": "aac", "codec_type": "audio", "tags": {"language": "eng"}},
		{"index": 2, "codec_name": "subrip", "codec_type": "subtitle", "tags": {"language": "eng", "title": "Forced"}, "disposition": {"forced": 1}}
	],
	"format": {
		"filename": "/tv/Show/e1.mkv",
		"duration": "1423.500000",
		"size": "734003200",
		"bit_rate": "4125000",
		"format_name": "matroska,webm"
	}
}`

type memCache struct {
	docs map[string][]byte
}

func (c *memCache) GetMediaInfo(_ context.Context, itemID string) ([]byte, bool, error) {
	d, ok := c.docs[itemID]
	return d, ok, nil
}

func (c *memCache) HasMediaInfo(_ context.Context, itemID string) (bool, error) {
	_, ok := c.docs[itemID]
	return ok, nil
}

func (c *memCache) PutMediaInfo(_ context.Context, itemID string, data []byte, overwrite bool) (bool, error) {
	if _, ok := c.docs[itemID]; ok && !overwrite {
		return false, nil
	}
	c.docs[itemID] = data
	return true, nil
}

func TestParseProbe(t *testing.T) {
	info, err := parseProbe([]byte(sampleProbe))
	if err != nil {
		t.Fatalf("expected parse to succeed, got %v", err)
	}
	if info.Duration != 1423500*time.Millisecond {
		t.Fatalf("expected duration 1423.5s, got %s", info.Duration)
	}
	if info.Size != 734003200 || info.BitRate != 4125000 {
		t.Fatalf("unexpected size/bitrate: %d/%d", info.Size, info.BitRate)
	}
	subs := info.SubtitleStreams()
	if len(subs) != 1 || !subs[0].Forced || subs[0].Language != "eng" {
		t.Fatalf("expected one forced english subtitle, got %+v", subs)
	}
}

func TestParseProbe_InvalidNumbers(t *testing.T) {
	info, err := parseProbe([]byte(`{"format": {"duration": "N/A", "size": "-1"}}`))
	if err != nil {
		t.Fatalf("expected parse to succeed, got %v", err)
	}
	if info.Duration != 0 || info.Size != 0 {
		t.Fatalf("expected zero duration and size, got %s/%d", info.Duration, info.Size)
	}
}

func TestProber_ProbeAndCacheRoundTrip(t *testing.T) {
	cache := &memCache{docs: map[string][]byte{}}
	p := NewProber(DefaultConfig(), cache)
	p.run = func(_ context.Context, binary, path string) ([]byte, error) {
		if binary != "ffprobe" || path != "/tv/Show/e1.mkv" {
			t.Fatalf("unexpected ffprobe invocation %s %s", binary, path)
		}
		return []byte(sampleProbe), nil
	}
	item := markers.Item{ID: "e1", Path: "/tv/Show/e1.mkv"}
	ctx := context.Background()

	if _, ok, _ := p.DeserializeCached(ctx, item); ok {
		t.Fatal("expected empty cache")
	}

	info, err := p.Probe(ctx, item)
	if err != nil {
		t.Fatalf("expected probe to succeed, got %v", err)
	}
	if info.ItemID != "e1" {
		t.Fatalf("expected item id e1, got %q", info.ItemID)
	}

	written, err := p.SerializeToCache(ctx, item, info, false)
	if err != nil || !written {
		t.Fatalf("expected cache write, got written=%v err=%v", written, err)
	}
	if written, _ := p.SerializeToCache(ctx, item, info, false); written {
		t.Fatal("expected second write without overwrite to be skipped")
	}

	cached, ok, err := p.DeserializeCached(ctx, item)
	if err != nil || !ok {
		t.Fatalf("expected cache hit, got ok=%v err=%v", ok, err)
	}
	if cached.Duration != info.Duration || len(cached.Streams) != 3 {
		t.Fatalf("expected cached info to match probe, got %+v", cached)
	}
}

func TestProber_CorruptCacheIsMiss(t *testing.T) {
	cache := &memCache{docs: map[string][]byte{"e1": []byte("{not json")}}
	p := NewProber(DefaultConfig(), cache)

	_, ok, err := p.DeserializeCached(context.Background(), markers.Item{ID: "e1"})
	if err != nil || ok {
		t.Fatalf("expected corrupt document to be a miss, got ok=%v err=%v", ok, err)
	}
}

func TestProber_ProbeError(t *testing.T) {
	p := NewProber(DefaultConfig(), &memCache{docs: map[string][]byte{}})
	p.run = func(context.Context, string, string) ([]byte, error) {
		return nil, errors.New("exit status 1")
	}
	if _, err := p.Probe(context.Background(), markers.Item{ID: "e1", Path: "/x.mkv"}); err == nil {
		t.Fatal("expected probe error")
	}
}
