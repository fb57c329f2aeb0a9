// Package mediainfo probes media files with ffprobe and caches the results.
package mediainfo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Stream describes a single stream in the media container.
type Stream struct {
	Index     int    `json:"index"`
	CodecName string `json:"codec_name"`
	CodecType string `json:"codec_type"`
	Language  string `json:"language,omitempty"`
	Title     string `json:"title,omitempty"`
	Default   bool   `json:"default,omitempty"`
	Forced    bool   `json:"forced,omitempty"`
}

// Info is the cached probe result for one item
type Info struct {
	ItemID   string        `json:"item_id"`
	Path     string        `json:"path"`
	Format   string        `json:"format"`
	Duration time.Duration `json:"duration"`
	Size     int64         `json:"size"`
	BitRate  int64         `json:"bit_rate"`
	Streams  []Stream      `json:"streams"`
	ProbedAt time.Time     `json:"probed_at"`
}

// SubtitleStreams returns the embedded subtitle streams
func (i *Info) SubtitleStreams() []Stream {
	var out []Stream
	for _, s := range i.Streams {
		if strings.EqualFold(s.CodecType, "subtitle") {
			out = append(out, s)
		}
	}
	return out
}

// ffprobe -show_format -show_streams -of json output
type probeOutput struct {
	Streams []struct {
		Index       int               `json:"index"`
		CodecName   string            `json:"codec_name"`
		CodecType   string            `json:"codec_type"`
		Tags        map[string]string `json:"tags"`
		Disposition map[string]int    `json:"disposition"`
	} `json:"streams"`
	Format struct {
		Filename   string `json:"filename"`
		Duration   string `json:"duration"`
		Size       string `json:"size"`
		BitRate    string `json:"bit_rate"`
		FormatName string `json:"format_name"`
	} `json:"format"`
}

// runFFprobe executes ffprobe and returns its JSON output
func runFFprobe(ctx context.Context, binary, path string) ([]byte, error) {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		binary = "ffprobe"
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("ffprobe: empty path")
	}

	cmd := exec.CommandContext(ctx, binary, "-v", "error", "-hide_banner", "-show_format", "-show_streams", "-of", "json", "--", path)
	output, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("ffprobe %s: %w: %s", path, err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return nil, fmt.Errorf("ffprobe %s: %w", path, err)
	}
	return output, nil
}

// parseProbe converts raw ffprobe JSON into an Info
func parseProbe(data []byte) (*Info, error) {
	var out probeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("ffprobe parse: %w", err)
	}

	info := &Info{
		Path:    out.Format.Filename,
		Format:  out.Format.FormatName,
		Size:    parseInt(out.Format.Size),
		BitRate: parseInt(out.Format.BitRate),
	}
	if seconds := parseFloat(out.Format.Duration); seconds > 0 {
		info.Duration = time.Duration(seconds * float64(time.Second))
	}
	for _, s := range out.Streams {
		info.Streams = append(info.Streams, Stream{
			Index:     s.Index,
			CodecName: s.CodecName,
			CodecType: s.CodecType,
			Language:  s.Tags["language"],
			Title:     s.Tags["title"],
			Default:   s.Disposition["default"] == 1,
			Forced:    s.Disposition["forced"] == 1,
		})
	}
	return info, nil
}

func parseFloat(value string) float64 {
	cleaned := strings.TrimSpace(value)
	if cleaned == "" {
		return 0
	}
	parsed, err := strconv.ParseFloat(cleaned, 64)
	if err != nil || math.IsNaN(parsed) || math.IsInf(parsed, 0) {
		return 0
	}
	return parsed
}

func parseInt(value string) int64 {
	v := parseFloat(value)
	if v < 0 {
		return 0
	}
	return int64(v)
}
