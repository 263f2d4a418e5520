package metadata

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/bogem/id3v2/v2"
	"github.com/go-flac/flacvorbis"
	"github.com/go-flac/go-flac"

	"github.com/trackline/trackline/internal/network"
	"github.com/trackline/trackline/internal/track"
)

func writeFakeAudio(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, bytes.Repeat([]byte{0xFF, 0xFB, 0x90, 0x00}, 256), 0644); err != nil {
		t.Fatalf("Failed to create test file: %v", err)
	}
	return path
}

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, x%h, color.RGBA{R: 200, A: 255})
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}
	return buf.Bytes()
}

func TestNewManagerDefaults(t *testing.T) {
	manager := NewManager(nil, nil, nil)
	if !manager.config.EmbedArtwork {
		t.Error("Default EmbedArtwork should be true")
	}
	if manager.config.ArtworkSize != 500 {
		t.Errorf("Default ArtworkSize should be 500, got %d", manager.config.ArtworkSize)
	}
}

func TestApplyAndReadMP3Metadata(t *testing.T) {
	path := writeFakeAudio(t, "abc.mp3")
	manager := NewManager(&Config{EmbedArtwork: true}, nil, nil)

	md := &TrackMetadata{
		Title:       "Blinding Lights",
		Artist:      "The Weeknd",
		DurationMs:  200040,
		SourceURL:   "https://www.youtube.com/watch?v=4NRXx6U8ABQ",
		Provider:    "youtube",
		ArtworkData: testPNG(t, 4, 4),
		ArtworkMIME: "image/png",
	}
	if err := manager.ApplyMetadata(path, md); err != nil {
		t.Fatalf("ApplyMetadata() error = %v", err)
	}

	got, err := readTags(path)
	if err != nil {
		t.Fatalf("readTags() error = %v", err)
	}
	if got.Title != md.Title || got.Artist != md.Artist {
		t.Errorf("got %q by %q", got.Title, got.Artist)
	}
	if got.DurationMs != md.DurationMs {
		t.Errorf("DurationMs = %d, want %d", got.DurationMs, md.DurationMs)
	}
	if got.SourceURL != md.SourceURL || got.Provider != "youtube" {
		t.Errorf("source tags = %q / %q", got.SourceURL, got.Provider)
	}
}

func TestApplyMetadataUnsupportedFormat(t *testing.T) {
	manager := NewManager(nil, nil, nil)
	if err := manager.ApplyMetadata("/tmp/file.ogg", &TrackMetadata{Title: "x"}); err == nil {
		t.Error("expected error for unsupported format")
	}
	if err := manager.ApplyMetadata("/tmp/file.mp3", nil); err == nil {
		t.Error("expected error for nil metadata")
	}
}

func TestFromTrack(t *testing.T) {
	md := FromTrack(&track.Track{
		Title:        "Song",
		Author:       "Artist",
		DurationMs:   1000,
		ISRC:         "USUM71900001",
		CanonicalURL: "https://soundcloud.com/a/b",
		Provider:     track.ProviderSoundCloud,
	})
	if md.Artist != "Artist" || md.ISRC != "USUM71900001" || md.Provider != "soundcloud" {
		t.Errorf("FromTrack() = %+v", md)
	}
}

func TestResizeImage(t *testing.T) {
	data := testPNG(t, 800, 400)

	out, mimeType, err := resizeImage(data, 200)
	if err != nil {
		t.Fatalf("resizeImage() error = %v", err)
	}
	if mimeType != "image/png" {
		t.Errorf("mimeType = %s", mimeType)
	}
	img, _, err := image.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("decode resized: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 200 || b.Dy() != 100 {
		t.Errorf("resized to %dx%d, want 200x100", b.Dx(), b.Dy())
	}

	small := testPNG(t, 50, 50)
	out, _, err = resizeImage(small, 200)
	if err != nil || !bytes.Equal(out, small) {
		t.Error("images within the target should be returned unchanged")
	}

	if _, _, err := resizeImage([]byte("not an image"), 200); err == nil {
		t.Error("expected decode error")
	}
}

func TestTagTrackEmbedsArtwork(t *testing.T) {
	art := testPNG(t, 600, 600)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(art)
	}))
	defer srv.Close()

	path := writeFakeAudio(t, "key.mp3")
	manager := NewManager(&Config{EmbedArtwork: true, ArtworkSize: 300}, network.NewClient(nil), nil)

	tr := &track.Track{Title: "Song", Author: "Artist", Thumbnail: srv.URL + "/thumb.png", Provider: track.ProviderYouTube}
	if err := manager.TagTrack(context.Background(), path, tr); err != nil {
		t.Fatalf("TagTrack() error = %v", err)
	}

	got, err := readTags(path)
	if err != nil {
		t.Fatalf("readTags() error = %v", err)
	}
	if got.Title != "Song" {
		t.Errorf("Title = %q", got.Title)
	}
}

func TestTagTrackToleratesMissingArtwork(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	path := writeFakeAudio(t, "key.mp3")
	manager := NewManager(&Config{EmbedArtwork: true, ArtworkSize: 300}, network.NewClient(nil), nil)

	tr := &track.Track{Title: "Song", Author: "Artist", Thumbnail: srv.URL}
	if err := manager.TagTrack(context.Background(), path, tr); err != nil {
		t.Fatalf("TagTrack() should still write text tags, got %v", err)
	}
}

func TestFlacPictureBlock(t *testing.T) {
	block := flacPictureBlock([]byte{1, 2, 3}, "")
	if block[3] != 3 {
		t.Errorf("picture type = %d, want 3", block[3])
	}
	mimeLen := int(block[7])
	if string(block[8:8+mimeLen]) != "image/jpeg" {
		t.Errorf("mime = %q", block[8:8+mimeLen])
	}
	if !bytes.HasSuffix(block, []byte{0, 0, 0, 3, 1, 2, 3}) {
		t.Error("picture data length and payload should close the block")
	}
}

// readTags reads the tags written by TagTrack back from a file
func readTags(filePath string) (*TrackMetadata, error) {
	ext := strings.ToLower(filepath.Ext(filePath))
	switch ext {
	case ".mp3":
		return readMP3Metadata(filePath)
	case ".flac":
		return readFLACMetadata(filePath)
	default:
		return nil, fmt.Errorf("unsupported file format: %s", ext)
	}
}

func readMP3Metadata(filePath string) (*TrackMetadata, error) {
	tag, err := id3v2.Open(filePath, id3v2.Options{Parse: true})
	if err != nil {
		return nil, fmt.Errorf("failed to open MP3 file: %w", err)
	}
	defer tag.Close()

	md := &TrackMetadata{
		Title:  tag.Title(),
		Artist: tag.Artist(),
		Album:  tag.Album(),
	}
	if year, err := strconv.Atoi(tag.Year()); err == nil {
		md.Year = year
	}
	if frames := tag.GetFrames("TLEN"); len(frames) > 0 {
		if tf, ok := frames[0].(id3v2.TextFrame); ok {
			md.DurationMs, _ = strconv.ParseInt(tf.Text, 10, 64)
		}
	}
	for _, f := range tag.GetFrames(tag.CommonID("User defined text information frame")) {
		udf, ok := f.(id3v2.UserDefinedTextFrame)
		if !ok {
			continue
		}
		switch udf.Description {
		case "SOURCE":
			md.SourceURL = udf.Value
		case "PROVIDER":
			md.Provider = udf.Value
		}
	}
	return md, nil
}

func readFLACMetadata(filePath string) (*TrackMetadata, error) {
	f, err := flac.ParseFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to parse FLAC file: %w", err)
	}

	md := &TrackMetadata{}
	for _, block := range f.Meta {
		if block.Type != flac.VorbisComment {
			continue
		}
		cmt, err := flacvorbis.ParseFromMetaDataBlock(*block)
		if err != nil {
			continue
		}
		first := func(key string) string {
			if vals, err := cmt.Get(key); err == nil && len(vals) > 0 {
				return vals[0]
			}
			return ""
		}
		md.Title = first("TITLE")
		md.Artist = first("ARTIST")
		md.Album = first("ALBUM")
		md.ISRC = first("ISRC")
		md.SourceURL = first("SOURCE")
		md.Provider = first("PROVIDER")
		if year, err := strconv.Atoi(first("DATE")); err == nil {
			md.Year = year
		}
		break
	}
	return md, nil
}
