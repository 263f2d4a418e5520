package metadata

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bogem/id3v2/v2"
	"github.com/go-flac/flacvorbis"
	"github.com/go-flac/go-flac"
	"go.uber.org/zap"

	"github.com/trackline/trackline/internal/network"
	"github.com/trackline/trackline/internal/track"
)

// Manager writes self-describing tags into cached audio files
type Manager struct {
	config *Config
	client *network.Client
	logger *zap.Logger
}

// Config contains metadata configuration
type Config struct {
	EmbedArtwork bool
	ArtworkSize  int
}

// TrackMetadata contains the tags written into a cached file
type TrackMetadata struct {
	Title       string
	Artist      string
	Album       string
	Year        int
	DurationMs  int64
	ISRC        string
	SourceURL   string
	Provider    string
	ArtworkData []byte
	ArtworkMIME string
}

// FromTrack builds the tag set for a resolved track
func FromTrack(t *track.Track) *TrackMetadata {
	return &TrackMetadata{
		Title:      t.Title,
		Artist:     t.Author,
		DurationMs: t.DurationMs,
		ISRC:       t.ISRC,
		SourceURL:  t.CanonicalURL,
		Provider:   string(t.Provider),
	}
}

// NewManager creates a new metadata manager. client is used for artwork and may be nil.
func NewManager(config *Config, client *network.Client, logger *zap.Logger) *Manager {
	if config == nil {
		config = &Config{
			EmbedArtwork: true,
			ArtworkSize:  500,
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		config: config,
		client: client,
		logger: logger,
	}
}

// TagTrack writes the track's tags into filePath, fetching its thumbnail when enabled.
// Artwork failures are logged and the text tags are still written.
func (m *Manager) TagTrack(ctx context.Context, filePath string, t *track.Track) error {
	md := FromTrack(t)

	if m.config.EmbedArtwork && m.client != nil && t.Thumbnail != "" {
		data, mimeType, err := m.fetchArtwork(ctx, t.Thumbnail, m.config.ArtworkSize)
		if err != nil {
			m.logger.Debug("Artwork unavailable",
				zap.String("track", t.String()),
				zap.Error(err))
		} else {
			md.ArtworkData = data
			md.ArtworkMIME = mimeType
		}
	}

	return m.ApplyMetadata(filePath, md)
}

// ApplyMetadata applies metadata to an audio file (MP3 or FLAC)
func (m *Manager) ApplyMetadata(filePath string, metadata *TrackMetadata) error {
	if metadata == nil {
		return fmt.Errorf("metadata cannot be nil")
	}

	ext := strings.ToLower(filepath.Ext(filePath))
	switch ext {
	case ".mp3":
		return m.applyMP3Metadata(filePath, metadata)
	case ".flac":
		return m.applyFLACMetadata(filePath, metadata)
	default:
		return fmt.Errorf("unsupported file format: %s", ext)
	}
}

// applyMP3Metadata applies metadata to an MP3 file using ID3v2
func (m *Manager) applyMP3Metadata(filePath string, metadata *TrackMetadata) error {
	tag, err := id3v2.Open(filePath, id3v2.Options{Parse: true})
	if err != nil {
		return fmt.Errorf("failed to open MP3 file: %w", err)
	}
	defer tag.Close()

	tag.SetVersion(4)
	tag.SetDefaultEncoding(id3v2.EncodingUTF8)

	if metadata.Title != "" {
		tag.SetTitle(metadata.Title)
	}
	if metadata.Artist != "" {
		tag.SetArtist(metadata.Artist)
	}
	if metadata.Album != "" {
		tag.SetAlbum(metadata.Album)
	}
	if metadata.Year > 0 {
		tag.SetYear(strconv.Itoa(metadata.Year))
	}
	if metadata.DurationMs > 0 {
		tag.DeleteFrames("TLEN")
		tag.AddTextFrame("TLEN", id3v2.EncodingUTF8, strconv.FormatInt(metadata.DurationMs, 10))
	}
	if metadata.ISRC != "" {
		tag.AddTextFrame(tag.CommonID("ISRC"), id3v2.EncodingUTF8, metadata.ISRC)
	}
	if metadata.SourceURL != "" {
		tag.AddUserDefinedTextFrame(id3v2.UserDefinedTextFrame{
			Encoding:    id3v2.EncodingUTF8,
			Description: "SOURCE",
			Value:       metadata.SourceURL,
		})
	}
	if metadata.Provider != "" {
		tag.AddUserDefinedTextFrame(id3v2.UserDefinedTextFrame{
			Encoding:    id3v2.EncodingUTF8,
			Description: "PROVIDER",
			Value:       metadata.Provider,
		})
	}

	if m.config.EmbedArtwork && len(metadata.ArtworkData) > 0 {
		tag.AddAttachedPicture(id3v2.PictureFrame{
			Encoding:    id3v2.EncodingUTF8,
			MimeType:    metadata.ArtworkMIME,
			PictureType: id3v2.PTFrontCover,
			Description: "Front Cover",
			Picture:     metadata.ArtworkData,
		})
	}

	if err := tag.Save(); err != nil {
		return fmt.Errorf("failed to save MP3 metadata: %w", err)
	}
	return nil
}

// applyFLACMetadata applies metadata to a FLAC file using Vorbis comments
func (m *Manager) applyFLACMetadata(filePath string, metadata *TrackMetadata) error {
	f, err := flac.ParseFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to parse FLAC file: %w", err)
	}

	var cmtBlock *flac.MetaDataBlock
	for _, block := range f.Meta {
		if block.Type == flac.VorbisComment {
			cmtBlock = block
			break
		}
	}
	if cmtBlock == nil {
		cmtBlock = &flac.MetaDataBlock{Type: flac.VorbisComment}
		f.Meta = append(f.Meta, cmtBlock)
	}

	cmt, err := flacvorbis.ParseFromMetaDataBlock(*cmtBlock)
	if err != nil {
		cmt = flacvorbis.New()
	}

	fields := []struct {
		key, value string
	}{
		{"TITLE", metadata.Title},
		{"ARTIST", metadata.Artist},
		{"ALBUM", metadata.Album},
		{"ISRC", metadata.ISRC},
		{"SOURCE", metadata.SourceURL},
		{"PROVIDER", metadata.Provider},
	}
	for _, fld := range fields {
		if fld.value != "" {
			cmt.Add(fld.key, fld.value)
		}
	}
	if metadata.Year > 0 {
		cmt.Add("DATE", strconv.Itoa(metadata.Year))
	}

	res := cmt.Marshal()
	cmtBlock.Data = res.Data

	if m.config.EmbedArtwork && len(metadata.ArtworkData) > 0 && !hasPictureBlock(f) {
		f.Meta = append(f.Meta, &flac.MetaDataBlock{
			Type: flac.Picture,
			Data: flacPictureBlock(metadata.ArtworkData, metadata.ArtworkMIME),
		})
	}

	if err := f.Save(filePath); err != nil {
		return fmt.Errorf("failed to save FLAC file: %w", err)
	}
	return nil
}

func hasPictureBlock(f *flac.File) bool {
	for _, block := range f.Meta {
		if block.Type == flac.Picture {
			return true
		}
	}
	return false
}

// flacPictureBlock encodes a METADATA_BLOCK_PICTURE body for a front cover.
// Dimensions are left zero for the decoder to determine.
func flacPictureBlock(imageData []byte, mimeType string) []byte {
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	const description = "Front Cover"

	size := 4 + 4 + len(mimeType) + 4 + len(description) + 16 + 4 + len(imageData)
	data := make([]byte, size)
	pos := 0

	put := func(v uint32) {
		data[pos] = byte(v >> 24)
		data[pos+1] = byte(v >> 16)
		data[pos+2] = byte(v >> 8)
		data[pos+3] = byte(v)
		pos += 4
	}

	put(3) // front cover
	put(uint32(len(mimeType)))
	pos += copy(data[pos:], mimeType)
	put(uint32(len(description)))
	pos += copy(data[pos:], description)
	put(0) // width
	put(0) // height
	put(0) // color depth
	put(0) // indexed colors
	put(uint32(len(imageData)))
	copy(data[pos:], imageData)

	return data
}
