package app

import (
	"context"
	"fmt"
	"image/jpeg"
	"image/png"
	"log/slog"
	"os"
	"time"

	"github.com/roman-kulish/location-relay/internal/storage"
)

func Run(ctx context.Context, config *Config, logger *slog.Logger) error {
	if _, err := os.Stat(config.DBPath); err != nil && os.IsNotExist(err) {
		return fmt.Errorf("database file '%s' does not exist: %w", config.DBPath, err)
	}

	store := storage.NewSqliteStore(config.DBPath)
	defer store.Close()

	return renderTrack(ctx, store, config, logger)
}

func renderTrack(ctx context.Context, store *storage.SqliteStore, config *Config, logger *slog.Logger) error {
	iter, err := store.ReadFixes(ctx, config.SessionID)
	if err != nil {
		return err
	}
	defer iter.Close()

	session := iter.Session()
	logger.Info("reading session",
		slog.Int64("session", session.ID),
		slog.String("source", session.Source),
		slog.String("device", session.DeviceID),
		slog.String("startTime", session.StartTime.Local().Format(time.DateTime)))

	data := NewTrackData()
	for iter.Next(ctx) {
		data.Update(iter.Current())
	}
	if err = iter.Error(); err != nil {
		return err
	}

	logger.Info("finished reading fixes",
		slog.Group("stats",
			slog.Int("fixes", len(data.Points)),
			slog.String("duration", data.Duration().Round(time.Second).String()),
			slog.String("distance", fmt.Sprintf("%.1fm", data.DistanceMeters)),
			slog.String("maxSpeed", fmt.Sprintf("%.1fm/s", data.SpeedMax)),
		))

	renderer := NewTrackRenderer(RenderConfig{Width: config.Width})

	logger.Info("rendering track",
		slog.Group("image",
			slog.String("destination", config.OutputFile),
			slog.String("format", string(config.Format)),
			slog.Int("width", config.Width),
		))

	img, err := renderer.Render(data)
	if err != nil {
		return fmt.Errorf("rendering track: %w", err)
	}

	if !config.NoAnnotations {
		annotator, err := NewAnnotator(config.FontPath)
		if err != nil {
			return fmt.Errorf("creating annotator: %w", err)
		}
		if err = annotator.Annotate(img, data, session); err != nil {
			return fmt.Errorf("annotating track: %w", err)
		}
	}

	out, err := os.Create(config.OutputFile)
	if err != nil {
		return err
	}
	defer out.Close()

	switch config.Format {
	case ImagePNG:
		err = png.Encode(out, img)

	case ImageJPEG:
		err = jpeg.Encode(out, img, &jpeg.Options{
			Quality: 98,
		})
	}
	return err
}
