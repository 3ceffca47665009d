package app

import (
	"fmt"
	"image"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/golang/freetype"
	"golang.org/x/image/font"

	"github.com/roman-kulish/location-relay/internal/track"
)

const (
	dpi     float64 = 72
	size    float64 = 14
	tickLen         = 10
)

type Annotator struct {
	context *freetype.Context
}

// NewAnnotator creates an annotator drawing with the TrueType font at the
// given path.
func NewAnnotator(fontPath string) (*Annotator, error) {
	fontBytes, err := os.ReadFile(fontPath)
	if err != nil {
		return nil, fmt.Errorf("reading font: %w", err)
	}

	parsedFont, err := freetype.ParseFont(fontBytes)
	if err != nil {
		return nil, fmt.Errorf("parsing font: %w", err)
	}

	context := freetype.NewContext()
	context.SetDPI(dpi)
	context.SetFont(parsedFont)
	context.SetFontSize(size)
	context.SetSrc(image.White)
	context.SetHinting(font.HintingFull)

	return &Annotator{context: context}, nil
}

func (a *Annotator) Annotate(img *image.RGBA, data *TrackData, session *track.Session) error {
	a.context.SetClip(img.Bounds())
	a.context.SetDst(img)

	ops := []struct {
		msg string
		fn  func(*image.RGBA, *TrackData, *track.Session) error
	}{
		{"drawing longitude scale", a.drawLongitudeScale},
		{"drawing latitude scale", a.drawLatitudeScale},
		{"drawing info", a.drawInfo},
	}
	for _, op := range ops {
		if err := op.fn(img, data, session); err != nil {
			return fmt.Errorf("%s: %w", op.msg, err)
		}
	}

	return nil
}

func (a *Annotator) drawLongitudeScale(img *image.RGBA, data *TrackData, _ *track.Session) error {
	width := img.Bounds().Dx()
	count := width / 300
	if count < 2 {
		count = 2
	}

	degPerLabel := (data.LongitudeMax - data.LongitudeMin) / float64(count)
	pxPerLabel := (width - 2*defaultPadding) / count

	for si := 0; si <= count; si++ {
		lon := data.LongitudeMin + float64(si)*degPerLabel
		px := defaultPadding + si*pxPerLabel

		for i := 0; i < tickLen; i++ {
			img.Set(px, i, image.White)
		}

		pt := freetype.Pt(px+4, 16)
		if _, err := a.context.DrawString(fmt.Sprintf("%.4f°", lon), pt); err != nil {
			return err
		}
	}

	return nil
}

func (a *Annotator) drawLatitudeScale(img *image.RGBA, data *TrackData, _ *track.Session) error {
	height := img.Bounds().Dy()
	count := height / 200
	if count < 2 {
		count = 2
	}

	degPerLabel := (data.LatitudeMax - data.LatitudeMin) / float64(count)
	pxPerLabel := (height - 2*defaultPadding) / count

	for si := 0; si <= count; si++ {
		// Latitude grows upwards while pixel rows grow downwards.
		lat := data.LatitudeMin + float64(si)*degPerLabel
		py := height - defaultPadding - si*pxPerLabel

		for i := 0; i < tickLen; i++ {
			img.Set(i, py, image.White)
		}

		pt := freetype.Pt(tickLen+2, py+4)
		if _, err := a.context.DrawString(fmt.Sprintf("%.4f°", lat), pt); err != nil {
			return err
		}
	}

	return nil
}

func (a *Annotator) drawInfo(img *image.RGBA, data *TrackData, session *track.Session) error {
	distance, suffix := humanize.ComputeSI(data.DistanceMeters)

	info := fmt.Sprintf("%s @ %s | %s | %s | %.2f %sm | max %.1f m/s | %d fixes",
		session.Source,
		session.DeviceID,
		data.TimeStart.Local().Format(time.DateTime),
		data.Duration().Round(time.Second),
		distance, suffix,
		data.SpeedMax,
		len(data.Points))

	pt := freetype.Pt(defaultPadding, img.Bounds().Dy()-10)
	_, err := a.context.DrawString(info, pt)
	return err
}
