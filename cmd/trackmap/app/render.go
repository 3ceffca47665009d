package app

import (
	"errors"
	"image"
	"image/color"
	"image/draw"
	"math"
	"time"

	"github.com/roman-kulish/location-relay/internal/track"
)

const (
	defaultImageWidth = 1280
	defaultPadding    = 60

	earthRadiusMeters = 6371000.0
)

// TrackData accumulates a session's fixes and the aggregate values the
// renderer and annotator need: the geographic bounding box, the speed range
// and the travelled distance.
type TrackData struct {
	Points []*track.Point

	LatitudeMin, LatitudeMax   float64
	LongitudeMin, LongitudeMax float64
	SpeedMin, SpeedMax         float64
	DistanceMeters             float64
	TimeStart, TimeEnd         time.Time
}

func NewTrackData() *TrackData {
	return &TrackData{}
}

// Update folds one fix into the aggregates. Fixes must arrive in received
// order for the distance sum to be meaningful.
func (d *TrackData) Update(p *track.Point) {
	if len(d.Points) == 0 {
		d.LatitudeMin, d.LatitudeMax = p.Fix.Latitude, p.Fix.Latitude
		d.LongitudeMin, d.LongitudeMax = p.Fix.Longitude, p.Fix.Longitude
		d.SpeedMin, d.SpeedMax = p.Fix.SpeedMPS, p.Fix.SpeedMPS
		d.TimeStart = p.ReceivedAt
	} else {
		prev := d.Points[len(d.Points)-1]
		d.DistanceMeters += haversineMeters(
			prev.Fix.Latitude, prev.Fix.Longitude,
			p.Fix.Latitude, p.Fix.Longitude)

		d.LatitudeMin = math.Min(d.LatitudeMin, p.Fix.Latitude)
		d.LatitudeMax = math.Max(d.LatitudeMax, p.Fix.Latitude)
		d.LongitudeMin = math.Min(d.LongitudeMin, p.Fix.Longitude)
		d.LongitudeMax = math.Max(d.LongitudeMax, p.Fix.Longitude)
		d.SpeedMin = math.Min(d.SpeedMin, p.Fix.SpeedMPS)
		d.SpeedMax = math.Max(d.SpeedMax, p.Fix.SpeedMPS)
	}

	d.TimeEnd = p.ReceivedAt
	d.Points = append(d.Points, p)
}

// Duration returns the session's wall-clock span.
func (d *TrackData) Duration() time.Duration {
	return d.TimeEnd.Sub(d.TimeStart)
}

// haversineMeters computes the great-circle distance between two WGS84
// coordinates.
func haversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	return 2 * earthRadiusMeters * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// projection maps WGS84 coordinates into image pixels using an
// equirectangular projection centred on the track's bounding box.
type projection struct {
	latMin, lonMin float64
	cosMidLat      float64
	scale          float64
	padding        int
	height         int
}

func newProjection(d *TrackData, width, padding int) projection {
	midLat := (d.LatitudeMin + d.LatitudeMax) / 2
	cosMidLat := math.Cos(midLat * math.Pi / 180)

	spanX := (d.LongitudeMax - d.LongitudeMin) * cosMidLat
	spanY := d.LatitudeMax - d.LatitudeMin

	drawable := float64(width - 2*padding)
	scale := drawable
	if spanX > 0 {
		scale = drawable / spanX
	}

	height := 2*padding + int(spanY*scale)
	if height < width/4 {
		height = width / 4
	}

	return projection{
		latMin:    d.LatitudeMin,
		lonMin:    d.LongitudeMin,
		cosMidLat: cosMidLat,
		scale:     scale,
		padding:   padding,
		height:    height,
	}
}

func (p projection) point(lat, lon float64) (int, int) {
	x := p.padding + int((lon-p.lonMin)*p.cosMidLat*p.scale)
	y := p.height - p.padding - int((lat-p.latMin)*p.scale)
	return x, y
}

// RenderConfig holds the track visualization options
type RenderConfig struct {
	Width   int
	Padding int

	Background color.RGBA
}

// TrackRenderer draws a session's track as a speed-colored polyline
type TrackRenderer struct {
	config RenderConfig
}

// NewTrackRenderer creates a track renderer, applying defaults for zero
// configuration values.
func NewTrackRenderer(config RenderConfig) *TrackRenderer {
	if config.Width <= 0 {
		config.Width = defaultImageWidth
	}
	if config.Padding <= 0 {
		config.Padding = defaultPadding
	}
	if config.Background == (color.RGBA{}) {
		config.Background = color.RGBA{R: 16, G: 16, B: 24, A: 255}
	}
	return &TrackRenderer{config: config}
}

// Render projects the track into a new image. Line segments are colored by
// the speed of the fix they lead to, from blue (slowest) to red (fastest).
func (r *TrackRenderer) Render(data *TrackData) (*image.RGBA, error) {
	if len(data.Points) < 2 {
		return nil, errors.New("at least two fixes are required to draw a track")
	}

	proj := newProjection(data, r.config.Width, r.config.Padding)

	img := image.NewRGBA(image.Rect(0, 0, r.config.Width, proj.height))
	draw.Draw(img, img.Bounds(), image.NewUniform(r.config.Background), image.Point{}, draw.Src)

	for i := 1; i < len(data.Points); i++ {
		prev, curr := data.Points[i-1], data.Points[i]

		x1, y1 := proj.point(prev.Fix.Latitude, prev.Fix.Longitude)
		x2, y2 := proj.point(curr.Fix.Latitude, curr.Fix.Longitude)

		drawLine(img, x1, y1, x2, y2, speedColor(curr.Fix.SpeedMPS, data.SpeedMin, data.SpeedMax))
	}

	startX, startY := proj.point(data.Points[0].Fix.Latitude, data.Points[0].Fix.Longitude)
	endX, endY := proj.point(data.Points[len(data.Points)-1].Fix.Latitude, data.Points[len(data.Points)-1].Fix.Longitude)

	drawMarker(img, startX, startY, color.RGBA{G: 255, A: 255})
	drawMarker(img, endX, endY, color.RGBA{R: 255, A: 255})

	return img, nil
}

// speedColor maps a speed into a blue-to-red gradient within the track's
// observed speed range.
func speedColor(speed, minSpeed, maxSpeed float64) color.RGBA {
	t := 0.5
	if maxSpeed > minSpeed {
		t = (speed - minSpeed) / (maxSpeed - minSpeed)
	}

	// blue -> cyan -> yellow -> red
	switch {
	case t < 1.0/3:
		s := t * 3
		return color.RGBA{G: uint8(255 * s), B: 255, A: 255}
	case t < 2.0/3:
		s := (t - 1.0/3) * 3
		return color.RGBA{R: uint8(255 * s), G: 255, B: uint8(255 * (1 - s)), A: 255}
	default:
		s := (t - 2.0/3) * 3
		return color.RGBA{R: 255, G: uint8(255 * (1 - s)), A: 255}
	}
}

// drawLine plots a two-pixel-wide line segment.
func drawLine(img *image.RGBA, x1, y1, x2, y2 int, c color.RGBA) {
	steps := max(abs(x2-x1), abs(y2-y1))
	if steps == 0 {
		img.SetRGBA(x1, y1, c)
		return
	}

	for i := 0; i <= steps; i++ {
		t := float64(i) / float64(steps)
		x := x1 + int(t*float64(x2-x1))
		y := y1 + int(t*float64(y2-y1))
		img.SetRGBA(x, y, c)
		img.SetRGBA(x+1, y, c)
		img.SetRGBA(x, y+1, c)
	}
}

// drawMarker plots a filled circle marking the start or end of the track.
func drawMarker(img *image.RGBA, cx, cy int, c color.RGBA) {
	const radius = 5
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			if dx*dx+dy*dy <= radius*radius {
				img.SetRGBA(cx+dx, cy+dy, c)
			}
		}
	}
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
