package tracker

import (
	"fmt"

	"github.com/fogleman/gg"

	"github.com/samuelfneumann/gomaml/utils/floatutils"
)

// margin is the padding, in pixels, between the plot area and the
// image border
const margin float64 = 45.0

// LearningCurve renders the mean validation return of every
// meta-iteration as a PNG learning curve.
type LearningCurve struct {
	returns  []float64
	filename string
	width    int
	height   int
}

// NewLearningCurve creates and returns a new *LearningCurve Tracker
// rendering to an image of the given pixel dimensions.
func NewLearningCurve(filename string, width, height int) *LearningCurve {
	if width < 1 {
		width = 640
	}
	if height < 1 {
		height = 480
	}
	return &LearningCurve{filename: filename, width: width, height: height}
}

// Track records the mean validation return of one meta-iteration
func (l *LearningCurve) Track(iteration int, meanReturn float64) {
	l.returns = append(l.returns, meanReturn)
}

// Save renders the tracked returns to a PNG file
func (l *LearningCurve) Save() error {
	dc := gg.NewContext(l.width, l.height)
	dc.SetRGB(1, 1, 1)
	dc.Clear()

	plotWidth := float64(l.width) - 2*margin
	plotHeight := float64(l.height) - 2*margin

	// Axes
	dc.SetRGB(0, 0, 0)
	dc.SetLineWidth(1.5)
	dc.DrawLine(margin, margin, margin, margin+plotHeight)
	dc.DrawLine(margin, margin+plotHeight, margin+plotWidth,
		margin+plotHeight)
	dc.Stroke()

	if len(l.returns) > 0 {
		low := floatutils.Min(l.returns...)
		high := floatutils.Max(l.returns...)
		if low == high {
			// Flat curves still get a visible vertical extent
			low--
			high++
		}

		dc.SetRGB(0.122, 0.467, 0.706)
		dc.SetLineWidth(2)
		for i, r := range l.returns {
			x := margin
			if len(l.returns) > 1 {
				x += plotWidth * float64(i) / float64(len(l.returns)-1)
			}
			y := margin + plotHeight*(1-(r-low)/(high-low))
			if i == 0 {
				dc.MoveTo(x, y)
			} else {
				dc.LineTo(x, y)
			}
		}
		dc.Stroke()

		dc.SetRGB(0, 0, 0)
		dc.DrawStringAnchored(fmt.Sprintf("%.3g", high), margin-5,
			margin, 1, 0.5)
		dc.DrawStringAnchored(fmt.Sprintf("%.3g", low), margin-5,
			margin+plotHeight, 1, 0.5)
	}

	dc.DrawStringAnchored("iteration", margin+plotWidth/2,
		float64(l.height)-margin/2, 0.5, 0.5)
	dc.DrawStringAnchored(fmt.Sprintf("%v iterations", len(l.returns)),
		margin+plotWidth/2, margin/2, 0.5, 0.5)

	if err := dc.SavePNG(l.filename); err != nil {
		return fmt.Errorf("save: could not render learning curve: %v", err)
	}
	return nil
}
