package scene

import (
	"fmt"
	"slices"
)

type MarkerShape string

const (
	MarkerDisc   MarkerShape = "disc"
	MarkerSquare MarkerShape = "square"
	MarkerClub   MarkerShape = "club"
)

type CapStyle string

const (
	CapButt       CapStyle = "butt"
	CapProjecting CapStyle = "projecting"
	CapRound      CapStyle = "round"
)

type JoinStyle string

const (
	JoinMiter JoinStyle = "miter"
	JoinBevel JoinStyle = "bevel"
	JoinRound JoinStyle = "round"
)

var (
	markerShapes = []MarkerShape{MarkerDisc, MarkerSquare, MarkerClub}
	capStyles    = []CapStyle{CapButt, CapProjecting, CapRound}
	joinStyles   = []JoinStyle{JoinMiter, JoinBevel, JoinRound}
)

func (m MarkerShape) Validate() error {
	if !slices.Contains(markerShapes, m) {
		return fmt.Errorf("%w: marker shape %q", ErrInvalidVisual, m)
	}
	return nil
}

func (c CapStyle) Validate() error {
	if !slices.Contains(capStyles, c) {
		return fmt.Errorf("%w: cap style %q", ErrInvalidVisual, c)
	}
	return nil
}

func (j JoinStyle) Validate() error {
	if !slices.Contains(joinStyles, j) {
		return fmt.Errorf("%w: join style %q", ErrInvalidVisual, j)
	}
	return nil
}
