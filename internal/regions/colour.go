package regions

import (
	"fmt"
	"strings"

	"gopkg.in/go-playground/colors.v1" //nolint
)

// ds9Colours are the colour names DS9 understands.
var ds9Colours = map[string][3]uint8{
	"white":   {255, 255, 255},
	"black":   {0, 0, 0},
	"red":     {255, 0, 0},
	"green":   {0, 255, 0},
	"blue":    {0, 0, 255},
	"cyan":    {0, 255, 255},
	"magenta": {255, 0, 255},
	"yellow":  {255, 255, 0},
}

// ValidateColour accepts DS9 colour names and #rrggbb / #rgb hex values.
func ValidateColour(c string) error {
	_, err := ColourRGB(c)
	return err
}

// ColourRGB resolves a region colour.
func ColourRGB(c string) (*colors.RGBColor, error) {
	if rgb, ok := ds9Colours[strings.ToLower(c)]; ok {
		return colors.RGB(rgb[0], rgb[1], rgb[2])
	}
	if strings.HasPrefix(c, "#") {
		hex, err := colors.ParseHEX(c)
		if err != nil {
			return nil, fmt.Errorf("invalid region colour %q: %w", c, err)
		}
		return hex.ToRGB(), nil
	}
	return nil, fmt.Errorf("invalid region colour %q (want one of white black red green blue cyan magenta yellow or #rrggbb)", c)
}
