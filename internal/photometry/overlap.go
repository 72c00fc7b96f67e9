package photometry

import "math"

// circleOverlap is the exact area of the rectangle [xmin,xmax]x[ymin,ymax]
// inside a circle of radius r centred on the origin.
func circleOverlap(xmin, ymin, xmax, ymax, r float64) float64 {
	switch {
	case xmin >= 0:
		switch {
		case ymin >= 0:
			return overlapCore(xmin, ymin, xmax, ymax, r)
		case ymax <= 0:
			return overlapCore(-ymax, xmin, -ymin, xmax, r)
		default:
			return circleOverlap(xmin, ymin, xmax, 0, r) + circleOverlap(xmin, 0, xmax, ymax, r)
		}
	case xmax <= 0:
		switch {
		case ymin >= 0:
			return overlapCore(-xmax, ymin, -xmin, ymax, r)
		case ymax <= 0:
			return overlapCore(-xmax, -ymax, -xmin, -ymin, r)
		default:
			return circleOverlap(xmin, ymin, xmax, 0, r) + circleOverlap(xmin, 0, xmax, ymax, r)
		}
	default:
		if ymin >= 0 || ymax <= 0 {
			return circleOverlap(xmin, ymin, 0, ymax, r) + circleOverlap(0, ymin, xmax, ymax, r)
		}
		return circleOverlap(xmin, ymin, 0, 0, r) + circleOverlap(0, ymin, xmax, 0, r) +
			circleOverlap(xmin, 0, 0, ymax, r) + circleOverlap(0, 0, xmax, ymax, r)
	}
}

// overlapCore handles a rectangle entirely in the first quadrant.
func overlapCore(xmin, ymin, xmax, ymax, r float64) float64 {
	r2 := r * r
	if xmin*xmin+ymin*ymin > r2 {
		return 0
	}
	if xmax*xmax+ymax*ymax < r2 {
		return (xmax - xmin) * (ymax - ymin)
	}

	d1 := math.Sqrt(xmax*xmax + ymin*ymin)
	d2 := math.Sqrt(xmin*xmin + ymax*ymax)
	switch {
	case d1 < r && d2 < r:
		x1, y1 := math.Sqrt(r2-ymax*ymax), ymax
		x2, y2 := xmax, math.Sqrt(r2-xmax*xmax)
		return (xmax-xmin)*(ymax-ymin) - triangle(x1, y1, x2, y2, xmax, ymax) + arc(x1, y1, x2, y2, r)
	case d1 < r:
		x1, y1 := xmin, math.Sqrt(r2-xmin*xmin)
		x2, y2 := xmax, math.Sqrt(r2-xmax*xmax)
		return arc(x1, y1, x2, y2, r) + triangle(x1, y1, x1, ymin, xmax, ymin) + triangle(x1, y1, x2, ymin, x2, y2)
	case d2 < r:
		x1, y1 := math.Sqrt(r2-ymin*ymin), ymin
		x2, y2 := math.Sqrt(r2-ymax*ymax), ymax
		return arc(x1, y1, x2, y2, r) + triangle(x1, y1, xmin, y1, xmin, ymax) + triangle(x1, y1, xmin, y2, x2, y2)
	default:
		x1, y1 := math.Sqrt(r2-ymin*ymin), ymin
		x2, y2 := xmin, math.Sqrt(r2-xmin*xmin)
		return arc(x1, y1, x2, y2, r) + triangle(x1, y1, x2, y2, xmin, ymin)
	}
}

// arc is the area between the chord (x1,y1)-(x2,y2) and the circle.
func arc(x1, y1, x2, y2, r float64) float64 {
	a := math.Hypot(x2-x1, y2-y1)
	theta := 2 * math.Asin(math.Min(1, 0.5*a/r))
	return 0.5 * r * r * (theta - math.Sin(theta))
}

func triangle(x1, y1, x2, y2, x3, y3 float64) float64 {
	return 0.5 * math.Abs(x1*(y2-y3)+x2*(y3-y1)+x3*(y1-y2))
}

// pixelOverlap is the fraction of pixel (i, j), centred on integer
// coordinates, covered by the circle of radius r at (x, y).
func pixelOverlap(i, j int, x, y, r float64) float64 {
	dx, dy := float64(i)-x, float64(j)-y
	return circleOverlap(dx-0.5, dy-0.5, dx+0.5, dy+0.5, r)
}
