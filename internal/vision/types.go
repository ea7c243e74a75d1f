package vision

// Detection is one localized face in frame pixel coordinates.
type Detection struct {
	BBox       [4]float32 // x1, y1, x2, y2
	Confidence float32
}

// BoxInts returns the bounding box as rounded-down ints.
func (d Detection) BoxInts() [4]int {
	return [4]int{int(d.BBox[0]), int(d.BBox[1]), int(d.BBox[2]), int(d.BBox[3])}
}
