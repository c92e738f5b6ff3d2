package protocol

// PageGeometry is the page measurement taken once at the start of a capture
// session. It is not re-measured if the page reflows mid-session.
type PageGeometry struct {
	FullWidth      int `json:"full_width"`
	FullHeight     int `json:"full_height"`
	ViewportHeight int `json:"viewport_height"`
	ScrollX        int `json:"scroll_x"`
	ScrollY        int `json:"scroll_y"`
}

// SliceCount returns ceil(FullHeight / ViewportHeight), or 0 when either side
// is not positive.
func (g PageGeometry) SliceCount() int {
	if g.FullHeight <= 0 || g.ViewportHeight <= 0 {
		return 0
	}
	return (g.FullHeight + g.ViewportHeight - 1) / g.ViewportHeight
}

// SliceHeight returns the number of canvas rows slice i may cover.
func (g PageGeometry) SliceHeight(i int) int {
	top := i * g.ViewportHeight
	if top >= g.FullHeight {
		return 0
	}
	return min(g.ViewportHeight, g.FullHeight-top)
}
