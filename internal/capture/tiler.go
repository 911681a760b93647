package capture

// Tile is one viewport-height screenshot region. OffsetY is the vertical scroll
// position the page must be at before the viewport is captured.
type Tile struct {
	Index   int
	OffsetY int
	Width   int
	Height  int
}

// TilePlan is the set of tiles covering a page, truncated to a maximum.
type TilePlan struct {
	Original int
	Tiles    []Tile
}

// Truncated returns how many tiles will actually be captured.
func (p TilePlan) Truncated() int {
	return len(p.Tiles)
}

// TileCount returns ceil(pageHeight / viewportHeight).
func TileCount(pageHeight, viewportHeight int) int {
	if pageHeight <= 0 || viewportHeight <= 0 {
		return 0
	}
	return (pageHeight + viewportHeight - 1) / viewportHeight
}

// PlanTiles lays out top-to-bottom tiles for a page, keeping at most maxTiles.
func PlanTiles(pageHeight int, viewport Viewport, maxTiles int) TilePlan {
	original := TileCount(pageHeight, viewport.Height)
	n := min(original, max(maxTiles, 0))
	tiles := make([]Tile, 0, n)
	for i := range n {
		tiles = append(tiles, Tile{
			Index:   i,
			OffsetY: i * viewport.Height,
			Width:   viewport.Width,
			Height:  viewport.Height,
		})
	}
	return TilePlan{Original: original, Tiles: tiles}
}
