package geo

import "github.com/mmcloughlin/geohash"

// CellPrecision gives cells of roughly 4.9km x 4.9km.
const CellPrecision = 5

// Cell returns the geohash cell containing p.
func Cell(p Point) string {
	return geohash.EncodeWithPrecision(p.Lat, p.Lon, CellPrecision)
}

// Neighbourhood returns the cell containing p followed by its eight
// neighbours. Requests picked up anywhere in these cells are "nearby".
func Neighbourhood(p Point) []string {
	cell := Cell(p)
	return append([]string{cell}, geohash.Neighbors(cell)...)
}
