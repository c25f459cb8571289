package model

import "sort"

var sizeOrder = map[string]int{
	"RN":    0,
	"P":     1,
	"M":     2,
	"G":     3,
	"GG":    4,
	"Unico": 5,
	"Único": 5,
}

const unknownSizeRank = 99

// SizeRank возвращает позицию размера при выводе; неизвестные обозначения идут последними.
func SizeRank(label string) int {
	if r, ok := sizeOrder[label]; ok {
		return r
	}
	return unknownSizeRank
}

// SortSizes упорядочивает размеры, сохраняя исходный порядок при равной позиции.
func SortSizes(sizes []ProductSize) {
	sort.SliceStable(sizes, func(i, j int) bool {
		return SizeRank(sizes[i].Label) < SizeRank(sizes[j].Label)
	})
}
