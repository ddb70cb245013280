package filter

import (
	"regexp"
	"strconv"
	"strings"
)

var priceToken = regexp.MustCompile(`\d[\d,]*(?:\.\d+)?`)

// ParsePrice 从自由文本价格中提取数值（如 "$1,299.99" → 1299.99）。
//
// 无法解析时返回 0，调用方把 0 视为“未知价格”，不参与降价判断。
func ParsePrice(s string) float64 {
	m := priceToken.FindString(s)
	if m == "" {
		return 0
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(m, ",", ""), 64)
	if err != nil {
		return 0
	}
	return v
}

// IsDrop 判断 current 相对 previous 是否为真实降价（两者都必须可解析且为正）。
func IsDrop(previous, current string) bool {
	prev := ParsePrice(previous)
	curr := ParsePrice(current)
	if prev <= 0 || curr <= 0 {
		return false
	}
	return curr < prev
}

// DropPercent 计算降价百分比 (prev-curr)/prev*100，非降价返回 0。
func DropPercent(previous, current string) float64 {
	if !IsDrop(previous, current) {
		return 0
	}
	prev := ParsePrice(previous)
	return (prev - ParsePrice(current)) / prev * 100
}
