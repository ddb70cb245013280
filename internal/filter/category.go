package filter

import (
	"strings"

	"github.com/M3-K0/marketplace-monitor/internal/model"
)

// Category 商品分类。
type Category string

const (
	CategoryElectronics Category = "electronics"
	CategoryFurniture   Category = "furniture"
	CategoryVehicles    Category = "vehicles"
	CategoryClothing    Category = "clothing"
	CategoryOther       Category = "other"
)

type categoryRule struct {
	category Category
	keywords []string
}

// categoryRules 的顺序即优先级：先匹配者胜出。
var categoryRules = []categoryRule{
	{CategoryElectronics, []string{"iphone", "phone", "laptop", "computer", "ipad", "tablet", "tv", "television", "xbox", "playstation", "gaming", "headphones", "speaker", "camera", "drone", "macbook", "imac", "android", "samsung", "apple", "dell", "hp", "sony", "nintendo", "keyboard", "mouse", "monitor", "printer", "router", "electronics"}},
	{CategoryFurniture, []string{"chair", "table", "desk", "bed", "mattress", "sofa", "couch", "dresser", "bookshelf", "cabinet", "wardrobe", "nightstand", "dining", "furniture", "ottoman", "bench", "stool", "shelving", "storage", "drawer"}},
	{CategoryVehicles, []string{"car", "truck", "motorcycle", "bike", "van", "suv", "sedan", "hatchback", "toyota", "honda", "ford", "bmw", "mercedes", "audi", "nissan", "mazda", "vehicle", "auto", "wheels", "tires", "engine", "parts"}},
	{CategoryClothing, []string{"shirt", "pants", "dress", "shoes", "jacket", "coat", "jeans", "shorts", "skirt", "blouse", "sweater", "hoodie", "sneakers", "boots", "sandals", "clothing", "apparel", "fashion", "brand", "size", "outfit"}},
}

// Categories 返回所有分类（含 other），按检测优先级排序。
func Categories() []Category {
	out := make([]Category, 0, len(categoryRules)+1)
	for _, r := range categoryRules {
		out = append(out, r.category)
	}
	return append(out, CategoryOther)
}

// ParseCategory 将字符串转换为分类，未知值返回 false。
func ParseCategory(v string) (Category, bool) {
	c := Category(strings.ToLower(strings.TrimSpace(v)))
	for _, known := range Categories() {
		if c == known {
			return c, true
		}
	}
	return "", false
}

// DetectCategory 根据标题与描述的子串匹配对商品分类。
//
// 按 electronics → furniture → vehicles → clothing 的固定顺序检查，
// 第一个命中的分类胜出，全部未命中返回 other。
func DetectCategory(l model.Listing) Category {
	text := strings.ToLower(l.Title + " " + l.Description)
	for _, rule := range categoryRules {
		for _, kw := range rule.keywords {
			if strings.Contains(text, kw) {
				return rule.category
			}
		}
	}
	return CategoryOther
}
