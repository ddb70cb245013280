package scraper

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/M3-K0/marketplace-monitor/internal/model"
)

var (
	slugInvalid = regexp.MustCompile(`[^a-z0-9\-]`)
	slugDashes  = regexp.MustCompile(`-+`)
	slugSpaces  = regexp.MustCompile(`\s+`)
)

// LocationSlug 将地点转换为 URL 路径片段，例如 "Hillbank, South Australia" -> "hillbank-south-australia"。
func LocationSlug(location string) string {
	s := strings.ToLower(strings.TrimSpace(location))
	if s == "" {
		s = "sydney-australia"
	}
	s = slugSpaces.ReplaceAllString(s, "-")
	s = slugInvalid.ReplaceAllString(s, "")
	s = slugDashes.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

// BuildSearchURL 构造市场搜索页面的 URL。
//
// 参数:
//
//	base: 市场站点根地址，例如 https://www.facebook.com/marketplace
//	s: 搜索条件
//
// 返回值:
//
//	string: 完整的搜索 URL
func BuildSearchURL(base string, s model.Search) string {
	base = strings.TrimRight(base, "/")
	values := url.Values{}
	if kw := strings.TrimSpace(s.Keywords); kw != "" {
		values.Set("query", kw)
	}
	if s.MinPrice != nil && *s.MinPrice > 0 {
		values.Set("minPrice", strconv.FormatInt(int64(*s.MinPrice), 10))
	}
	if s.MaxPrice != nil && *s.MaxPrice > 0 {
		values.Set("maxPrice", strconv.FormatInt(int64(*s.MaxPrice), 10))
	}
	if s.Radius > 0 {
		values.Set("radius", strconv.Itoa(s.Radius))
	}
	values.Set("sortBy", "creation_time_descend")
	if days := daysSinceListed(s.DateListed); days > 0 {
		values.Set("daysSinceListed", strconv.Itoa(days))
	}

	qs := values.Encode()
	qs = strings.ReplaceAll(qs, "+", "%20")
	return base + "/" + LocationSlug(s.Location) + "/search?" + qs
}

func daysSinceListed(d model.DateListed) int {
	switch d {
	case model.DateListed24h:
		return 1
	case model.DateListed7d:
		return 7
	case model.DateListed30d:
		return 30
	default:
		return 0
	}
}
