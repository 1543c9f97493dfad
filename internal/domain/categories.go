package domain

import "fmt"

type Platform string

func (p Platform) String() string {
	return string(p)
}

const (
	PlatformMarketplace   Platform = "marketplace"
	PlatformVideoPlatform Platform = "video_platform"
)

var Platforms = []Platform{
	PlatformMarketplace,
	PlatformVideoPlatform,
}

func (p Platform) Valid() bool {
	switch p {
	case PlatformMarketplace, PlatformVideoPlatform:
		return true
	default:
		return false
	}
}

func (p Platform) GetPlatformName() string {
	switch p {
	case PlatformMarketplace:
		return "Marketplace"
	case PlatformVideoPlatform:
		return "Video Platform"
	default:
		return "Unknown"
	}
}

// ParsePlatform accepts the persisted enum value.
func ParsePlatform(s string) (Platform, error) {
	p := Platform(s)
	if !p.Valid() {
		return "", fmt.Errorf("unknown platform %q", s)
	}
	return p, nil
}

type Category string

func (c Category) String() string {
	return string(c)
}

const (
	CategoryTShirt     Category = "tshirt"
	CategoryHoodie     Category = "hoodie"
	CategorySweatshirt Category = "sweatshirt"
	CategoryOther      Category = "other"
)

var Categories = []Category{
	CategoryTShirt,
	CategoryHoodie,
	CategorySweatshirt,
	CategoryOther,
}

func (c Category) Valid() bool {
	switch c {
	case CategoryTShirt, CategoryHoodie, CategorySweatshirt, CategoryOther:
		return true
	default:
		return false
	}
}

func (c Category) GetCategoryName() string {
	switch c {
	case CategoryTShirt:
		return "T-Shirts"
	case CategoryHoodie:
		return "Hoodies"
	case CategorySweatshirt:
		return "Sweatshirts"
	case CategoryOther:
		return "Other"
	default:
		return "Unknown"
	}
}
