package stats

import "strconv"

const BadgeColor = "#4285f4"

type Badge struct {
	Text  string `json:"text"`
	Color string `json:"color,omitempty"`
}

// BadgeFor renders the toolbar badge for a total count: empty when nothing
// was filtered, "99+" above 99.
func BadgeFor(total int64) Badge {
	switch {
	case total <= 0:
		return Badge{}
	case total > 99:
		return Badge{Text: "99+", Color: BadgeColor}
	default:
		return Badge{Text: strconv.FormatInt(total, 10), Color: BadgeColor}
	}
}
